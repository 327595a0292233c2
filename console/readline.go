//----------------------------------------------------------------------
// This file is part of serialnet.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// serialnet is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// serialnet is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

package console

import (
	"context"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

// interval between checks of the inbound queue
const pollInterval = time.Millisecond

func isTerminator(b byte) bool {
	return b == '\r' || b == '\n'
}

// companion returns the terminator that pairs with t to a single break.
func companion(t byte) byte {
	if t == '\r' {
		return '\n'
	}
	return '\r'
}

// ReadLine waits until a full line is buffered and writes it, including
// its first terminator, to sink. A directly following terminator of the
// other kind is consumed as part of the same break. Only one ReadLine
// runs at a time. It returns the number of bytes taken from the queue.
//
// A line that is not valid UTF-8 is consumed and dropped, nothing is
// written to sink and ErrInvalidText is returned.
func (c *Console) ReadLine(ctx context.Context, sink io.Writer) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		line, n := c.takeLine()
		if n > 0 {
			if line == nil {
				return n, ErrInvalidText
			}
			if _, err := sink.Write(line); err != nil {
				return n, err
			}
			return n, nil
		}
		if err := sleep(ctx, pollInterval); err != nil {
			return 0, err
		}
	}
}

// Line reads the next line and returns it without terminators.
func (c *Console) Line(ctx context.Context) (string, error) {
	var sb strings.Builder
	_, err := c.ReadLine(ctx, &sb)
	return strings.TrimRight(sb.String(), "\r\n"), err
}

// takeLine removes the next line from the inbound queue. It returns the
// line including its terminator and the count of consumed bytes. The
// line is nil if it was not valid text. Must hold readMu.
func (c *Console) takeLine() ([]byte, int) {
	c.inMu.Lock()
	defer c.inMu.Unlock()

	consumed := 0
	// companion of the last break that arrived in a later packet
	if c.skip != 0 {
		if b, ok := c.in.Front(); ok {
			if b == c.skip {
				c.in.Discard(1)
				consumed++
			}
			c.skip = 0
		}
	}
	idx := c.in.Index(isTerminator)
	if idx < 0 {
		return nil, 0
	}
	n := c.in.Peek(c.line[:idx+1])
	c.in.Discard(n)
	consumed += n

	term := c.line[idx]
	if b, ok := c.in.Front(); ok {
		if b == companion(term) {
			c.in.Discard(1)
			consumed++
		}
	} else {
		c.skip = companion(term)
	}
	if !utf8.Valid(c.line[:idx]) {
		return nil, consumed
	}
	return c.line[:n], consumed
}
