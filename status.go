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

package serialnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bfix/serialnet/console"
	"github.com/bfix/serialnet/link"
)

// status codes
const (
	StatUNK  = iota // unknown status (init)
	StatOK          // processing active
	StatDEV         // device failure
	StatCFG         // invalid configuration
	StatUSB         // serial console failure
	StatWIFI        // radio initialization failed
	StatJOIN        // can't join network (unknown reason)
	StatSSID        // network not found
	StatDHCP        // no DHCP reply
	StatLINK        // link or join timeout
	StatNET         // request transport failed
	StatHTTP        // request rejected by server
	StatBODY        // response body unusable
	StatEXCP        // exception (panic) occurred
)

// StatusOf returns the status code for an error.
func StatusOf(err error) int {
	var (
		nerr *link.NetworkError
		serr *link.StatusError
		derr *link.DecodeError
		perr *link.ParseError
	)
	switch {
	case err == nil:
		return StatOK
	case errors.Is(err, link.ErrSSIDNotFound):
		return StatSSID
	case errors.Is(err, link.ErrDHCPTimeout):
		return StatDHCP
	case errors.Is(err, link.ErrTimeout):
		return StatLINK
	case errors.Is(err, link.ErrUnknown):
		return StatJOIN
	case errors.As(err, &nerr):
		return StatNET
	case errors.As(err, &serr):
		return StatHTTP
	case errors.As(err, &derr), errors.As(err, &perr), errors.Is(err, link.ErrBodyTooLarge):
		return StatBODY
	case errors.Is(err, console.ErrInboundOverflow), errors.Is(err, console.ErrOutboundOverflow),
		errors.Is(err, console.ErrEndpointOverflow):
		return StatUSB
	}
	return StatUNK
}

// blink pattern of a status code
type blinkTiming struct {
	pause    time.Duration // between patterns
	long     time.Duration // one long blink counts five
	longOff  time.Duration
	short    time.Duration
	shortOff time.Duration
}

var defaultTiming = blinkTiming{
	pause:    5 * time.Second,
	long:     time.Second,
	longOff:  300 * time.Millisecond,
	short:    150 * time.Millisecond,
	shortOff: 150 * time.Millisecond,
}

// Status handler.
// Show current status depending on hardware device.
type Status struct {
	dev    Device       // reference to device
	logger *slog.Logger // exception log
	curr   atomic.Int32 // current state
	repeat atomic.Int32 // current repeat counter
}

// NewStatus creates a new status display. Failure codes are blinked on
// the LED; in state StatOK the LED is left alone.
func NewStatus(ctx context.Context, dev Device, logger *slog.Logger) *Status {
	return newStatus(ctx, dev, logger, defaultTiming)
}

func newStatus(ctx context.Context, dev Device, logger *slog.Logger, t blinkTiming) (state *Status) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127), // Make temporary logger that does no logging.
		}))
	}
	state = &Status{dev: dev, logger: logger}
	state.curr.Store(StatOK)
	go func() {
		// blink LED <state>; <repeat> times
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.pause):
			}
			num, rep := state.curr.Load(), state.repeat.Load()
			if num == StatOK || state.dev == nil {
				continue
			}
			n := num
			for ; n > 5; n -= 5 {
				dev.LED(true)
				time.Sleep(t.long)
				dev.LED(false)
				time.Sleep(t.longOff)
			}
			for range n {
				dev.LED(true)
				time.Sleep(t.short)
				dev.LED(false)
				time.Sleep(t.shortOff)
			}
			if rep > 0 && state.repeat.CompareAndSwap(rep, rep-1) && rep == 1 {
				state.curr.CompareAndSwap(num, StatOK)
			}
		}
	}()
	return
}

// SetLogger replaces the exception log.
func (state *Status) SetLogger(logger *slog.Logger) {
	if state != nil && logger != nil {
		state.logger = logger
	}
}

// Set status and repeat <num> times (0 = forever).
func (state *Status) Set(flag, num int) {
	if state != nil {
		state.repeat.Store(int32(num))
		state.curr.Store(int32(flag))
	}
}

// Get current state and repeat counter
func (state *Status) Get() (int, int) {
	return int(state.curr.Load()), int(state.repeat.Load())
}

// Trap critical failures (panic). Must be deferred directly.
func (state *Status) Trap(t time.Duration) {
	s, _ := state.Get()
	if r := recover(); r != nil {
		state.logger.Error("EXCP", slog.String("err", fmt.Sprint(r)))
		if s == StatOK {
			code := StatEXCP
			if err, ok := r.(error); ok && StatusOf(err) == StatUSB {
				code = StatUSB
			}
			state.Set(code, 0)
		}
	} else if s == StatOK {
		state.Set(StatUNK, 0)
	}
	time.Sleep(t)
}
