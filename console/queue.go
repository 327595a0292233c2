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

// Queue is a fixed-capacity FIFO of bytes backed by a ring buffer.
// It does no locking; the Console guards every queue with its own mutex.
type Queue struct {
	buf  []byte
	head int // index of the oldest byte
	size int // number of buffered bytes
}

// NewQueue returns an empty queue holding at most capacity bytes.
func NewQueue(capacity int) *Queue {
	return &Queue{buf: make([]byte, capacity)}
}

// Len returns the number of buffered bytes.
func (q *Queue) Len() int {
	return q.size
}

// Cap returns the capacity of the queue.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Free returns the number of bytes that can still be pushed.
func (q *Queue) Free() int {
	return len(q.buf) - q.size
}

// Push appends data to the tail. Nothing is appended if data does not
// fit as a whole.
func (q *Queue) Push(data []byte) bool {
	if len(data) == 0 {
		return true
	} else if len(data) > q.Free() {
		return false
	}
	tail := (q.head + q.size) % len(q.buf)
	n := copy(q.buf[tail:], data)
	copy(q.buf, data[n:])
	q.size += len(data)
	return true
}

// Pop removes and returns the oldest byte.
func (q *Queue) Pop() (byte, bool) {
	if q.size == 0 {
		return 0, false
	}
	b := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return b, true
}

// Front returns the oldest byte without removing it.
func (q *Queue) Front() (byte, bool) {
	if q.size == 0 {
		return 0, false
	}
	return q.buf[q.head], true
}

// Peek copies up to len(dst) of the oldest bytes into dst without
// removing them and returns the number of bytes copied.
func (q *Queue) Peek(dst []byte) int {
	n := min(len(dst), q.size)
	first := min(n, len(q.buf)-q.head)
	copy(dst, q.buf[q.head:q.head+first])
	copy(dst[first:n], q.buf)
	return n
}

// Discard drops the n oldest bytes (or all if fewer are buffered).
func (q *Queue) Discard(n int) {
	n = min(n, q.size)
	q.head = (q.head + n) % len(q.buf)
	q.size -= n
	if q.size == 0 {
		q.head = 0
	}
}

// Index returns the position of the first byte for which match returns
// true, or -1.
func (q *Queue) Index(match func(byte) bool) int {
	for i := 0; i < q.size; i++ {
		if match(q.buf[(q.head+i)%len(q.buf)]) {
			return i
		}
	}
	return -1
}

// Reset empties the queue.
func (q *Queue) Reset() {
	q.head, q.size = 0, 0
}
