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

// Package console implements a line oriented text console on top of a
// packetized USB serial endpoint.
//
// Two fixed-capacity queues sit between the endpoint and the rest of the
// firmware. A pump moves packets between the endpoint and the queues
// while callers print into the outbound queue and read complete lines
// from the inbound queue. Queue overflow is a budgeting bug and panics.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// PacketSize is the maximum packet size of the USB bulk endpoints.
const PacketSize = 64

// Default queue capacities.
const (
	DefaultInboundCapacity  = 1024
	DefaultOutboundCapacity = 2048
)

// Error messages
var (
	ErrDisconnected     = errors.New("console: host disconnected")
	ErrEndpointOverflow = errors.New("console: endpoint buffer overflow")
	ErrInboundOverflow  = errors.New("console: inbound queue overflow")
	ErrOutboundOverflow = errors.New("console: outbound queue overflow")
	ErrInvalidText      = errors.New("console: invalid utf-8 text")
	errSmallCapacity    = errors.New("console: queue capacity below packet size")
)

// Endpoint is a USB class endpoint pair (bulk IN and OUT) of a CDC-ACM
// serial interface. Read and write calls block until a packet moved or
// the context is done. A vanished host is reported as ErrDisconnected;
// ErrEndpointOverflow is fatal.
type Endpoint interface {
	// Connected returns true while a host holds the port open.
	Connected() bool
	// WaitConnect blocks until a host opens the port.
	WaitConnect(ctx context.Context) error
	// ReadPacket reads at most one packet into buf.
	ReadPacket(ctx context.Context, buf []byte) (int, error)
	// WritePacket writes data (at most PacketSize bytes) as one packet.
	WritePacket(ctx context.Context, data []byte) (int, error)
}

// Config of a console.
type Config struct {
	InboundCapacity  int
	OutboundCapacity int
	Logger           *slog.Logger
}

// Console is the framed byte channel between a USB endpoint and the
// firmware. It is safe for concurrent use.
type Console struct {
	logger *slog.Logger

	inMu sync.Mutex
	in   *Queue

	outMu   sync.Mutex
	out     *Queue
	packet  [PacketSize]byte // drain scratch, guarded by outMu
	pending chan struct{}    // output notification, one slot

	readMu sync.Mutex
	line   []byte // line scratch, guarded by readMu
	skip   byte   // companion terminator still expected, guarded by readMu

	enabled atomic.Bool
}

// New creates a console with empty queues.
func New(cfg Config) (*Console, error) {
	if cfg.InboundCapacity == 0 {
		cfg.InboundCapacity = DefaultInboundCapacity
	}
	if cfg.OutboundCapacity == 0 {
		cfg.OutboundCapacity = DefaultOutboundCapacity
	}
	if cfg.InboundCapacity < PacketSize || cfg.OutboundCapacity < PacketSize {
		return nil, errSmallCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127), // Make temporary logger that does no logging.
		}))
	}
	return &Console{
		logger:  logger,
		in:      NewQueue(cfg.InboundCapacity),
		out:     NewQueue(cfg.OutboundCapacity),
		pending: make(chan struct{}, 1),
		line:    make([]byte, cfg.InboundCapacity),
	}, nil
}

// SetLogger replaces the logger used for connection events.
func (c *Console) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Enabled returns true while a host is connected. Callers spin on it
// before doing console I/O.
func (c *Console) Enabled() bool {
	return c.enabled.Load()
}

// Buffered returns the number of received bytes not yet read.
func (c *Console) Buffered() int {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	return c.in.Len()
}

//----------------------------------------------------------------------
// print primitive
//----------------------------------------------------------------------

// Write appends p to the outbound queue. Concurrent writes never
// interleave. It panics with ErrOutboundOverflow if p does not fit.
func (c *Console) Write(p []byte) (int, error) {
	c.outMu.Lock()
	ok := c.out.Push(p)
	c.outMu.Unlock()
	if !ok {
		panic(ErrOutboundOverflow)
	}
	c.notify()
	return len(p), nil
}

// WriteString appends s to the outbound queue.
func (c *Console) WriteString(s string) (int, error) {
	return c.Write([]byte(s))
}

// Print formats using the default formats and queues the result.
func (c *Console) Print(a ...any) {
	fmt.Fprint(c, a...)
}

// Printf formats according to a format specifier and queues the result.
func (c *Console) Printf(format string, a ...any) {
	fmt.Fprintf(c, format, a...)
}

// Println formats its operands, appends a newline and queues the result.
func (c *Console) Println(a ...any) {
	fmt.Fprintln(c, a...)
}

func (c *Console) notify() {
	select {
	case c.pending <- struct{}{}:
	default:
	}
}

//----------------------------------------------------------------------
// pump
//----------------------------------------------------------------------

// packet read from the endpoint
type packet struct {
	n    int
	err  error
	data [PacketSize]byte
}

// Serve runs the pump for every host connection until ctx is done.
// Queue contents survive reconnects.
func (c *Console) Serve(ctx context.Context, ep Endpoint) error {
	const backoff = 10 * time.Millisecond
	for {
		if err := ep.WaitConnect(ctx); err != nil {
			return err
		}
		c.enabled.Store(true)
		c.logger.Info("serial connected")
		err := c.Pump(ctx, ep)
		c.enabled.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("serial disconnected", slog.String("err", err.Error()))
		if err = sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

// Pump moves data between the endpoint and the queues until the host
// disconnects or ctx is done. Received packets are echoed back and
// appended to the inbound queue; pending output is drained in packets
// of at most PacketSize bytes. Overflow of either queue panics.
func (c *Console) Pump(ctx context.Context, ep Endpoint) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rx := make(chan packet)
	go readPackets(ctx, ep, rx)

	// output queued while nobody was listening
	c.notify()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case pkt := <-rx:
			if pkt.err != nil {
				return endpointErr(pkt.err)
			}
			data := pkt.data[:pkt.n]
			if len(data) == 0 {
				continue
			}
			// local echo
			if err := writeAll(ctx, ep, data); err != nil {
				return endpointErr(err)
			}
			c.inMu.Lock()
			ok := c.in.Push(data)
			c.inMu.Unlock()
			if !ok {
				panic(ErrInboundOverflow)
			}

		case <-c.pending:
			if err := c.flush(ctx, ep); err != nil {
				return endpointErr(err)
			}
		}
	}
}

// flush drains the outbound queue. Bytes leave the queue only after
// they were written, so a failed drain keeps the remainder.
func (c *Console) flush(ctx context.Context, ep Endpoint) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	for c.out.Len() > 0 {
		n := c.out.Peek(c.packet[:])
		m, err := ep.WritePacket(ctx, c.packet[:n])
		c.out.Discard(m)
		if err != nil {
			return err
		} else if m == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

// readPackets forwards packets from the endpoint until an error occurs
// or ctx is done.
func readPackets(ctx context.Context, ep Endpoint, rx chan<- packet) {
	for {
		var pkt packet
		pkt.n, pkt.err = ep.ReadPacket(ctx, pkt.data[:])
		select {
		case rx <- pkt:
		case <-ctx.Done():
			return
		}
		if pkt.err != nil {
			return
		}
	}
}

func writeAll(ctx context.Context, ep Endpoint, data []byte) error {
	for len(data) > 0 {
		n, err := ep.WritePacket(ctx, data[:min(len(data), PacketSize)])
		if err != nil {
			return err
		} else if n == 0 {
			return io.ErrShortWrite
		}
		data = data[n:]
	}
	return nil
}

// endpointErr aborts on overflow and passes everything else on.
func endpointErr(err error) error {
	if errors.Is(err, ErrEndpointOverflow) {
		panic(err)
	}
	return err
}

// sleep for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
