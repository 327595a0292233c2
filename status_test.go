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
	"sync"
	"testing"
	"time"

	"github.com/bfix/serialnet/console"
	"github.com/bfix/serialnet/link"
)

// ledDevice counts LED switch-ons.
type ledDevice struct {
	Device
	mu  sync.Mutex
	ons int
}

func (d *ledDevice) LED(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.ons++
	}
}

func (d *ledDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ons
}

var fastTiming = blinkTiming{
	pause:    time.Millisecond,
	long:     time.Millisecond,
	longOff:  time.Millisecond,
	short:    time.Millisecond,
	shortOff: time.Millisecond,
}

func TestStatusOf(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code int
	}{
		{nil, StatOK},
		{&link.ConnectError{Reason: link.ReasonSSIDNotFound}, StatSSID},
		{&link.ConnectError{Reason: link.ReasonDHCPTimeout}, StatDHCP},
		{&link.ConnectError{Reason: link.ReasonTimeout}, StatLINK},
		{&link.ConnectError{Reason: link.ReasonUnknown, Status: 9}, StatJOIN},
		{&link.NetworkError{Msg: "dial"}, StatNET},
		{&link.StatusError{Code: 404}, StatHTTP},
		{&link.DecodeError{}, StatBODY},
		{&link.ParseError{Err: errors.New("eof")}, StatBODY},
		{fmt.Errorf("request: %w", link.ErrBodyTooLarge), StatBODY},
		{console.ErrOutboundOverflow, StatUSB},
		{errors.New("other"), StatUNK},
	} {
		if code := StatusOf(tc.err); code != tc.code {
			t.Errorf("%v: got %d, want %d", tc.err, code, tc.code)
		}
	}
}

func TestStatusBlinks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dev := new(ledDevice)
	state := newStatus(ctx, dev, nil, fastTiming)

	// 7 = one long and two short blinks, shown once
	state.Set(StatSSID, 1)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if s, _ := state.Get(); s == StatOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("status not reset")
		}
		time.Sleep(time.Millisecond)
	}
	if n := dev.count(); n != 3 {
		t.Fatalf("%d blinks", n)
	}

	// nothing is blinked in state OK
	time.Sleep(20 * time.Millisecond)
	if n := dev.count(); n != 3 {
		t.Fatalf("%d blinks", n)
	}
}

func TestTrap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	state := NewStatus(ctx, new(ledDevice), nil)

	func() {
		defer state.Trap(0)
		panic("boom")
	}()
	if s, _ := state.Get(); s != StatEXCP {
		t.Fatalf("state %d", s)
	}

	state.Set(StatOK, 0)
	func() {
		defer state.Trap(0)
		panic(console.ErrInboundOverflow)
	}()
	if s, _ := state.Get(); s != StatUSB {
		t.Fatalf("state %d", s)
	}

	state.Set(StatOK, 0)
	func() {
		defer state.Trap(0)
	}()
	if s, _ := state.Get(); s != StatUNK {
		t.Fatalf("state %d", s)
	}

	// a failure state is kept
	state.Set(StatDHCP, 0)
	func() {
		defer state.Trap(0)
		panic("late")
	}()
	if s, _ := state.Get(); s != StatDHCP {
		t.Fatalf("state %d", s)
	}
}
