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
	"errors"
	"testing"
	"time"
)

// fakeLease refuses a new request while one is running, like the
// DHCP client of the network stack.
type fakeLease struct {
	running bool
	acked   bool
	begins  int
	aborts  int
	xids    []uint32
}

var errAlreadyStarted = errors.New("already started, call Abort() first")

func (f *fakeLease) begin(xid uint32) error {
	if f.running {
		return errAlreadyStarted
	}
	f.running = true
	f.begins++
	f.xids = append(f.xids, xid)
	return nil
}

func (f *fakeLease) abort() {
	f.running, f.acked = false, false
	f.aborts++
}

func (f *fakeLease) bound() bool {
	return f.acked
}

func TestDHCPSessionRetry(t *testing.T) {
	lease := new(fakeLease)
	sess := &dhcpSession{client: lease}
	now := time.Unix(0, 12345)

	// first attempt never gets an answer
	for i := 0; i < 3; i++ {
		if up, err := sess.poll(now); err != nil || up {
			t.Fatalf("attempt 1: up=%v err=%v", up, err)
		}
	}
	if lease.begins != 1 {
		t.Fatalf("%d requests in first attempt", lease.begins)
	}

	// retry
	sess.reset()
	if lease.aborts != 1 {
		t.Fatalf("%d aborts", lease.aborts)
	}
	if up, err := sess.poll(now); err != nil || up {
		t.Fatalf("attempt 2: up=%v err=%v", up, err)
	}
	lease.acked = true
	if up, err := sess.poll(now); err != nil || !up {
		t.Fatalf("attempt 2 not bound: up=%v err=%v", up, err)
	}
	if up, _ := sess.poll(now); up {
		t.Fatal("lease reported twice")
	}
	if !sess.bound() || lease.begins != 2 {
		t.Fatalf("bound=%v requests=%d", sess.bound(), lease.begins)
	}
}

func TestDHCPSessionResetIdle(t *testing.T) {
	lease := new(fakeLease)
	sess := &dhcpSession{client: lease}
	sess.reset()
	if lease.aborts != 0 {
		t.Fatal("aborted an exchange that never started")
	}
}

func TestDHCPSessionBeginError(t *testing.T) {
	lease := &fakeLease{running: true}
	sess := &dhcpSession{client: lease}
	if _, err := sess.poll(time.Now()); !errors.Is(err, errAlreadyStarted) {
		t.Fatalf("got %v", err)
	}
	// the failed start is retried on the next poll
	lease.running = false
	if _, err := sess.poll(time.Now()); err != nil {
		t.Fatal(err)
	}
	if lease.begins != 1 {
		t.Fatalf("%d requests", lease.begins)
	}
}

func TestDHCPXid(t *testing.T) {
	if xid := dhcpXid(time.Unix(7, 0)); xid != 1 {
		t.Fatalf("xid %d for zero nanoseconds", xid)
	}
	if xid := dhcpXid(time.Unix(7, 42)); xid != 42 {
		t.Fatalf("xid %d", xid)
	}
}
