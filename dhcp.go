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
	"time"
)

// leaseClient is a DHCP client as driven by a connection attempt.
type leaseClient interface {
	// begin sends a discover with the given transaction id. It fails if
	// an exchange is already running.
	begin(xid uint32) error
	// abort drops a running exchange.
	abort()
	// bound reports whether a lease was acknowledged.
	bound() bool
}

// dhcpSession tracks the DHCP exchange of one connection attempt. A new
// attempt must reset the session so the client accepts a new request.
type dhcpSession struct {
	client  leaseClient
	started bool
	done    bool
}

// reset aborts a running exchange and forgets the lease.
func (d *dhcpSession) reset() {
	if d.started {
		d.client.abort()
	}
	d.started, d.done = false, false
}

// poll starts the exchange if needed and reports whether the lease has
// just been bound. Later calls return false.
func (d *dhcpSession) poll(now time.Time) (bool, error) {
	if !d.started {
		if err := d.client.begin(dhcpXid(now)); err != nil {
			return false, err
		}
		d.started = true
	}
	if d.done || !d.client.bound() {
		return false, nil
	}
	d.done = true
	return true, nil
}

// bound reports whether the session holds a lease.
func (d *dhcpSession) bound() bool {
	return d.done
}

// dhcpXid derives a transaction id. Zero is not a valid id.
func dhcpXid(now time.Time) uint32 {
	if xid := uint32(now.Nanosecond()); xid != 0 {
		return xid
	}
	return 1
}
