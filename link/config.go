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

package link

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"
)

// MaxDNSServers is the number of DNS servers a static configuration holds.
const MaxDNSServers = 3

// Default poll intervals of the connection sequence.
const (
	DefaultDHCPPollInterval = 100 * time.Millisecond
	DefaultLinkPollInterval = 500 * time.Millisecond
	DefaultDNSCacheSize     = 8
)

// Error messages
var (
	ErrBadAddress    = errors.New("link: address must be an IPv4 prefix")
	ErrBadGateway    = errors.New("link: gateway must be an IPv4 address")
	ErrBadDNS        = errors.New("link: DNS server must be an IPv4 address")
	ErrTooManyDNS    = errors.New("link: too many DNS servers")
	ErrTokenConsumed = errors.New("link: connection token already consumed")
)

// StaticConfigV4 is an IPv4 interface configuration. It is either set
// by the operator or snapshotted from a DHCP lease.
type StaticConfigV4 struct {
	Address    netip.Prefix // address with prefix length
	Gateway    netip.Addr   // zero if there is none
	DNSServers []netip.Addr // at most MaxDNSServers
}

// Validate checks the configuration for consistency.
func (c StaticConfigV4) Validate() error {
	if !c.Address.IsValid() || !c.Address.Addr().Is4() {
		return ErrBadAddress
	}
	if c.Gateway.IsValid() && !c.Gateway.Is4() {
		return ErrBadGateway
	}
	if len(c.DNSServers) > MaxDNSServers {
		return ErrTooManyDNS
	}
	for _, s := range c.DNSServers {
		if !s.Is4() {
			return ErrBadDNS
		}
	}
	return nil
}

// Print writes the configuration between a header and a footer line.
func (c StaticConfigV4) Print(w io.Writer) {
	fmt.Fprintln(w, "~~~Config~~~")
	fmt.Fprintf(w, "Address: %s\n", c.Address)
	if c.Gateway.IsValid() {
		fmt.Fprintf(w, "Gateway: %s\n", c.Gateway)
	} else {
		fmt.Fprintln(w, "Gateway: N/A")
	}
	for i := 0; i < MaxDNSServers; i++ {
		if i < len(c.DNSServers) {
			fmt.Fprintf(w, "DNS %d: %s\n", i+1, c.DNSServers[i])
		} else {
			fmt.Fprintf(w, "DNS %d: N/A\n", i+1)
		}
	}
	fmt.Fprintln(w, "~~~~~~~~~~~~")
}

// Options for a connection token.
type Options struct {
	Logger *slog.Logger
	Output io.Writer // progress lines, discarded if nil

	DHCPPollInterval time.Duration
	LinkPollInterval time.Duration
	DNSCacheSize     int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127), // Make temporary logger that does no logging.
		}))
	}
	if o.Output == nil {
		o.Output = io.Discard
	}
	if o.DHCPPollInterval <= 0 {
		o.DHCPPollInterval = DefaultDHCPPollInterval
	}
	if o.LinkPollInterval <= 0 {
		o.LinkPollInterval = DefaultLinkPollInterval
	}
	if o.DNSCacheSize <= 0 {
		o.DNSCacheSize = DefaultDNSCacheSize
	}
	return o
}
