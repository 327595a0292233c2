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

// Package link manages the wireless connection lifecycle and the
// outbound requests made over an established connection.
//
// A *Disconnected token owns the radio. Connect consumes it on success
// and hands out a *Connected token; on failure the same *Disconnected
// token is returned for another attempt. Nothing converts a Connected
// token back.
package link

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Radio is the wireless chip.
type Radio interface {
	// JoinOpen associates with an open network.
	JoinOpen(ssid string) error
	// JoinWPA2 associates with a WPA2 protected network. A failure
	// with a firmware status is reported as *JoinError.
	JoinWPA2(ssid, passphrase string) error
	// GPIOSet drives a radio GPIO pin (pin 0 is the on-board LED).
	GPIOSet(pin uint8, on bool) error
}

// IPStack is the network stack running on top of the radio.
type IPStack interface {
	// SetConfigV4 applies a static configuration.
	SetConfigV4(cfg StaticConfigV4) error
	// StartDHCP switches to DHCP configuration.
	StartDHCP() error
	// IsConfigUp returns true once an address is configured.
	IsConfigUp() bool
	// IsLinkUp returns true while the link layer is up.
	IsLinkUp() bool
	// WaitConfigUp blocks until the configuration is complete.
	WaitConfigUp(ctx context.Context) error
	// ConfigV4 returns the active configuration.
	ConfigV4() (StaticConfigV4, bool)
	// LookupNetIP resolves a host name.
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
	// DialTCP opens a TCP connection.
	DialTCP(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
	// Seed returns random seed material of the stack.
	Seed() uint64
}

// LED pin on the radio
const ledPin = 0

// Disconnected is the connection token before association.
type Disconnected struct {
	radio    Radio
	stack    IPStack
	opts     Options
	consumed bool
}

// New returns a disconnected token for radio and stack.
func New(radio Radio, stack IPStack, opts Options) *Disconnected {
	return &Disconnected{
		radio: radio,
		stack: stack,
		opts:  opts.withDefaults(),
	}
}

// Connect joins the network ssid and brings up IPv4. An empty passphrase
// joins an open network. With static set, DHCP is skipped. Each wait
// phase (DHCP, link) gets its own timeout window.
//
// On success the token is consumed and a Connected token is returned.
// On failure the same token is returned together with a *ConnectError
// (or the context error).
func (d *Disconnected) Connect(ctx context.Context, ssid, passphrase string, timeout time.Duration, static *StaticConfigV4) (*Connected, *Disconnected, error) {
	if d.consumed {
		return nil, d, ErrTokenConsumed
	}
	log := d.opts.Logger
	out := d.opts.Output

	// network configuration
	if static != nil {
		if err := static.Validate(); err != nil {
			return nil, d, err
		}
		if err := d.stack.SetConfigV4(*static); err != nil {
			return nil, d, &ConnectError{Reason: ReasonUnknown, Err: err}
		}
	} else if err := d.stack.StartDHCP(); err != nil {
		return nil, d, &ConnectError{Reason: ReasonUnknown, Err: err}
	}

	// association
	log.Info("joining", slog.String("ssid", ssid), slog.Bool("open", passphrase == ""))
	var err error
	if passphrase == "" {
		err = d.radio.JoinOpen(ssid)
	} else {
		err = d.radio.JoinWPA2(ssid, passphrase)
	}
	if err != nil {
		cerr := classifyJoin(err)
		log.Warn("join failed", slog.String("reason", cerr.Reason.String()), slog.Int("status", int(cerr.Status)))
		return nil, d, cerr
	}

	// address configuration
	if static == nil {
		fmt.Fprintln(out, "waiting for DHCP...")
		if err = poll(ctx, d.opts.DHCPPollInterval, timeout, d.stack.IsConfigUp); err != nil {
			return nil, d, waitErr(err, ReasonDHCPTimeout)
		}
		fmt.Fprintln(out, "DHCP is now up!")
	}
	fmt.Fprintln(out, "waiting for link up...")
	if err = poll(ctx, d.opts.LinkPollInterval, timeout, d.stack.IsLinkUp); err != nil {
		return nil, d, waitErr(err, ReasonTimeout)
	}
	fmt.Fprintln(out, "Link is up!")

	fmt.Fprintln(out, "waiting for stack to be up...")
	if err = d.stack.WaitConfigUp(ctx); err != nil {
		return nil, d, err
	}
	fmt.Fprintln(out, "Stack is up!")

	if err = d.radio.GPIOSet(ledPin, true); err != nil {
		log.Warn("status LED", slog.String("err", err.Error()))
	}
	cfg, ok := d.stack.ConfigV4()
	if !ok && static != nil {
		cfg = *static
	}
	dns, err := lru.New[string, []netip.Addr](d.opts.DNSCacheSize)
	if err != nil {
		return nil, d, err
	}
	d.consumed = true
	log.Info("connected", slog.String("ssid", ssid), slog.String("addr", cfg.Address.String()))
	return &Connected{
		stack:  d.stack,
		opts:   d.opts,
		config: cfg,
		dns:    dns,
	}, nil, nil
}

// errDeadline is the internal result of an expired poll window.
type errDeadline struct{}

func (errDeadline) Error() string { return "deadline exceeded" }

func waitErr(err error, reason Reason) error {
	if _, ok := err.(errDeadline); ok {
		return &ConnectError{Reason: reason}
	}
	return err
}

// poll calls up every interval until it returns true. It fails with
// errDeadline once timeout elapsed since the start, so it returns no
// later than timeout plus one interval.
func poll(ctx context.Context, interval, timeout time.Duration, up func() bool) error {
	start := time.Now()
	for !up() {
		if err := sleep(ctx, interval); err != nil {
			return err
		}
		if time.Since(start) > timeout {
			return errDeadline{}
		}
	}
	return nil
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

// Connected is the connection token of an associated and configured
// network interface.
type Connected struct {
	stack  IPStack
	opts   Options
	config StaticConfigV4

	mu  sync.Mutex // one request in flight
	dns *lru.Cache[string, []netip.Addr]
	seq uint64 // request counter, guarded by mu
}

// Config returns the configuration snapshot taken when connecting.
func (c *Connected) Config() StaticConfigV4 {
	return c.config
}

// PrintConfig writes the configuration snapshot to w.
func (c *Connected) PrintConfig(w io.Writer) {
	c.config.Print(w)
}
