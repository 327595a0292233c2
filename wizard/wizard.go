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

// Package wizard asks the operator for the network to join.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/bfix/serialnet/console"
	"github.com/bfix/serialnet/link"
)

// Limits of the network credentials
const (
	MaxSSIDLen       = 32
	MinPassphraseLen = 8
	MaxPassphraseLen = 64
)

// Prompter is the operator terminal: prompts are written to it and
// answers are read line by line. A *console.Console is a Prompter.
type Prompter interface {
	io.Writer
	Line(ctx context.Context) (string, error)
}

// NetworkConfig is the result of the wizard.
type NetworkConfig struct {
	SSID       string
	Passphrase string               // empty for an open network
	Static     *link.StaticConfigV4 // nil for DHCP
}

// Generate runs the dialog until all answers are valid. It only fails
// if reading from the prompter fails.
func Generate(ctx context.Context, p Prompter) (*NetworkConfig, error) {
	cfg := new(NetworkConfig)
	var err error

	// SSID
	for {
		if cfg.SSID, err = ask(ctx, p, "Enter SSID: "); err != nil {
			return nil, err
		}
		if err = CheckSSID(cfg.SSID); err == nil {
			break
		}
		fmt.Fprintln(p, err)
	}

	// passphrase
	for {
		if cfg.Passphrase, err = ask(ctx, p, "Enter Password (leave blank for open network): "); err != nil {
			return nil, err
		}
		if err = CheckPassphrase(cfg.Passphrase); err == nil {
			break
		}
		fmt.Fprintln(p, err)
	}

	// address configuration
	for {
		choice, err := ask(ctx, p, "Use DHCP? [Y/n] ")
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(choice) {
		case "", "y", "yes":
			return cfg, nil
		case "n", "no":
			if cfg.Static, err = staticConfig(ctx, p); err != nil {
				return nil, err
			}
			return cfg, nil
		}
	}
}

// Error messages
var (
	ErrBlankSSID     = errors.New("SSID can not be blank")
	ErrLongSSID      = fmt.Errorf("SSID must be at most %d bytes", MaxSSIDLen)
	ErrShortPassword = fmt.Errorf("Password must have at least %d characters", MinPassphraseLen)
	ErrLongPassword  = fmt.Errorf("Password must have at most %d characters", MaxPassphraseLen)
	ErrBadIPv4       = errors.New("Incorrect IPv4 address inputted")
	errInvalidInput  = errors.New("Input is not valid text")
)

// CheckSSID validates a network name.
func CheckSSID(ssid string) error {
	switch {
	case len(ssid) == 0:
		return ErrBlankSSID
	case len(ssid) > MaxSSIDLen:
		return ErrLongSSID
	}
	return nil
}

// CheckPassphrase validates a WPA2 passphrase. An empty passphrase
// selects an open network.
func CheckPassphrase(pass string) error {
	switch n := len(pass); {
	case n == 0:
		return nil
	case n < MinPassphraseLen:
		return ErrShortPassword
	case n > MaxPassphraseLen:
		return ErrLongPassword
	}
	return nil
}

// staticConfig asks for address, gateway and DNS servers.
func staticConfig(ctx context.Context, p Prompter) (*link.StaticConfigV4, error) {
	cfg := new(link.StaticConfigV4)
	for {
		in, err := ask(ctx, p, "Enter device address with subnet [eg: `192.168.1.2/24`]: ")
		if err != nil {
			return nil, err
		}
		if cfg.Address, err = ParsePrefix(in); err == nil {
			break
		}
		fmt.Fprintln(p, err)
	}
	for {
		in, err := ask(ctx, p, "Enter Gateway [eg: `192.168.1.1`] (leave blank for none): ")
		if err != nil {
			return nil, err
		}
		if in == "" {
			break
		}
		if cfg.Gateway, err = ParseAddr(in); err == nil {
			break
		}
		fmt.Fprintln(p, err)
	}
	for len(cfg.DNSServers) < link.MaxDNSServers {
		prompt := fmt.Sprintf("Enter DNS server %d. [eg: `1.1.1.1`] (leave blank for none): ", len(cfg.DNSServers)+1)
		in, err := ask(ctx, p, prompt)
		if err != nil {
			return nil, err
		}
		if in == "" {
			break
		}
		addr, err := ParseAddr(in)
		if err != nil {
			fmt.Fprintln(p, err)
			continue
		}
		cfg.DNSServers = append(cfg.DNSServers, addr)
	}
	return cfg, nil
}

// ParsePrefix parses an IPv4 address with prefix length.
func ParsePrefix(s string) (netip.Prefix, error) {
	pfx, err := netip.ParsePrefix(s)
	if err != nil || !pfx.Addr().Is4() {
		return netip.Prefix{}, ErrBadIPv4
	}
	return pfx, nil
}

// ParseAddr parses an IPv4 address.
func ParseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, ErrBadIPv4
	}
	return addr, nil
}

// ask prints a prompt and returns the trimmed answer. Lines that are
// not valid text are asked for again.
func ask(ctx context.Context, p Prompter, prompt string) (string, error) {
	for {
		io.WriteString(p, prompt)
		line, err := p.Line(ctx)
		if errors.Is(err, console.ErrInvalidText) {
			fmt.Fprintln(p, errInvalidInput)
			continue
		} else if err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
}
