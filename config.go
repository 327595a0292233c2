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
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/bfix/serialnet/console"
	"github.com/bfix/serialnet/link"
)

// USBIdentity of the serial console device.
type USBIdentity struct {
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	Serial       string
}

// Config of the firmware.
type Config struct {
	Hostname string // DHCP hostname

	// preset network; the operator is asked if SSID is empty
	SSID       string
	Passphrase string
	Static     *link.StaticConfigV4

	TargetURL      string        // resource requested after connecting
	ConnectTimeout time.Duration // per wait phase of a connection attempt

	InboundCapacity  int
	OutboundCapacity int

	LogLevel slog.Level
	USB      USBIdentity
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Hostname:         "serialnet",
		TargetURL:        "https://worldtimeapi.org/api/timezone/Etc/UTC",
		ConnectTimeout:   30 * time.Second,
		InboundCapacity:  console.DefaultInboundCapacity,
		OutboundCapacity: console.DefaultOutboundCapacity,
		LogLevel:         slog.LevelInfo,
		USB: USBIdentity{
			VendorID:     0xc0de,
			ProductID:    0xcafe,
			Manufacturer: "serialnet",
			Product:      "USB-serial console",
			Serial:       "12345678",
		},
	}
}

// Overrides are string settings injected at build time, e.g.
// `-ldflags "-X main.SSID=home"`. Empty fields keep the default.
type Overrides struct {
	SSID     string
	Passwd   string
	Host     string
	IP       string // static address with prefix, e.g. 192.168.1.2/24
	Gateway  string
	DNS      string // comma separated
	Target   string
	Timeout  string // time.Duration syntax
	LogLevel string // debug, info, warn or error
}

// Error messages
var (
	ErrCfgIP       = errors.New("config: invalid static address")
	ErrCfgGateway  = errors.New("config: invalid gateway")
	ErrCfgDNS      = errors.New("config: invalid DNS server")
	ErrCfgTimeout  = errors.New("config: invalid timeout")
	ErrCfgLogLevel = errors.New("config: invalid log level")
	ErrCfgNoSSID   = errors.New("config: network settings without SSID")
)

// Parse applies overrides to the configuration.
func (c *Config) Parse(o Overrides) (err error) {
	if o.Host != "" {
		c.Hostname = o.Host
	}
	if o.Target != "" {
		c.TargetURL = o.Target
	}
	if o.Timeout != "" {
		var d time.Duration
		if d, err = time.ParseDuration(o.Timeout); err != nil || d <= 0 {
			return ErrCfgTimeout
		}
		c.ConnectTimeout = d
	}
	if o.LogLevel != "" {
		if err = c.LogLevel.UnmarshalText([]byte(o.LogLevel)); err != nil {
			return ErrCfgLogLevel
		}
	}

	// preset network
	if o.SSID == "" {
		if o.Passwd != "" || o.IP != "" {
			return ErrCfgNoSSID
		}
		return nil
	}
	c.SSID, c.Passphrase = o.SSID, o.Passwd
	if o.IP == "" {
		return nil
	}
	static := new(link.StaticConfigV4)
	if static.Address, err = netip.ParsePrefix(o.IP); err != nil {
		return ErrCfgIP
	}
	if o.Gateway != "" {
		if static.Gateway, err = netip.ParseAddr(o.Gateway); err != nil {
			return ErrCfgGateway
		}
	}
	if o.DNS != "" {
		for _, s := range strings.Split(o.DNS, ",") {
			addr, err := netip.ParseAddr(strings.TrimSpace(s))
			if err != nil {
				return ErrCfgDNS
			}
			static.DNSServers = append(static.DNSServers, addr)
		}
	}
	if err = static.Validate(); err != nil {
		return err
	}
	c.Static = static
	return nil
}
