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

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/bfix/serialnet"
	"github.com/bfix/serialnet/console"
	"github.com/bfix/serialnet/link"
	"github.com/bfix/serialnet/wizard"
)

// Build-time settings (-ldflags "-X main.SSID=...")
var (
	SSID     string
	Passwd   string
	Host     string
	IP       string
	Gateway  string
	DNS      string
	Target   string
	Timeout  string
	LogLevel string
)

// response of the time service
type timeResponse struct {
	Datetime string `json:"datetime"`
}

// connect to WiFi and query the time service
func main() {
	ctx := context.Background()
	cfg := serialnet.DefaultConfig()
	cfgErr := cfg.Parse(serialnet.Overrides{
		SSID:     SSID,
		Passwd:   Passwd,
		Host:     Host,
		IP:       IP,
		Gateway:  Gateway,
		DNS:      DNS,
		Target:   Target,
		Timeout:  Timeout,
		LogLevel: LogLevel,
	})
	serialnet.SetUSBIdentity(cfg.USB)

	// access device
	dev, stat := serialnet.InitDevice(cfg, nil)
	state := serialnet.NewStatus(ctx, dev, nil)
	defer state.Trap(30 * time.Second)
	if stat != serialnet.StatOK {
		state.Set(stat, 0)
		return
	}

	// serial console
	con, err := console.New(console.Config{
		InboundCapacity:  cfg.InboundCapacity,
		OutboundCapacity: cfg.OutboundCapacity,
	})
	if err != nil {
		state.Set(serialnet.StatUSB, 0)
		return
	}
	go func() {
		defer state.Trap(0)
		con.Serve(ctx, dev.Console())
	}()
	for !con.Enabled() {
		time.Sleep(10 * time.Millisecond)
	}
	logger := slog.New(slog.NewTextHandler(con, &slog.HandlerOptions{Level: cfg.LogLevel}))
	con.SetLogger(logger)
	state.SetLogger(logger)
	if cfgErr != nil {
		con.Println(cfgErr)
		state.Set(serialnet.StatCFG, 3)
	}

	// join network; ask the operator unless preset
	var preset *wizard.NetworkConfig
	if cfg.SSID != "" {
		preset = &wizard.NetworkConfig{SSID: cfg.SSID, Passphrase: cfg.Passphrase, Static: cfg.Static}
	}
	token := link.New(dev.Radio(), dev.Stack(), link.Options{Logger: logger, Output: con})
	conn, err := join(ctx, con, preset, func(nc *wizard.NetworkConfig) (*link.Connected, error) {
		conn, next, err := token.Connect(ctx, nc.SSID, nc.Passphrase, cfg.ConnectTimeout, nc.Static)
		if err != nil {
			con.Println(err)
			state.Set(serialnet.StatusOf(err), 3)
			token = next
		}
		return conn, err
	})
	if err != nil {
		// the wizard only fails if the console is gone
		logger.Error("wizard", slog.String("err", err.Error()))
		state.Set(serialnet.StatUSB, 0)
		return
	}
	state.Set(serialnet.StatOK, 0)
	conn.PrintConfig(con)

	// query time service on every input line
	var buf link.Buffer
	for {
		var res timeResponse
		if _, err = conn.RequestJSON(ctx, cfg.TargetURL, link.MethodGet, nil, nil, &buf, &res); err != nil {
			con.Println(err)
			state.Set(serialnet.StatusOf(err), 3)
		} else {
			con.Printf("Time: %s\n", res.Datetime)
		}
		con.Print("Press enter to query again: ")
		if _, err = con.Line(ctx); err != nil {
			logger.Warn("console", slog.String("err", err.Error()))
		}
	}
}

// join connects to the preset network, then to networks entered by the
// operator, until a connection is up. It fails if the operator can not
// be asked.
func join(ctx context.Context, p wizard.Prompter, preset *wizard.NetworkConfig,
	connect func(*wizard.NetworkConfig) (*link.Connected, error)) (*link.Connected, error) {
	for {
		nc := preset
		preset = nil
		if nc == nil {
			var err error
			if nc, err = wizard.Generate(ctx, p); err != nil {
				return nil, err
			}
		}
		if conn, err := connect(nc); err == nil {
			return conn, nil
		}
	}
}
