//go:build !rp2040 && !rp2350

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
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bfix/serialnet/console"
	"github.com/bfix/serialnet/link"
)

// LinuxDevice (for testing purposes): the console runs on stdio, the
// radio is simulated and the IP stack is the one of the host.
type LinuxDevice struct {
	logger *slog.Logger
	con    *stdioEndpoint
	radio  *simRadio
	stack  *hostStack
}

// InitDevice initializes the device.
func InitDevice(cfg *Config, logger *slog.Logger) (Device, int) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127), // Make temporary logger that does no logging.
		}))
	}
	return newLinuxDevice(os.Stdin, os.Stdout, logger), StatOK
}

func newLinuxDevice(r io.Reader, w io.Writer, logger *slog.Logger) *LinuxDevice {
	return &LinuxDevice{
		logger: logger,
		con:    &stdioEndpoint{r: r, w: w},
		radio:  &simRadio{logger: logger},
		stack:  new(hostStack),
	}
}

// SetUSBIdentity (not applicable)
func SetUSBIdentity(id USBIdentity) {}

// LED on or off (logged only)
func (dev *LinuxDevice) LED(on bool) {
	dev.radio.GPIOSet(0, on)
}

// Console returns the stdio endpoint.
func (dev *LinuxDevice) Console() console.Endpoint { return dev.con }

// Radio returns the simulated radio.
func (dev *LinuxDevice) Radio() link.Radio { return dev.radio }

// Stack returns the host network stack.
func (dev *LinuxDevice) Stack() link.IPStack { return dev.stack }

//----------------------------------------------------------------------
// console on stdio
//----------------------------------------------------------------------

// stdioEndpoint is connected until the reader hits EOF.
type stdioEndpoint struct {
	r    io.Reader
	w    io.Writer
	once sync.Once
	rx   chan []byte // closed on EOF
	eof  atomic.Bool
}

func (e *stdioEndpoint) start() {
	e.rx = make(chan []byte)
	go func() {
		defer close(e.rx)
		for {
			buf := make([]byte, console.PacketSize)
			n, err := e.r.Read(buf)
			if n > 0 {
				e.rx <- buf[:n]
			}
			if err != nil {
				return
			}
		}
	}()
}

func (e *stdioEndpoint) Connected() bool {
	return !e.eof.Load()
}

func (e *stdioEndpoint) WaitConnect(ctx context.Context) error {
	if e.Connected() {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (e *stdioEndpoint) ReadPacket(ctx context.Context, buf []byte) (int, error) {
	e.once.Do(e.start)
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case pkt, ok := <-e.rx:
		if !ok {
			e.eof.Store(true)
			return 0, console.ErrDisconnected
		}
		if len(pkt) > len(buf) {
			return 0, console.ErrEndpointOverflow
		}
		return copy(buf, pkt), nil
	}
}

func (e *stdioEndpoint) WritePacket(ctx context.Context, data []byte) (int, error) {
	if e.eof.Load() {
		return 0, console.ErrDisconnected
	}
	if len(data) > console.PacketSize {
		return 0, console.ErrEndpointOverflow
	}
	return e.w.Write(data)
}

//----------------------------------------------------------------------
// simulated radio
//----------------------------------------------------------------------

// simRadio joins every network except those listed in fail, which are
// refused with the given firmware status.
type simRadio struct {
	logger *slog.Logger
	mu     sync.Mutex
	fail   map[string]uint32
	led    bool
}

func (r *simRadio) JoinOpen(ssid string) error {
	return r.JoinWPA2(ssid, "")
}

func (r *simRadio) JoinWPA2(ssid, passphrase string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status, ok := r.fail[ssid]; ok {
		return &link.JoinError{Status: status}
	}
	r.logger.Info("simulated join", slog.String("ssid", ssid), slog.Int("passlen", len(passphrase)))
	return nil
}

func (r *simRadio) GPIOSet(pin uint8, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pin == 0 {
		r.led = on
	}
	r.logger.Debug("gpio", slog.Int("pin", int(pin)), slog.Bool("on", on))
	return nil
}

//----------------------------------------------------------------------
// host network stack
//----------------------------------------------------------------------

var errNoInterface = errors.New("no IPv4 interface")

// hostStack uses the networking of the operating system. Configuration
// and link are up from the start.
type hostStack struct {
	mu     sync.Mutex
	static *link.StaticConfigV4
	dialer net.Dialer
}

func (s *hostStack) SetConfigV4(cfg link.StaticConfigV4) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.static = &cfg
	return nil
}

func (s *hostStack) StartDHCP() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.static = nil
	return nil
}

func (s *hostStack) IsConfigUp() bool { return true }

func (s *hostStack) IsLinkUp() bool { return true }

func (s *hostStack) WaitConfigUp(ctx context.Context) error { return ctx.Err() }

// ConfigV4 returns the static configuration or the address of the
// first IPv4 interface that is up.
func (s *hostStack) ConfigV4() (link.StaticConfigV4, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.static != nil {
		return *s.static, true
	}
	pfx, err := interfacePrefix()
	if err != nil {
		return link.StaticConfigV4{}, false
	}
	return link.StaticConfigV4{Address: pfx}, true
}

func interfacePrefix() (netip.Prefix, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return netip.Prefix{}, err
	}
	var loopback netip.Prefix
	for _, ifc := range ifs {
		if ifc.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipn.IP)
			if !ok || !addr.Unmap().Is4() {
				continue
			}
			bits, _ := ipn.Mask.Size()
			pfx := netip.PrefixFrom(addr.Unmap(), bits)
			if ifc.Flags&net.FlagLoopback != 0 {
				loopback = pfx
				continue
			}
			return pfx, nil
		}
	}
	if loopback.IsValid() {
		return loopback, nil
	}
	return netip.Prefix{}, errNoInterface
}

func (s *hostStack) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
}

func (s *hostStack) DialTCP(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	return s.dialer.DialContext(ctx, "tcp", addr.String())
}

func (s *hostStack) Seed() uint64 {
	return uint64(time.Now().UnixNano())
}
