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
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRadio struct {
	mu       sync.Mutex
	joinErrs []error // result of successive joins, nil afterwards
	open     int
	wpa2     int
	pass     string
	led      bool
}

func (r *fakeRadio) join() error {
	if len(r.joinErrs) == 0 {
		return nil
	}
	err := r.joinErrs[0]
	r.joinErrs = r.joinErrs[1:]
	return err
}

func (r *fakeRadio) JoinOpen(ssid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open++
	return r.join()
}

func (r *fakeRadio) JoinWPA2(ssid, passphrase string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wpa2++
	r.pass = passphrase
	return r.join()
}

func (r *fakeRadio) GPIOSet(pin uint8, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pin == ledPin {
		r.led = on
	}
	return nil
}

type fakeStack struct {
	mu       sync.Mutex
	static   *StaticConfigV4
	dhcp     bool
	configUp bool
	linkUp   bool
	lease    StaticConfigV4
	hosts    map[string][]netip.Addr
	lookups  int
}

func newFakeStack() *fakeStack {
	return &fakeStack{
		configUp: true,
		linkUp:   true,
		lease: StaticConfigV4{
			Address:    netip.MustParsePrefix("192.168.1.23/24"),
			Gateway:    netip.MustParseAddr("192.168.1.1"),
			DNSServers: []netip.Addr{netip.MustParseAddr("192.168.1.1")},
		},
		hosts: make(map[string][]netip.Addr),
	}
}

func (s *fakeStack) SetConfigV4(cfg StaticConfigV4) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.static, s.dhcp = &cfg, false
	return nil
}

func (s *fakeStack) StartDHCP() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.static, s.dhcp = nil, true
	return nil
}

func (s *fakeStack) IsConfigUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configUp
}

func (s *fakeStack) IsLinkUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkUp
}

func (s *fakeStack) WaitConfigUp(ctx context.Context) error {
	return ctx.Err()
}

func (s *fakeStack) ConfigV4() (StaticConfigV4, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.static != nil {
		return *s.static, true
	}
	return s.lease, s.dhcp && s.configUp
}

func (s *fakeStack) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if addrs, ok := s.hosts[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func (s *fakeStack) DialTCP(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr.String())
}

func (s *fakeStack) Seed() uint64 {
	return 42
}

func TestConnectDHCP(t *testing.T) {
	radio, stack := new(fakeRadio), newFakeStack()
	out := new(bytes.Buffer)
	d := New(radio, stack, Options{Output: out})
	conn, d2, err := d.Connect(context.Background(), "home", "secret123", time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d2 != nil {
		t.Fatal("token returned on success")
	}
	if !stack.dhcp {
		t.Fatal("DHCP not started")
	}
	if radio.wpa2 != 1 || radio.pass != "secret123" {
		t.Fatalf("wpa2 joins=%d pass=%q", radio.wpa2, radio.pass)
	}
	if !radio.led {
		t.Fatal("LED not switched on")
	}
	if got := conn.Config().Address; got != stack.lease.Address {
		t.Fatalf("address %s, want %s", got, stack.lease.Address)
	}
	for _, line := range []string{"waiting for DHCP...", "DHCP is now up!", "Link is up!", "Stack is up!"} {
		if !strings.Contains(out.String(), line) {
			t.Errorf("missing progress line %q", line)
		}
	}
}

func TestConnectStaticConfig(t *testing.T) {
	radio, stack := new(fakeRadio), newFakeStack()
	stack.configUp = false // DHCP must not be waited for
	out := new(bytes.Buffer)
	static := &StaticConfigV4{
		Address:    netip.MustParsePrefix("10.0.0.5/8"),
		DNSServers: []netip.Addr{netip.MustParseAddr("1.1.1.1")},
	}
	conn, _, err := New(radio, stack, Options{Output: out}).
		Connect(context.Background(), "home", "", time.Second, static)
	if err != nil {
		t.Fatal(err)
	}
	if stack.dhcp || stack.static == nil {
		t.Fatal("static configuration not applied")
	}
	if radio.open != 1 || radio.wpa2 != 0 {
		t.Fatalf("open joins=%d wpa2 joins=%d", radio.open, radio.wpa2)
	}
	if strings.Contains(out.String(), "DHCP") {
		t.Fatal("waited for DHCP with static configuration")
	}
	cfg := new(bytes.Buffer)
	conn.PrintConfig(cfg)
	want := "~~~Config~~~\n" +
		"Address: 10.0.0.5/8\n" +
		"Gateway: N/A\n" +
		"DNS 1: 1.1.1.1\n" +
		"DNS 2: N/A\n" +
		"DNS 3: N/A\n" +
		"~~~~~~~~~~~~\n"
	if cfg.String() != want {
		t.Fatalf("config:\n%s\nwant:\n%s", cfg.String(), want)
	}
}

func TestConnectRejectsBadStatic(t *testing.T) {
	stack := newFakeStack()
	static := &StaticConfigV4{
		Address: netip.MustParsePrefix("10.0.0.5/8"),
		DNSServers: []netip.Addr{
			netip.MustParseAddr("1.1.1.1"),
			netip.MustParseAddr("1.0.0.1"),
			netip.MustParseAddr("8.8.8.8"),
			netip.MustParseAddr("8.8.4.4"),
		},
	}
	d := New(new(fakeRadio), stack, Options{})
	_, d2, err := d.Connect(context.Background(), "home", "", time.Second, static)
	if !errors.Is(err, ErrTooManyDNS) || d2 != d {
		t.Fatalf("got %v", err)
	}
}

func TestConnectJoinStatus(t *testing.T) {
	for _, tc := range []struct {
		name   string
		err    error
		target error
		msg    string
	}{
		{"timeout", &JoinError{Status: 2}, ErrTimeout, "A timeout occurred"},
		{"no-networks", &JoinError{Status: 3}, ErrSSIDNotFound, "SSID not found"},
		{"other", &JoinError{Status: 7}, ErrUnknown, "An unknown error occurred with code `7`"},
		{"plain", errors.New("bus fault"), ErrUnknown, "An unknown error occurred with code `0`"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			radio := &fakeRadio{joinErrs: []error{tc.err}}
			d := New(radio, newFakeStack(), Options{})
			conn, d2, err := d.Connect(context.Background(), "home", "secret123", time.Second, nil)
			if conn != nil || d2 != d {
				t.Fatal("token not returned on failure")
			}
			if !errors.Is(err, tc.target) {
				t.Fatalf("error %v does not match %v", err, tc.target)
			}
			if err.Error() != tc.msg {
				t.Fatalf("message %q, want %q", err.Error(), tc.msg)
			}
			var cerr *ConnectError
			if !errors.As(err, &cerr) {
				t.Fatalf("not a ConnectError: %T", err)
			}

			// the returned token can be used again
			if _, _, err = d2.Connect(context.Background(), "home", "secret123", time.Second, nil); err != nil {
				t.Fatalf("retry: %v", err)
			}
			if radio.wpa2 != 2 {
				t.Fatalf("joins=%d", radio.wpa2)
			}
		})
	}
}

func TestConnectDHCPTimeout(t *testing.T) {
	stack := newFakeStack()
	stack.configUp = false
	const (
		timeout  = 50 * time.Millisecond
		interval = 10 * time.Millisecond
	)
	d := New(new(fakeRadio), stack, Options{DHCPPollInterval: interval})
	start := time.Now()
	_, d2, err := d.Connect(context.Background(), "home", "secret123", timeout, nil)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrDHCPTimeout) {
		t.Fatalf("got %v", err)
	}
	if d2 != d {
		t.Fatal("token not returned")
	}
	if elapsed < timeout {
		t.Fatalf("gave up after %s", elapsed)
	}
	// timeout plus one interval, with scheduling slack
	if elapsed > timeout+interval+200*time.Millisecond {
		t.Fatalf("timeout not honored: %s", elapsed)
	}
}

func TestConnectLinkTimeout(t *testing.T) {
	stack := newFakeStack()
	stack.linkUp = false
	radio := new(fakeRadio)
	d := New(radio, stack, Options{LinkPollInterval: 5 * time.Millisecond})
	_, _, err := d.Connect(context.Background(), "home", "secret123", 20*time.Millisecond, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v", err)
	}
	if radio.led {
		t.Fatal("LED on without connection")
	}
}

func TestConnectCancel(t *testing.T) {
	stack := newFakeStack()
	stack.configUp = false
	d := New(new(fakeRadio), stack, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, d2, err := d.Connect(ctx, "home", "secret123", time.Hour, nil)
	if !errors.Is(err, context.DeadlineExceeded) || d2 != d {
		t.Fatalf("got %v", err)
	}
}

func TestConnectConsumesToken(t *testing.T) {
	d := New(new(fakeRadio), newFakeStack(), Options{})
	if _, _, err := d.Connect(context.Background(), "home", "", time.Second, nil); err != nil {
		t.Fatal(err)
	}
	_, _, err := d.Connect(context.Background(), "home", "", time.Second, nil)
	if !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("got %v", err)
	}
}

func TestStaticConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		cfg StaticConfigV4
		err error
	}{
		{StaticConfigV4{Address: netip.MustParsePrefix("10.0.0.5/8")}, nil},
		{StaticConfigV4{}, ErrBadAddress},
		{StaticConfigV4{Address: netip.MustParsePrefix("fe80::1/64")}, ErrBadAddress},
		{StaticConfigV4{
			Address: netip.MustParsePrefix("10.0.0.5/8"),
			Gateway: netip.MustParseAddr("fe80::1"),
		}, ErrBadGateway},
		{StaticConfigV4{
			Address:    netip.MustParsePrefix("10.0.0.5/8"),
			DNSServers: []netip.Addr{netip.MustParseAddr("::1")},
		}, ErrBadDNS},
	} {
		if err := tc.cfg.Validate(); err != tc.err {
			t.Errorf("%+v: got %v, want %v", tc.cfg, err, tc.err)
		}
	}
}
