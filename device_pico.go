//go:build rp2040 || rp2350

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
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"machine"
	"machine/usb"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/bfix/serialnet/console"
	"github.com/bfix/serialnet/link"
	"github.com/soypat/cyw43439"
	"github.com/soypat/seqs"
	"github.com/soypat/seqs/eth/dhcp"
	"github.com/soypat/seqs/eth/dns"
	"github.com/soypat/seqs/stacks"
)

const (
	mtu        = cyw43439.MTU
	tcpBufSize = 1024 // MTU - ethhdr - iphdr - tcphdr, rounded
	dialWait   = 5 * time.Second
)

// Error messages
var (
	errNoDNS       = errors.New("no DNS server configured")
	errNoRoute     = errors.New("no route to host")
	errARPTimeout  = errors.New("arp timed out")
	errDialTimeout = errors.New("tcp establish timed out")
)

// PicoWDevice is a Raspberry Pico W or Pico2 W [RP2040/RP2350]
type PicoWDevice struct {
	ref   *cyw43439.Device // reference to device
	con   *usbEndpoint
	radio *picoRadio
	stack *picoStack
}

// LED on or off
func (dev *PicoWDevice) LED(on bool) {
	dev.ref.GPIOSet(0, on)
}

// Console returns the USB CDC endpoint.
func (dev *PicoWDevice) Console() console.Endpoint { return dev.con }

// Radio returns the CYW43439 radio.
func (dev *PicoWDevice) Radio() link.Radio { return dev.radio }

// Stack returns the seqs network stack.
func (dev *PicoWDevice) Stack() link.IPStack { return dev.stack }

// InitDevice initializes radio and network stack. The radio is not
// associated yet.
func InitDevice(cfg *Config, logger *slog.Logger) (Device, int) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127), // Make temporary logger that does no logging.
		}))
	}
	dev := &PicoWDevice{
		ref: cyw43439.NewPicoWDevice(),
		con: new(usbEndpoint),
	}
	wificfg := cyw43439.DefaultWifiConfig()
	wificfg.Logger = logger
	logger.Info("initializing pico W device...")
	devInitTime := time.Now()
	if err := dev.ref.Init(wificfg); err != nil {
		logger.Error("cyw43439:Init", slog.String("err", err.Error()))
		return dev, StatWIFI
	}
	logger.Info("cyw43439:Init", slog.Duration("duration", time.Since(devInitTime)))

	mac, err := dev.ref.HardwareAddr6()
	if err != nil {
		return dev, StatDEV
	}
	stack := stacks.NewPortStack(stacks.PortStackConfig{
		MAC:             mac,
		MaxOpenPortsUDP: 2, // DHCP and DNS
		MaxOpenPortsTCP: 1, // one request in flight
		MTU:             mtu,
		Logger:          logger,
	})
	dev.ref.RecvEthHandle(stack.RecvEth)

	// Begin asynchronous packet handling.
	go nicLoop(dev.ref, stack)

	dev.radio = &picoRadio{ref: dev.ref}
	dhcpClient := stacks.NewDHCPClient(stack, dhcp.DefaultClientPort)
	dev.stack = &picoStack{
		ref:    dev.ref,
		stack:  stack,
		logger: logger,
		dhcp:   dhcpClient,
		lease:  dhcpSession{client: &seqsLease{client: dhcpClient, hostname: cfg.Hostname}},
		dns:    stacks.NewDNSClient(stack, dns.ClientPort),
		seed:   uint64(time.Now().UnixNano()) ^ binary.LittleEndian.Uint64(append(mac[:], 0, 0)),
	}
	return dev, StatOK
}

// SetUSBIdentity sets the descriptors of the USB CDC device. It only
// takes effect if called before the USB stack is configured.
func SetUSBIdentity(id USBIdentity) {
	usb.VendorID = id.VendorID
	usb.ProductID = id.ProductID
	usb.Manufacturer = id.Manufacturer
	usb.Product = id.Product
	usb.Serial = id.Serial
}

//----------------------------------------------------------------------
// USB CDC console
//----------------------------------------------------------------------

// usbEndpoint adapts machine.Serial (USB CDC). A host holds the port
// open while DTR is asserted.
type usbEndpoint struct{}

const usbPoll = time.Millisecond

func (e *usbEndpoint) Connected() bool {
	return machine.Serial.DTR()
}

func (e *usbEndpoint) WaitConnect(ctx context.Context) error {
	for !e.Connected() {
		if err := pause(ctx, 10*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

func (e *usbEndpoint) ReadPacket(ctx context.Context, buf []byte) (int, error) {
	for machine.Serial.Buffered() == 0 {
		if !e.Connected() {
			return 0, console.ErrDisconnected
		}
		if err := pause(ctx, usbPoll); err != nil {
			return 0, err
		}
	}
	n := 0
	for n < len(buf) && machine.Serial.Buffered() > 0 {
		b, err := machine.Serial.ReadByte()
		if err != nil {
			return n, err
		}
		buf[n] = b
		n++
	}
	return n, nil
}

func (e *usbEndpoint) WritePacket(ctx context.Context, data []byte) (int, error) {
	if !e.Connected() {
		return 0, console.ErrDisconnected
	}
	if len(data) > console.PacketSize {
		return 0, console.ErrEndpointOverflow
	}
	return machine.Serial.Write(data)
}

//----------------------------------------------------------------------
// CYW43439 radio
//----------------------------------------------------------------------

// join failure texts of the radio driver
const (
	joinSetSSIDFailed = "join:SET_SSID failed"
	joinFailed        = "join:failed"
)

type picoRadio struct {
	ref *cyw43439.Device
}

func (r *picoRadio) JoinOpen(ssid string) error {
	return r.JoinWPA2(ssid, "")
}

// JoinWPA2 joins a network (an open one for an empty passphrase). The
// driver reports failures as text; they are mapped to firmware status
// codes.
func (r *picoRadio) JoinWPA2(ssid, passphrase string) error {
	err := r.ref.JoinWPA2(ssid, passphrase)
	if err == nil {
		return nil
	}
	switch err.Error() {
	case joinSetSSIDFailed:
		return &link.JoinError{Status: link.JoinStatusNoNetworks}
	case joinFailed:
		return &link.JoinError{Status: link.JoinStatusTimeout}
	}
	return err
}

func (r *picoRadio) GPIOSet(pin uint8, on bool) error {
	return r.ref.GPIOSet(pin, on)
}

//----------------------------------------------------------------------
// seqs network stack
//----------------------------------------------------------------------

type picoStack struct {
	ref    *cyw43439.Device
	stack  *stacks.PortStack
	logger *slog.Logger
	dhcp   *stacks.DHCPClient
	dns    *stacks.DNSClient
	seed   uint64

	mu      sync.Mutex
	static  *link.StaticConfigV4
	useDHCP bool
	lease   dhcpSession
	ports   uint16
}

// seqsLease drives the DHCP client of the port stack.
type seqsLease struct {
	client   *stacks.DHCPClient
	hostname string
}

func (l *seqsLease) begin(xid uint32) error {
	return l.client.BeginRequest(stacks.DHCPRequestConfig{
		Xid:      xid,
		Hostname: l.hostname,
	})
}

func (l *seqsLease) abort() {
	l.client.Abort()
}

func (l *seqsLease) bound() bool {
	return l.client.State() == dhcp.StateBound
}

func (s *picoStack) SetConfigV4(cfg link.StaticConfigV4) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.static, s.useDHCP = &cfg, false
	s.lease.reset()
	s.stack.SetAddr(cfg.Address.Addr())
	return nil
}

// StartDHCP selects DHCP. The request is sent once the link is up.
func (s *picoStack) StartDHCP() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.static, s.useDHCP = nil, true
	s.lease.reset()
	return nil
}

// IsConfigUp drives the DHCP exchange and reports whether an address
// is configured.
func (s *picoStack) IsConfigUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.static != nil {
		return true
	}
	if !s.useDHCP || !s.ref.IsLinkUp() {
		return false
	}
	up, err := s.lease.poll(time.Now())
	if err != nil {
		s.logger.Error("dhcp request", slog.String("err", err.Error()))
		return false
	}
	if up {
		ip := s.dhcp.Offer()
		s.stack.SetAddr(ip) // It's important to set the IP address after DHCP completes.
		s.logger.Info("DHCP complete",
			slog.Uint64("cidrbits", uint64(s.dhcp.CIDRBits())),
			slog.String("ourIP", ip.String()),
			slog.String("router", s.dhcp.Router().String()),
			slog.Duration("lease", s.dhcp.IPLeaseTime()),
		)
	}
	return s.lease.bound()
}

func (s *picoStack) IsLinkUp() bool {
	return s.ref.IsLinkUp()
}

func (s *picoStack) WaitConfigUp(ctx context.Context) error {
	for !s.IsConfigUp() {
		if err := pause(ctx, 10*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

func (s *picoStack) ConfigV4() (link.StaticConfigV4, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.static != nil {
		return *s.static, true
	}
	if !s.lease.bound() {
		return link.StaticConfigV4{}, false
	}
	cfg := link.StaticConfigV4{
		Address: netip.PrefixFrom(s.dhcp.Offer(), int(s.dhcp.CIDRBits())),
		Gateway: s.dhcp.Router(),
	}
	for _, addr := range s.dhcp.DNSServers() {
		if addr.IsValid() && len(cfg.DNSServers) < link.MaxDNSServers {
			cfg.DNSServers = append(cfg.DNSServers, addr)
		}
	}
	return cfg, true
}

func (s *picoStack) Seed() uint64 {
	return s.seed
}

// LookupNetIP resolves A records through the first DNS server.
func (s *picoStack) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	cfg, ok := s.ConfigV4()
	if !ok || len(cfg.DNSServers) == 0 {
		return nil, errNoDNS
	}
	name, err := dns.NewName(host)
	if err != nil {
		return nil, err
	}
	dnsaddr := cfg.DNSServers[0]
	hw, err := s.nextHopHW(ctx, cfg, dnsaddr)
	if err != nil {
		return nil, err
	}
	err = s.dns.StartResolve(stacks.DNSResolveConfig{
		Questions: []dns.Question{
			{
				Name:  name,
				Type:  dns.TypeA,
				Class: dns.ClassINET,
			},
		},
		DNSAddr:         dnsaddr,
		DNSHWAddr:       hw,
		EnableRecursion: true,
	})
	if err != nil {
		return nil, err
	}
	for retries := 100; ; retries-- {
		if done, _ := s.dns.IsDone(); done {
			break
		} else if retries == 0 {
			return nil, errors.New("dns lookup timed out")
		}
		if err = pause(ctx, 20*time.Millisecond); err != nil {
			return nil, err
		}
	}
	if _, rcode := s.dns.IsDone(); rcode != dns.RCodeSuccess {
		return nil, errors.New("dns lookup failed:" + rcode.String())
	}
	var addrs []netip.Addr
	for _, a := range s.dns.Answers() {
		data := a.RawData()
		if len(data) == 4 {
			addrs = append(addrs, netip.AddrFrom4([4]byte(data)))
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("no ipv4 dns answers")
	}
	return addrs, nil
}

// DialTCP opens a TCP connection and waits until it is established.
func (s *picoStack) DialTCP(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	cfg, ok := s.ConfigV4()
	if !ok {
		return nil, errNoRoute
	}
	hw, err := s.nextHopHW(ctx, cfg, addr.Addr())
	if err != nil {
		return nil, err
	}
	conn, err := stacks.NewTCPConn(s.stack, stacks.TCPConnConfig{
		TxBufSize: tcpBufSize,
		RxBufSize: tcpBufSize,
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ports++
	lport := 49152 + (uint16(s.seed)+s.ports)%16384
	iss := seqs.Value(uint32(s.seed>>32) + uint32(s.ports))
	s.mu.Unlock()

	if err = conn.OpenDialTCP(lport, hw, addr, iss); err != nil {
		conn.Close()
		return nil, err
	}
	deadline := time.Now().Add(dialWait)
	for conn.State() != seqs.StateEstablished {
		if time.Now().After(deadline) {
			conn.Close()
			return nil, errDialTimeout
		}
		if err = pause(ctx, 100*time.Millisecond); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// nextHopHW resolves the hardware address of addr, or of the gateway
// if addr is outside the local network.
func (s *picoStack) nextHopHW(ctx context.Context, cfg link.StaticConfigV4, addr netip.Addr) ([6]byte, error) {
	hop := addr
	if !cfg.Address.Contains(addr) {
		if !cfg.Gateway.IsValid() {
			return [6]byte{}, errNoRoute
		}
		hop = cfg.Gateway
	}
	return resolveHardwareAddr(ctx, s.stack, hop)
}

// resolveHardwareAddr obtains the hardware address of the given IP address.
func resolveHardwareAddr(ctx context.Context, stack *stacks.PortStack, ip netip.Addr) ([6]byte, error) {
	arpc := stack.ARP()
	arpc.Abort() // Remove any previous ARP requests.
	if err := arpc.BeginResolve(ip); err != nil {
		return [6]byte{}, err
	}
	// ARP exchanges should be fast, don't wait too long for them.
	const (
		timeout    = time.Second
		maxretries = 20
	)
	for retries := maxretries; !arpc.IsDone(); retries-- {
		if retries == 0 {
			return [6]byte{}, errARPTimeout
		}
		if err := pause(ctx, timeout/maxretries); err != nil {
			return [6]byte{}, err
		}
	}
	_, hw, err := arpc.ResultAs6()
	return hw, err
}

func nicLoop(dev *cyw43439.Device, stack *stacks.PortStack) {
	// Maximum number of packets to queue before sending them.
	const (
		queueSize                = 3
		maxRetriesBeforeDropping = 3
	)
	var queue [queueSize][mtu]byte
	var lenBuf [queueSize]int
	var retries [queueSize]int
	markSent := func(i int) {
		lenBuf[i] = 0
		retries[i] = 0
	}
	for {
		stallRx := true
		// Poll for incoming packets.
		gotPacket, err := dev.PollOne()
		if err != nil {
			println("poll error:", err.Error())
		}
		if gotPacket {
			stallRx = false
		}

		// Queue packets to be sent.
		for i := range queue {
			if retries[i] != 0 {
				continue // Packet currently queued for retransmission.
			}
			lenBuf[i], err = stack.HandleEth(queue[i][:])
			if err != nil {
				println("stack error n(should be 0)=", lenBuf[i], "err=", err.Error())
				lenBuf[i] = 0
				continue
			}
			if lenBuf[i] == 0 {
				break
			}
		}
		if lenBuf == [queueSize]int{} {
			if stallRx {
				// Avoid busy waiting when both Rx and Tx stall.
				time.Sleep(51 * time.Millisecond)
			}
			continue
		}

		// Send queued packets.
		for i := range queue {
			n := lenBuf[i]
			if n <= 0 {
				continue
			}
			if err := dev.SendEth(queue[i][:n]); err != nil {
				// Queue packet for retransmission.
				retries[i]++
				if retries[i] > maxRetriesBeforeDropping {
					markSent(i)
					println("dropped outgoing packet:", err.Error())
				}
			} else {
				markSent(i)
			}
		}
	}
}

// pause for d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
