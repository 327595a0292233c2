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
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bfix/serialnet/console"
	"github.com/bfix/serialnet/link"
	"github.com/bfix/serialnet/wizard"
)

// syncBuffer is the terminal side of the stdio endpoint.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type testRig struct {
	dev *LinuxDevice
	con *console.Console
	in  *io.PipeWriter
	out *syncBuffer
}

func newTestRig(t *testing.T, ctx context.Context) *testRig {
	t.Helper()
	pr, pw := io.Pipe()
	out := new(syncBuffer)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rig := &testRig{
		dev: newLinuxDevice(pr, out, logger),
		in:  pw,
		out: out,
	}
	var err error
	if rig.con, err = console.New(console.Config{}); err != nil {
		t.Fatal(err)
	}
	go rig.con.Serve(ctx, rig.dev.Console())
	eventually(t, "console", rig.con.Enabled)
	return rig
}

func (r *testRig) typeIn(s string) {
	go r.in.Write([]byte(s))
}

func TestLinuxDeviceSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"datetime":"2024-05-01T12:34:56+00:00"}`)
	}))
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig := newTestRig(t, ctx)

	rig.typeIn("home\r\nsecret123\r\n\r\n")
	nc, err := wizard.Generate(ctx, rig.con)
	if err != nil {
		t.Fatal(err)
	}
	token := link.New(rig.dev.Radio(), rig.dev.Stack(), link.Options{Output: rig.con})
	conn, _, err := token.Connect(ctx, nc.SSID, nc.Passphrase, time.Second, nc.Static)
	if err != nil {
		t.Fatal(err)
	}
	if !rig.dev.radio.led {
		t.Fatal("LED not switched on")
	}

	var (
		buf link.Buffer
		res struct {
			Datetime string `json:"datetime"`
		}
	)
	if _, err = conn.RequestJSON(ctx, srv.URL, link.MethodGet, nil, nil, &buf, &res); err != nil {
		t.Fatal(err)
	}
	if res.Datetime != "2024-05-01T12:34:56+00:00" {
		t.Fatalf("datetime %q", res.Datetime)
	}

	// prompts, echo and progress reach the terminal
	for _, s := range []string{"Enter SSID: ", "home\r\n", "Use DHCP? [Y/n] ", "Stack is up!"} {
		eventually(t, s, func() bool { return strings.Contains(rig.out.String(), s) })
	}
}

func TestLinuxDeviceJoinRefused(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig := newTestRig(t, ctx)
	rig.dev.radio.fail = map[string]uint32{"nowhere": link.JoinStatusNoNetworks}

	token := link.New(rig.dev.Radio(), rig.dev.Stack(), link.Options{})
	_, token, err := token.Connect(ctx, "nowhere", "", time.Second, nil)
	if !errors.Is(err, link.ErrSSIDNotFound) || StatusOf(err) != StatSSID {
		t.Fatalf("got %v", err)
	}
	if _, _, err = token.Connect(ctx, "home", "", time.Second, nil); err != nil {
		t.Fatal(err)
	}
}

func TestLinuxDeviceHangup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig := newTestRig(t, ctx)

	rig.in.Close()
	eventually(t, "disconnect", func() bool { return !rig.con.Enabled() })
	if rig.dev.Console().Connected() {
		t.Fatal("endpoint still connected")
	}
}
