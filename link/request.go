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
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/netip"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/soypat/seqs/httpx"
)

// Buffer sizes of the request pipeline.
const (
	RxBufferSize  = 8192  // response body
	TLSBufferSize = 16640 // one TLS record plus overhead
	tcpBufferSize = 1024  // MTU - ethhdr - iphdr - tcphdr, rounded
)

// value of the User-Agent header
const userAgent = "serialnet"

// Error messages
var (
	errNoAddress = errors.New("no address for host")
	errBadChunk  = errors.New("malformed chunk size")
	errScheme    = errors.New("unsupported url scheme")
	errHeader    = errors.New("invalid header field")
	errStatus    = errors.New("malformed status line")
	errLength    = errors.New("malformed content length")
)

// Body lengths of a response head that are not a byte count.
const (
	lengthChunked    = -1
	lengthUntilClose = -2
)

// Method is a request method.
type Method uint8

// Supported request methods
const (
	MethodGet Method = iota
	MethodPost
	MethodPut
	MethodDelete
	MethodPatch
	MethodHead
	MethodOptions
)

var methodNames = [...]string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

// String returns the method token.
func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return "GET"
}

// Header is a request header field.
type Header struct {
	Key   string
	Value string
}

// Buffer holds a response body. It is owned by the caller and never
// grows; a larger body fails with ErrBodyTooLarge.
type Buffer struct {
	data [RxBufferSize]byte
	n    int
}

// Bytes returns the body. The slice is valid until the next request
// into the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// String returns the body as text.
func (b *Buffer) String() string {
	return string(b.data[:b.n])
}

// Len returns the body size.
func (b *Buffer) Len() int {
	return b.n
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.n = 0
}

// Request performs a request and returns the status code. The body is
// read and validated but not kept.
func (c *Connected) Request(ctx context.Context, url string, method Method, headers []Header, body []byte) (int, error) {
	rx := make([]byte, RxBufferSize)
	status, _, err := c.do(ctx, url, method, headers, body, rx)
	return status, err
}

// RequestBody performs a request and stores the response body in buf.
func (c *Connected) RequestBody(ctx context.Context, url string, method Method, headers []Header, body []byte, buf *Buffer) (int, error) {
	buf.Reset()
	status, n, err := c.do(ctx, url, method, headers, body, buf.data[:])
	if err != nil {
		return status, err
	}
	buf.n = n
	return status, nil
}

// RequestJSON performs a request and decodes the JSON response body
// (stored in buf) into v.
func (c *Connected) RequestJSON(ctx context.Context, url string, method Method, headers []Header, body []byte, buf *Buffer, v any) (int, error) {
	status, err := c.RequestBody(ctx, url, method, headers, body, buf)
	if err != nil {
		return status, err
	}
	if err = json.Unmarshal(buf.Bytes(), v); err != nil {
		return status, &ParseError{Err: err}
	}
	return status, nil
}

// do runs one request and reads the response body into dst. Only one
// request runs at a time.
func (c *Connected) do(ctx context.Context, rawURL string, method Method, headers []Header, body []byte, dst []byte) (int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++

	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, 0, newNetworkError("url", err)
	}
	var (
		secure bool
		port   uint16
	)
	switch u.Scheme {
	case "http":
		port = 80
	case "https":
		secure, port = true, 443
	default:
		return 0, 0, newNetworkError("url", fmt.Errorf("%w %q", errScheme, u.Scheme))
	}
	if p := u.Port(); p != "" {
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return 0, 0, newNetworkError("url", err)
		}
		port = uint16(v)
	}
	host := u.Hostname()

	log := c.opts.Logger.With(slog.String("id", uuid.New().String()))
	log.Info("request", slog.String("method", method.String()), slog.String("url", rawURL))
	start := time.Now()

	addr, err := c.resolve(ctx, host)
	if err != nil {
		return 0, 0, newNetworkError("resolve", err)
	}
	conn, err := c.stack.DialTCP(ctx, netip.AddrPortFrom(addr, port))
	if err != nil {
		c.dns.Remove(host)
		return 0, 0, newNetworkError("dial", err)
	}
	defer conn.Close()
	// unblock pending I/O when the context ends
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	var rw io.ReadWriter = conn
	bufSize := tcpBufferSize
	if secure {
		tc := tls.Client(conn, c.tlsConfig(host))
		if err = tc.HandshakeContext(ctx); err != nil {
			return 0, 0, newNetworkError("tls", err)
		}
		rw, bufSize = tc, TLSBufferSize
	}

	bw := bufio.NewWriterSize(rw, bufSize)
	if err = writeRequest(bw, u, method, headers, body); err != nil {
		return 0, 0, newNetworkError("write", err)
	}
	br := bufio.NewReaderSize(rw, bufSize)
	status, length, err := readResponseHead(br)
	if err != nil {
		return 0, 0, newNetworkError("read", err)
	}
	log.Info("response", slog.Int("status", status), slog.Duration("elapsed", time.Since(start)))
	if status < 200 || status > 299 {
		return status, 0, &StatusError{Code: status}
	}
	if method == MethodHead || status == 204 {
		return status, 0, nil
	}
	n, err := readBody(br, length, dst)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			return status, 0, err
		}
		return status, 0, newNetworkError("read", err)
	}
	if !utf8.Valid(dst[:n]) {
		return status, 0, &DecodeError{Offset: invalidOffset(dst[:n])}
	}
	return status, n, nil
}

// resolve returns an address for host. Answers are cached per token.
func (c *Connected) resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	addrs, ok := c.dns.Get(host)
	if !ok {
		var err error
		if addrs, err = c.stack.LookupNetIP(ctx, host); err != nil {
			return netip.Addr{}, err
		}
		if len(addrs) == 0 {
			return netip.Addr{}, errNoAddress
		}
		c.dns.Add(host, addrs)
	}
	for _, addr := range addrs {
		if addr.Is4() {
			return addr, nil
		}
	}
	return addrs[0], nil
}

// tlsConfig returns the client configuration for one handshake. The
// random source is derived from the stack seed and the request counter.
// Certificates are not verified.
func (c *Connected) tlsConfig(host string) *tls.Config {
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[0:], c.stack.Seed())
	binary.LittleEndian.PutUint64(seed[8:], c.seq)
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true,
		Rand:               rand.NewChaCha8(seed),
	}
}

// writeRequest sends the request head and body. The head is built by
// httpx; the caller's fields and the framing fields follow it.
func writeRequest(w *bufio.Writer, u *url.URL, method Method, headers []Header, body []byte) error {
	for _, h := range headers {
		if h.Key == "" || strings.ContainsAny(h.Key, "\r\n: ") || strings.ContainsAny(h.Value, "\r\n") {
			return fmt.Errorf("%w %q", errHeader, h.Key)
		}
	}
	var req httpx.RequestHeader
	req.SetMethod(method.String())
	req.SetRequestURI(u.RequestURI())
	req.SetHost(u.Host)
	req.SetUserAgent(userAgent)

	w.Write(bytes.TrimRight(req.Header(), "\r\n"))
	w.WriteString("\r\n")
	for _, h := range headers {
		w.WriteString(h.Key + ": " + h.Value + "\r\n")
	}
	if len(body) > 0 {
		w.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	}
	w.WriteString("Connection: close\r\n\r\n")
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Flush()
}

// readResponseHead reads the status line and header fields of a
// response. Interim (1xx) responses are skipped. The returned length is
// the body size, lengthChunked or lengthUntilClose.
func readResponseHead(r *bufio.Reader) (status, length int, err error) {
	tp := textproto.NewReader(r)
	for {
		if status, err = readStatusLine(tp); err != nil {
			return 0, 0, err
		}
		hdr, err := tp.ReadMIMEHeader()
		if err != nil {
			return 0, 0, err
		}
		if status >= 200 {
			length, err = bodyLength(status, hdr)
			return status, length, err
		}
	}
}

func readStatusLine(tp *textproto.Reader) (int, error) {
	line, err := tp.ReadLine()
	if err != nil {
		return 0, err
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return 0, errStatus
	}
	code, _, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 || status < 100 {
		return 0, errStatus
	}
	return status, nil
}

func bodyLength(status int, hdr textproto.MIMEHeader) (int, error) {
	if status == 204 || status == 304 {
		return 0, nil
	}
	for _, te := range hdr.Values("Transfer-Encoding") {
		if strings.Contains(strings.ToLower(te), "chunked") {
			return lengthChunked, nil
		}
	}
	cl := hdr.Get("Content-Length")
	if cl == "" {
		return lengthUntilClose, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
	if err != nil || n < 0 {
		return 0, errLength
	}
	return int(min(n, math.MaxInt32)), nil
}

// readBody reads a response body of the given length (or framing) into
// dst.
func readBody(r *bufio.Reader, length int, dst []byte) (int, error) {
	switch {
	case length > len(dst):
		return 0, ErrBodyTooLarge
	case length >= 0:
		return io.ReadFull(r, dst[:length])
	case length == lengthChunked:
		return readChunked(r, dst)
	}
	return readUntilClose(r, dst)
}

func readUntilClose(r io.Reader, dst []byte) (int, error) {
	n, err := io.ReadFull(r, dst)
	switch err {
	case io.EOF, io.ErrUnexpectedEOF:
		return n, nil
	case nil:
		// buffer is full: the body must end here
		var one [1]byte
		if _, err = io.ReadFull(r, one[:]); err == nil {
			return n, ErrBodyTooLarge
		} else if err == io.EOF {
			return n, nil
		}
	}
	return n, err
}

func readChunked(r *bufio.Reader, dst []byte) (int, error) {
	n := 0
	for {
		line, err := r.ReadSlice('\n')
		if err != nil {
			return n, err
		}
		if i := bytes.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		size, err := strconv.ParseUint(string(bytes.TrimSpace(line)), 16, 32)
		if err != nil {
			return n, errBadChunk
		}
		if size == 0 {
			// skip trailer
			for {
				if line, err = r.ReadSlice('\n'); err != nil {
					return n, err
				}
				if len(bytes.TrimSpace(line)) == 0 {
					return n, nil
				}
			}
		}
		if size > uint64(len(dst)-n) {
			return n, ErrBodyTooLarge
		}
		if _, err = io.ReadFull(r, dst[n:n+int(size)]); err != nil {
			return n, err
		}
		n += int(size)
		if _, err = r.Discard(2); err != nil {
			return n, err
		}
	}
}

// invalidOffset returns the position of the first invalid UTF-8 byte.
func invalidOffset(p []byte) int {
	off := 0
	for len(p) > 0 {
		r, size := utf8.DecodeRune(p)
		if r == utf8.RuneError && size == 1 {
			return off
		}
		p = p[size:]
		off += size
	}
	return off
}
