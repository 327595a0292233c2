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
)

// Join status codes reported by the radio firmware.
const (
	JoinStatusTimeout    = 2
	JoinStatusNoNetworks = 3
)

// Reason classifies a failed connection attempt.
type Reason uint8

// Connection failure reasons
const (
	ReasonUnknown Reason = iota
	ReasonSSIDNotFound
	ReasonDHCPTimeout
	ReasonTimeout
)

// Sentinels matching a ConnectError of the same reason with errors.Is.
var (
	ErrSSIDNotFound = errors.New("SSID not found")
	ErrDHCPTimeout  = errors.New("DHCP configuration can not be resolved from server, consider using a static config")
	ErrTimeout      = errors.New("A timeout occurred")
	ErrUnknown      = errors.New("An unknown error occurred")
)

func (r Reason) sentinel() error {
	switch r {
	case ReasonSSIDNotFound:
		return ErrSSIDNotFound
	case ReasonDHCPTimeout:
		return ErrDHCPTimeout
	case ReasonTimeout:
		return ErrTimeout
	}
	return ErrUnknown
}

// String returns a human-readable reason.
func (r Reason) String() string {
	switch r {
	case ReasonSSIDNotFound:
		return "ssid-not-found"
	case ReasonDHCPTimeout:
		return "dhcp-timeout"
	case ReasonTimeout:
		return "timeout"
	}
	return "unknown"
}

// JoinError is returned by a Radio when association fails with a
// firmware status code.
type JoinError struct {
	Status uint32
}

// Error returns a human-readable error message.
func (e *JoinError) Error() string {
	return fmt.Sprintf("join failed with status=%d", e.Status)
}

// ConnectError is a recoverable failure of Disconnected.Connect.
type ConnectError struct {
	Reason Reason
	Status uint32 // firmware status for ReasonUnknown
	Err    error  // underlying cause, may be nil
}

// Error returns the operator-facing message.
func (e *ConnectError) Error() string {
	if e.Reason == ReasonUnknown {
		return fmt.Sprintf("An unknown error occurred with code `%d`", e.Status)
	}
	return e.Reason.sentinel().Error()
}

// Is matches the sentinel of the reason.
func (e *ConnectError) Is(target error) bool {
	return target == e.Reason.sentinel()
}

// Unwrap returns the underlying cause.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// classifyJoin turns a join failure into a ConnectError.
func classifyJoin(err error) *ConnectError {
	var je *JoinError
	if !errors.As(err, &je) {
		return &ConnectError{Reason: ReasonUnknown, Err: err}
	}
	switch je.Status {
	case JoinStatusTimeout:
		return &ConnectError{Reason: ReasonTimeout, Status: je.Status, Err: err}
	case JoinStatusNoNetworks:
		return &ConnectError{Reason: ReasonSSIDNotFound, Status: je.Status, Err: err}
	}
	return &ConnectError{Reason: ReasonUnknown, Status: je.Status, Err: err}
}

//----------------------------------------------------------------------
// request errors
//----------------------------------------------------------------------

// maximum length of a network error message
const maxNetworkErrorLen = 64

// ErrBodyTooLarge is returned if a response body exceeds the buffer.
var ErrBodyTooLarge = errors.New("response body exceeds buffer capacity")

// NetworkError is a transport failure (resolve, dial, TLS or I/O).
type NetworkError struct {
	Msg string // bounded to 64 bytes
	Err error
}

func newNetworkError(op string, err error) *NetworkError {
	msg := op + ": " + err.Error()
	if len(msg) > maxNetworkErrorLen {
		msg = msg[:maxNetworkErrorLen]
	}
	return &NetworkError{Msg: msg, Err: err}
}

// Error returns a human-readable error message.
func (e *NetworkError) Error() string {
	return "An error occurred with the request: `" + e.Msg + "`"
}

// Unwrap returns the underlying cause.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StatusError is a response with a non-2xx status code.
type StatusError struct {
	Code int
}

// Error returns a human-readable error message.
func (e *StatusError) Error() string {
	return fmt.Sprintf("Request returned with status code `%d`", e.Code)
}

// DecodeError is a response body that is not valid UTF-8.
type DecodeError struct {
	Offset int // first invalid byte
}

// Error returns a human-readable error message.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("Failed to decode utf8: `invalid byte at offset %d`", e.Offset)
}

// ParseError is a body that could not be deserialized.
type ParseError struct {
	Err error
}

// Error returns a human-readable error message.
func (e *ParseError) Error() string {
	return "Failed to decode response: `" + e.Err.Error() + "`"
}

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error {
	return e.Err
}
