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
	"github.com/bfix/serialnet/console"
	"github.com/bfix/serialnet/link"
)

// Device is a hardware abstraction
type Device interface {
	// LED on or off (if applicable)
	LED(on bool)

	// Console returns the USB serial endpoint of the operator console.
	Console() console.Endpoint

	// Radio returns the wireless chip.
	Radio() link.Radio

	// Stack returns the IP stack running on the radio.
	Stack() link.IPStack
}
