/*
 * MongoDB MCP Server
 * Copyright (C) 2025  Titus Civic, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package connection

import (
	"errors"

	"github.com/gravitational/trace"
)

// NotConnectedError means no live driver handle exists. Recoverable by
// a connect call.
type NotConnectedError struct {
	// Message optionally refines the generic text.
	Message string
}

// Error implements error.
func (e *NotConnectedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "not connected to MongoDB"
}

// NewNotConnectedError creates a NotConnectedError with the generic
// message.
func NewNotConnectedError() error {
	return trace.Wrap(&NotConnectedError{})
}

// IsNotConnectedError checks the error chain for a NotConnectedError.
func IsNotConnectedError(err error) bool {
	var notConnected *NotConnectedError
	return errors.As(err, &notConnected)
}

// MisconfiguredError means the driver rejected the connection string or
// the credentials embedded in it. Recoverable by a user edit.
type MisconfiguredError struct {
	// Reason is the driver's rejection.
	Reason error
}

// Error implements error.
func (e *MisconfiguredError) Error() string {
	return "misconfigured connection string: " + e.Reason.Error()
}

// Unwrap exposes the driver error.
func (e *MisconfiguredError) Unwrap() error {
	return e.Reason
}

// IsMisconfiguredError checks the error chain for a MisconfiguredError.
func IsMisconfiguredError(err error) bool {
	var misconfigured *MisconfiguredError
	return errors.As(err, &misconfigured)
}

// OIDCInProgressError is returned to callers asking for a handle while
// an OIDC flow waits on the user. The dispatcher turns it into a
// prompt-the-user message.
type OIDCInProgressError struct {
	// LoginURL is the verification URL the user must open.
	LoginURL string
	// UserCode is the device-flow code to enter, empty for auth-flow.
	UserCode string
}

// Error implements error.
func (e *OIDCInProgressError) Error() string {
	return "OIDC authentication in progress"
}

// IsOIDCInProgressError checks the error chain for an
// OIDCInProgressError and returns it.
func IsOIDCInProgressError(err error) (*OIDCInProgressError, bool) {
	var inProgress *OIDCInProgressError
	ok := errors.As(err, &inProgress)
	return inProgress, ok
}
