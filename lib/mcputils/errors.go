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

package mcputils

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"strings"
)

// IsOKCloseError checks if the provided error is a common close error
// that indicates the connection has ended.
func IsOKCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		isFileClosedError(err) ||
		isUseOfClosedConnError(err)
}

// isFileClosedError checks if the error is a common error when pipe
// files are closed.
func isFileClosedError(err error) bool {
	var pathErr *fs.PathError
	if !errors.As(err, &pathErr) {
		return false
	}
	return errors.Is(pathErr.Err, fs.ErrClosed)
}

func isUseOfClosedConnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

type readerParseError struct {
	Err error
}

func (e *readerParseError) Error() string {
	return e.Err.Error()
}

func (e *readerParseError) Unwrap() error {
	return e.Err
}

// IsReaderParseError checks whether err came from decoding a transport
// payload rather than handling it.
func IsReaderParseError(err error) bool {
	var parseError *readerParseError
	return errors.As(err, &parseError)
}

func newReaderParseError(err error) error {
	return &readerParseError{
		Err: err,
	}
}
