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

package tools

import (
	"errors"
	"fmt"
)

// ForbiddenCollscanError means the index-check gate found a full
// collection scan in the winning query plan. Its message is returned
// to the agent verbatim.
type ForbiddenCollscanError struct {
	Database   string
	Collection string
}

func (e *ForbiddenCollscanError) Error() string {
	return fmt.Sprintf(
		"the query on %q.%q would perform a full collection scan (COLLSCAN) and index checking is enabled. "+
			"Either create an index covering the query fields with the create-index tool, narrow the filter to use an existing index, "+
			"or start the server without --indexCheck.",
		e.Database, e.Collection)
}

// IsForbiddenCollscanError reports whether err is a
// ForbiddenCollscanError anywhere in its chain.
func IsForbiddenCollscanError(err error) bool {
	var target *ForbiddenCollscanError
	return errors.As(err, &target)
}

// ForbiddenWriteOperationError means read-only mode denied a mutation
// that reached execution anyway, e.g. via a tool whose body branches
// into a write.
type ForbiddenWriteOperationError struct {
	Tool string
}

func (e *ForbiddenWriteOperationError) Error() string {
	return fmt.Sprintf("cannot run %s: the server is in read-only mode", e.Tool)
}

// IsForbiddenWriteOperationError reports whether err is a
// ForbiddenWriteOperationError anywhere in its chain.
func IsForbiddenWriteOperationError(err error) bool {
	var target *ForbiddenWriteOperationError
	return errors.As(err, &target)
}
