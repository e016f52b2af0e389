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

package config

import (
	"regexp"

	"github.com/agnivade/levenshtein"
	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
)

// maxSuggestionDistance is the edit distance beyond which a flag is not
// considered a near miss.
const maxSuggestionDistance = 2

var unknownFlagRE = regexp.MustCompile(`unknown (?:long|short) flag '--?([^']+)'`)

// suggestOnUnknownFlag decorates kingpin's unknown-flag errors with the
// closest known flag, when one is within edit distance 2.
func suggestOnUnknownFlag(app *kingpin.Application, err error) error {
	if err == nil {
		return nil
	}
	match := unknownFlagRE.FindStringSubmatch(err.Error())
	if match == nil {
		return trace.Wrap(err)
	}
	if suggestion := closestFlag(app, match[1]); suggestion != "" {
		return trace.BadParameter("unknown option --%s, did you mean --%s?", match[1], suggestion)
	}
	return trace.Wrap(err)
}

func closestFlag(app *kingpin.Application, unknown string) string {
	best := ""
	bestDistance := maxSuggestionDistance + 1
	for _, flag := range app.Model().Flags {
		d := levenshtein.ComputeDistance(unknown, flag.Name)
		if d < bestDistance {
			best = flag.Name
			bestDistance = d
		}
	}
	return best
}
