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
	"strings"
	"unicode"

	"github.com/gravitational/trace"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
)

// envName maps a camelCase flag name to its MDB_MCP_SNAKE_CASE
// environment variable. Acronym runs stay together: apiBaseUrl becomes
// MDB_MCP_API_BASE_URL and tlsCAFile becomes MDB_MCP_TLS_CA_FILE.
func envName(flag string) string {
	var sb strings.Builder
	sb.WriteString(mdbmcp.EnvPrefix)
	runes := []rune(flag)
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prevLower := !unicode.IsUpper(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || nextLower {
				sb.WriteByte('_')
			}
		}
		sb.WriteRune(unicode.ToUpper(r))
	}
	return sb.String()
}

// commaListValue accumulates repeated flag occurrences and splits each
// occurrence on commas, so both --loggers disk --loggers mcp and
// MDB_MCP_LOGGERS=disk,mcp work.
type commaListValue struct {
	target *[]string
	set    bool
}

func newCommaListValue(target *[]string) *commaListValue {
	return &commaListValue{target: target}
}

func (v *commaListValue) Set(value string) error {
	if !v.set {
		// The first occurrence replaces the default.
		*v.target = nil
		v.set = true
	}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*v.target = append(*v.target, part)
		}
	}
	return nil
}

func (v *commaListValue) String() string {
	if v.target == nil {
		return ""
	}
	return strings.Join(*v.target, ",")
}

// IsCumulative allows the flag to be repeated.
func (v *commaListValue) IsCumulative() bool { return true }

// headerMapValue parses name=value pairs, comma separated within one
// occurrence.
type headerMapValue struct {
	target *map[string]string
}

func newHeaderMapValue(target *map[string]string) *headerMapValue {
	return &headerMapValue{target: target}
}

func (v *headerMapValue) Set(value string) error {
	if *v.target == nil {
		*v.target = make(map[string]string)
	}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, val, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return trace.BadParameter("invalid header %q, expected name=value", pair)
		}
		(*v.target)[name] = val
	}
	return nil
}

func (v *headerMapValue) String() string {
	if v.target == nil || *v.target == nil {
		return ""
	}
	pairs := make([]string, 0, len(*v.target))
	for name, val := range *v.target {
		pairs = append(pairs, name+"="+val)
	}
	return strings.Join(pairs, ",")
}

// IsCumulative allows the flag to be repeated.
func (v *headerMapValue) IsCumulative() bool { return true }
