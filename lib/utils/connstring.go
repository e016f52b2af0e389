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

// Package utils contains small helpers shared across lib.
package utils

import (
	"net"
	"net/url"
	"strings"

	"github.com/gravitational/trace"
)

// MongoDB connection string schemes.
const (
	SchemeMongoDB    = "mongodb://"
	SchemeMongoDBSRV = "mongodb+srv://"
)

// IsMongoDBURI reports whether s looks like a MongoDB connection string.
func IsMongoDBURI(s string) bool {
	return strings.HasPrefix(s, SchemeMongoDB) || strings.HasPrefix(s, SchemeMongoDBSRV)
}

// ConnStringQuery returns the parsed query options of a MongoDB
// connection string. Connection strings are not fully URL-shaped (the
// host part may contain commas), so only the part after '?' is parsed.
func ConnStringQuery(connString string) (url.Values, error) {
	_, query, found := strings.Cut(connString, "?")
	if !found {
		return url.Values{}, nil
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, trace.BadParameter("invalid connection string options: %v", err)
	}
	return values, nil
}

// ConnStringOption returns the named query option of a MongoDB
// connection string, case-insensitively per the driver's matching rules.
func ConnStringOption(connString, name string) (string, error) {
	values, err := ConnStringQuery(connString)
	if err != nil {
		return "", trace.Wrap(err)
	}
	for key, vals := range values {
		if strings.EqualFold(key, name) && len(vals) > 0 {
			return vals[0], nil
		}
	}
	return "", nil
}

// SetConnStringOption returns connString with the named query option
// set, unless an option of that name (case-insensitive) is already
// present, in which case connString is returned unchanged.
func SetConnStringOption(connString, name, value string) (string, error) {
	existing, err := ConnStringOption(connString, name)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if existing != "" {
		return connString, nil
	}
	separator := "?"
	if strings.Contains(connString, "?") {
		separator = "&"
		if strings.HasSuffix(connString, "?") || strings.HasSuffix(connString, "&") {
			separator = ""
		}
	} else if !strings.Contains(strings.TrimPrefix(strings.TrimPrefix(connString, SchemeMongoDBSRV), SchemeMongoDB), "/") {
		// The options separator requires the path component.
		separator = "/?"
	}
	return connString + separator + name + "=" + url.QueryEscape(value), nil
}

// SetConnStringCredentials returns connString with the userinfo part
// replaced by the given username and password, both URL-escaped.
func SetConnStringCredentials(connString, username, password string) (string, error) {
	var scheme string
	switch {
	case strings.HasPrefix(connString, SchemeMongoDBSRV):
		scheme = SchemeMongoDBSRV
	case strings.HasPrefix(connString, SchemeMongoDB):
		scheme = SchemeMongoDB
	default:
		return "", trace.BadParameter("expected a mongodb:// or mongodb+srv:// connection string")
	}
	rest := strings.TrimPrefix(connString, scheme)
	if at := strings.IndexByte(rest, '@'); at >= 0 && at < strings.IndexAny(rest+"/", "/") {
		rest = rest[at+1:]
	}
	return scheme + url.UserPassword(username, password).String() + "@" + rest, nil
}

// IsLoopbackHost reports whether host resolves to a loopback address
// without consulting DNS: it accepts literal loopback IPs and the
// "localhost" name only.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
