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

// Package keychain tracks sensitive strings registered at configuration
// load time and scrubs them from text destined for log sinks.
package keychain

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Kind classifies a registered secret and selects its redaction token.
type Kind string

const (
	// KindUser is a username or other account identifier.
	KindUser Kind = "user"
	// KindPassword is a password, key or other credential.
	KindPassword Kind = "password"
	// KindURL is a URL that may embed credentials.
	KindURL Kind = "url"
)

func (k Kind) token() string {
	switch k {
	case KindUser:
		return "<user>"
	case KindURL:
		return "<url>"
	default:
		return "<password>"
	}
}

type entry struct {
	value string
	kind  Kind
}

// Keychain is the process-wide registry of secrets. It is safe for
// concurrent use; every log sink consults the same instance.
type Keychain struct {
	mu      sync.Mutex
	entries []entry
}

// New returns an empty Keychain.
func New() *Keychain {
	return &Keychain{}
}

// Register adds a secret to the registry. Empty values and duplicates
// are ignored.
func (k *Keychain) Register(value string, kind Kind) {
	if value == "" {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, e := range k.entries {
		if e.value == value && e.kind == kind {
			return
		}
	}
	k.entries = append(k.entries, entry{value: value, kind: kind})
	// Longer secrets substitute first so that a secret containing
	// another registered secret is replaced as a whole.
	sort.SliceStable(k.entries, func(i, j int) bool {
		return len(k.entries[i].value) > len(k.entries[j].value)
	})
}

// Len reports the number of registered secrets.
func (k *Keychain) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

var (
	connStringRE = regexp.MustCompile(`mongodb(\+srv)?://\S+`)
	urlRE        = regexp.MustCompile(`https?://\S+`)
	emailRE      = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

// Redact replaces every registered secret in text with the token of its
// kind, then scrubs connection-string, URL and email shaped substrings
// the registry never saw.
func (k *Keychain) Redact(text string) string {
	k.mu.Lock()
	entries := make([]entry, len(k.entries))
	copy(entries, k.entries)
	k.mu.Unlock()

	for _, e := range entries {
		text = strings.ReplaceAll(text, e.value, e.kind.token())
	}
	text = connStringRE.ReplaceAllString(text, "<url>")
	text = urlRE.ReplaceAllString(text, "<url>")
	text = emailRE.ReplaceAllString(text, "<email>")
	return text
}
