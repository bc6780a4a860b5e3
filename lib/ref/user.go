// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// maxUserIDLength is the Matrix limit on a user ID, sigil and server
// included.
const maxUserIDLength = 255

// UserID is a validated Matrix user ID such as "@bob:example.org".
//
// The localpart is only checked for printable ASCII: homeservers
// still carry historical IDs with uppercase letters and punctuation,
// and refusing them would make those users unverifiable. The zero
// value is not a valid ID; use IsZero.
type UserID struct {
	id string
	// colon is the index of the ':' separating localpart and server.
	colon int
}

// ParseUserID validates raw as "@localpart:server".
func ParseUserID(raw string) (UserID, error) {
	if len(raw) < 2 || raw[0] != '@' {
		return UserID{}, fmt.Errorf("invalid user ID %q: must start with @", raw)
	}
	if len(raw) > maxUserIDLength {
		return UserID{}, fmt.Errorf("invalid user ID %q: longer than %d bytes", raw, maxUserIDLength)
	}
	colon := strings.IndexByte(raw, ':')
	switch {
	case colon < 0:
		return UserID{}, fmt.Errorf("invalid user ID %q: missing :server", raw)
	case colon == 1:
		return UserID{}, fmt.Errorf("invalid user ID %q: empty localpart", raw)
	}
	for i := 1; i < colon; i++ {
		if raw[i] <= ' ' || raw[i] > '~' {
			return UserID{}, fmt.Errorf("invalid user ID %q: localpart character at position %d", raw, i)
		}
	}
	if err := checkServerName(raw[colon+1:]); err != nil {
		return UserID{}, fmt.Errorf("invalid user ID %q: %w", raw, err)
	}
	return UserID{id: raw, colon: colon}, nil
}

// checkServerName accepts host[:port], where host is a DNS name, an
// IPv4 address, or a bracketed IPv6 literal.
func checkServerName(server string) error {
	if server == "" {
		return fmt.Errorf("server name is empty")
	}
	host, port := server, ""
	if strings.HasPrefix(server, "[") {
		end := strings.IndexByte(server, ']')
		if end < 0 {
			return fmt.Errorf("server name %q: unterminated IPv6 literal", server)
		}
		host, port = server[:end+1], strings.TrimPrefix(server[end+1:], ":")
		if len(server) > end+1 && server[end+1] != ':' {
			return fmt.Errorf("server name %q: unexpected text after IPv6 literal", server)
		}
	} else if colon := strings.LastIndexByte(server, ':'); colon >= 0 {
		host, port = server[:colon], server[colon+1:]
		if port == "" {
			return fmt.Errorf("server name %q: empty port", server)
		}
	}
	if host == "" {
		return fmt.Errorf("server name %q: empty host", server)
	}
	for i := 0; i < len(port); i++ {
		if port[i] < '0' || port[i] > '9' {
			return fmt.Errorf("server name %q: port is not numeric", server)
		}
	}
	for i := 0; i < len(host); i++ {
		c := host[i]
		if c <= ' ' || c > '~' || c == '@' || c == '#' || c == '/' {
			return fmt.Errorf("server name %q: invalid character at position %d", server, i)
		}
	}
	return nil
}

// MustParseUserID is ParseUserID for constants and tests. Panics on
// invalid input.
func MustParseUserID(raw string) UserID {
	userID, err := ParseUserID(raw)
	if err != nil {
		panic(err)
	}
	return userID
}

func (u UserID) String() string { return u.id }

// IsZero reports whether u is the zero value.
func (u UserID) IsZero() bool { return u.id == "" }

// Localpart returns the part between '@' and ':'. Empty for the zero
// value.
func (u UserID) Localpart() string {
	if u.id == "" {
		return ""
	}
	return u.id[1:u.colon]
}

// Server returns the server name, port included. Key query and claim
// failures are reported per server under this name.
func (u UserID) Server() string {
	if u.id == "" {
		return ""
	}
	return u.id[u.colon+1:]
}

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) {
	return []byte(u.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (u *UserID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = UserID{}
		return nil
	}
	parsed, err := ParseUserID(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
