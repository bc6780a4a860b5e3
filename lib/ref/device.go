// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// DeviceID is an opaque, server-assigned Matrix device identifier. It
// appears inside key IDs such as "ed25519:DEVICEID", so it may not
// contain whitespace or ':'.
type DeviceID struct {
	id string
}

// ParseDeviceID validates raw as a device ID.
func ParseDeviceID(raw string) (DeviceID, error) {
	if raw == "" {
		return DeviceID{}, fmt.Errorf("device ID is empty")
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] <= ' ' || raw[i] == ':' || raw[i] == 0x7f {
			return DeviceID{}, fmt.Errorf("device ID %q: invalid character at position %d", raw, i)
		}
	}
	return DeviceID{id: raw}, nil
}

// MustParseDeviceID is ParseDeviceID for constants and tests.
func MustParseDeviceID(raw string) DeviceID {
	deviceID, err := ParseDeviceID(raw)
	if err != nil {
		panic(err)
	}
	return deviceID
}

func (d DeviceID) String() string { return d.id }

// IsZero reports whether d is the zero value.
func (d DeviceID) IsZero() bool { return d.id == "" }

// KeyID returns the "algorithm:DEVICEID" name under which a device
// publishes its identity keys.
func (d DeviceID) KeyID(algorithm string) string {
	return algorithm + ":" + d.id
}

// MarshalText implements encoding.TextMarshaler. A zero DeviceID is an
// error: a stored record without its device is ambiguous.
func (d DeviceID) MarshalText() ([]byte, error) {
	if d.id == "" {
		return nil, fmt.Errorf("cannot marshal zero DeviceID")
	}
	return []byte(d.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (d *DeviceID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = DeviceID{}
		return nil
	}
	parsed, err := ParseDeviceID(string(data))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
