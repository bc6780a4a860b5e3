// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package diagnostics

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Text renders the report for the operator console.
func (r *Report) Text() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "E2EE report for %s/%s\n", r.LocalUser, r.LocalDevice)
	fmt.Fprintf(&builder, "build %s\n", r.Build)
	if r.BinaryHash != "" {
		fmt.Fprintf(&builder, "binary %s\n", abbreviate(r.BinaryHash))
	}

	if section := r.Devices; section != nil {
		builder.WriteString("\nDevices:\n")
		if section.Error != "" {
			fmt.Fprintf(&builder, "  unavailable: %s\n", section.Error)
		} else {
			fmt.Fprintf(&builder, "  total %d, with keys %d, without keys %d\n",
				section.Total(), len(section.WithKeys), len(section.WithoutKeys))
			for _, device := range section.WithKeys {
				fmt.Fprintf(&builder, "  %s%s  %s\n", device.DeviceID, currentMarker(device), device.Fingerprint)
			}
			for _, device := range section.WithoutKeys {
				fmt.Fprintf(&builder, "  %s%s  no keys (%s)\n", device.DeviceID, currentMarker(device), displayName(device))
			}
		}
	}

	if section := r.Sessions; section != nil {
		fmt.Fprintf(&builder, "\nOlm sessions: %d\n", len(section.Sessions))
		for _, session := range section.Sessions {
			fmt.Fprintf(&builder, "  %s  %s  session %s  since %s\n",
				session.Peer, session.Fingerprint, abbreviate(session.SessionID), session.CreatedAt.UTC().Format(time.RFC3339))
		}
	}

	if section := r.Verified; section != nil {
		builder.WriteString("\nVerified devices:\n")
		if section.Error != "" {
			fmt.Fprintf(&builder, "  unavailable: %s\n", section.Error)
		} else {
			fmt.Fprintf(&builder, "  with sessions %d, without sessions %d\n",
				len(section.WithSessions), len(section.WithoutSessions))
			for _, peer := range section.WithoutSessions {
				fmt.Fprintf(&builder, "  %s  no olm session\n", peer)
			}
		}
	}

	if section := r.Verifications; section != nil {
		fmt.Fprintf(&builder, "\nVerifications: %d active, %d total\n", section.Active, section.Total)
		for _, state := range sortedStates(section.ByState) {
			fmt.Fprintf(&builder, "  %-12s %d\n", state, section.ByState[state])
		}
	}
	return strings.TrimRight(builder.String(), "\n")
}

// Log writes the report as structured records: one Info summary per
// section, and a Warn per problem found.
func (r *Report) Log(logger *slog.Logger) {
	if section := r.Devices; section != nil {
		if section.Error != "" {
			logger.Warn("device diagnostics unavailable", "error", section.Error)
		} else {
			logger.Info("devices",
				"total", section.Total(),
				"with_keys", len(section.WithKeys),
				"without_keys", len(section.WithoutKeys),
			)
			for _, device := range section.WithoutKeys {
				logger.Warn("device has no E2EE keys", "device_id", device.DeviceID, "display_name", device.DisplayName)
			}
		}
	}
	if section := r.Sessions; section != nil {
		if len(section.Sessions) == 0 {
			logger.Warn("no olm sessions established")
		} else {
			logger.Info("olm sessions", "total", len(section.Sessions))
		}
	}
	if section := r.Verified; section != nil {
		if section.Error != "" {
			logger.Warn("verified device diagnostics unavailable", "error", section.Error)
		} else {
			logger.Info("verified devices",
				"with_sessions", len(section.WithSessions),
				"without_sessions", len(section.WithoutSessions),
			)
			for _, peer := range section.WithoutSessions {
				logger.Warn("verified device has no olm session", "user_id", peer.User.String(), "device_id", peer.Device.String())
			}
		}
	}
	if section := r.Verifications; section != nil {
		logger.Info("verifications", "active", section.Active, "total", section.Total)
	}
}

func currentMarker(device DeviceInfo) string {
	if device.Current {
		return " (this device)"
	}
	return ""
}

func displayName(device DeviceInfo) string {
	if device.DisplayName == "" {
		return "unnamed"
	}
	return device.DisplayName
}

func abbreviate(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:16] + "..."
}

func sortedStates(byState map[string]int) []string {
	states := make([]string, 0, len(byState))
	for state := range byState {
		states = append(states, state)
	}
	slices.Sort(states)
	return states
}
