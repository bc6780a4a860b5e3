// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the outcome of one command line.
type Result struct {
	// Command is the keyword that ran, or the unknown keyword.
	Command string `json:"command"`

	// Status is StatusSuccess or StatusError.
	Status string `json:"status"`

	// Data is the handler's return value. Strings and fmt.Stringers
	// render verbatim; anything else renders as indented JSON.
	Data any `json:"data,omitempty"`

	// Error is the message when Status is StatusError.
	Error string `json:"error,omitempty"`

	// DurationMS is the handler's execution time in milliseconds.
	DurationMS int64 `json:"duration_ms"`
}

// IsSuccess returns true when the command completed successfully.
func (r *Result) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// Err returns an error if the result indicates failure.
func (r *Result) Err() error {
	if r.Status == StatusError {
		return fmt.Errorf("%s: %s", r.Command, r.Error)
	}
	return nil
}

// Text renders the result for the console.
func (r *Result) Text() string {
	if r.Status == StatusError {
		return "error: " + r.Error
	}
	switch data := r.Data.(type) {
	case nil:
		return "ok"
	case string:
		return data
	case bool:
		if data {
			return "ok"
		}
		return "no change"
	case fmt.Stringer:
		return data.String()
	}
	encoded, err := json.MarshalIndent(r.Data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", r.Data)
	}
	return strings.TrimSpace(string(encoded))
}
