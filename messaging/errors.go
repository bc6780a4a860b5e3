// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
	"time"
)

// MatrixError is a structured error response from the homeserver.
//
//	var matrixErr *MatrixError
//	if errors.As(err, &matrixErr) && matrixErr.Code == ErrCodeUnknownToken { ... }
type MatrixError struct {
	Code         string `json:"errcode"`
	Message      string `json:"error"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	StatusCode   int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Error codes the daemon distinguishes.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnknown       = "M_UNKNOWN"
	ErrCodeInvalidParam  = "M_INVALID_PARAM"
	ErrCodeBadJSON       = "M_BAD_JSON"
)

// IsMatrixError reports whether err wraps a *MatrixError with code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	return errors.As(err, &matrixErr) && matrixErr.Code == code
}

// IsTransient reports whether err is worth retrying: rate limiting,
// server errors, or failures that never produced a Matrix response.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == ErrCodeLimitExceeded || matrixErr.StatusCode >= 500
	}
	return true
}

// RetryAfter returns the server's requested delay for a rate-limited
// request, or zero when err carries none.
func RetryAfter(err error) time.Duration {
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) || matrixErr.RetryAfterMS <= 0 {
		return 0
	}
	return time.Duration(matrixErr.RetryAfterMS) * time.Millisecond
}
