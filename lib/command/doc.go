// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package command maps operator keywords to handlers.
//
// A [Registry] parses a command line into a keyword and arguments,
// runs the registered [Handler], and wraps the outcome in a [Result].
// Handler errors and panics never escape [Registry.Run]: they become
// error results, and a panic is reported with a generic message while
// the details go to the log. [Registry.Execute] renders the result as
// console text.
//
// Arguments are split on whitespace. Double quotes group words, so
//
//	cancel 3f1c "wrong device"
//
// yields two arguments.
package command
