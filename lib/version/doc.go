// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version identifies the bureau-e2ee build.
//
// [Version], [GitCommit], [GitDirty] and [BuildTime] are stamped with
// -ldflags -X. [Current] gathers them with the Go toolchain version and
// platform; diagnostics reports carry the result together with
// [SelfHash], a BLAKE3 digest of the executable.
package version
