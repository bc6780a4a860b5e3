// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds sensitive material (the homeserver access token,
// the age identity that seals Olm account pickles) outside the Go heap.
//
// [Buffer] memory comes from an anonymous mmap region that is locked
// into RAM with mlock and excluded from core dumps with
// MADV_DONTDUMP. Close zeroes, unlocks, and unmaps it. Any access after
// Close panics; Close itself is idempotent.
//
// [ReadFromPath] loads a secret from a file (or stdin for "-") straight
// into a Buffer, zeroing the intermediate heap copy. Like ssh, it
// refuses key files that group or others can access. [ReadFrom] takes
// the first line of any reader, for passwords piped to --login.
package secret
