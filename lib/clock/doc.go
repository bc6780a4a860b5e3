// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// Components that read the time or wait on it (the verification
// collector, the sync loop backoff) accept a Clock instead of calling
// the time package directly. Production code passes Real(). Tests pass
// Fake(), which stands still until Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go coordinator.Run(ctx)
//	c.WaitForTimers(1)        // collector ticker registered
//	c.Advance(time.Minute)    // fire it deterministically
package clock
