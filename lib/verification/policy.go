// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"fmt"

	"github.com/bureau-foundation/e2ee/lib/ref"
)

// Policy decides which verifications proceed without an operator.
// The zero value is PolicyManual.
type Policy int

const (
	// PolicyManual waits for acceptVerification and confirmSasCode.
	PolicyManual Policy = iota
	// PolicyAutoAcceptOwnOnly proceeds automatically only with other
	// devices of the local user.
	PolicyAutoAcceptOwnOnly
	// PolicyAutoAccept proceeds automatically with anyone.
	PolicyAutoAccept
)

// ParsePolicy maps a configuration name to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "manual":
		return PolicyManual, nil
	case "auto_accept_own_only":
		return PolicyAutoAcceptOwnOnly, nil
	case "auto_accept":
		return PolicyAutoAccept, nil
	}
	return PolicyManual, fmt.Errorf("verification: unknown policy %q", name)
}

func (p Policy) String() string {
	switch p {
	case PolicyManual:
		return "manual"
	case PolicyAutoAcceptOwnOnly:
		return "auto_accept_own_only"
	case PolicyAutoAccept:
		return "auto_accept"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Automatic reports whether a verification between local and peer
// proceeds without operator input.
func (p Policy) Automatic(local, peer ref.UserID) bool {
	switch p {
	case PolicyAutoAccept:
		return true
	case PolicyAutoAcceptOwnOnly:
		return local == peer
	}
	return false
}
