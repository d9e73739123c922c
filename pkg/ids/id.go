// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ids generates the identifiers used across the marketplace core:
// UUIDs for entity primary keys, DIDs for identities, and the human-readable
// sequence numbers used for orders and governance proposals.
package ids

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DIDMethod is the fixed protocol token used in every DID this core mints.
const DIDMethod = "bazaar"

// New returns a fresh random identifier suitable for any entity primary key.
func New() string {
	return uuid.NewString()
}

// NewDID mints a DID of the form "did:<method>:<opaque-id>". DIDs are never
// reassigned; callers must persist the returned value as-is.
func NewDID() string {
	return fmt.Sprintf("did:%s:%s", DIDMethod, uuid.NewString())
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewOrderNumber formats a human-readable order number:
// ORD-<year>-<last 6 digits of wall-clock ms>-<3 random base36 chars>.
// Uniqueness is enforced by the caller's index; collisions are retried there.
func NewOrderNumber(now time.Time) (string, error) {
	ms := now.UnixMilli()
	last6 := ms % 1_000_000

	suffix, err := randomBase36(3)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ORD-%04d-%06d-%s", now.Year(), last6, suffix), nil
}

func randomBase36(n int) (string, error) {
	var b strings.Builder
	base := big.NewInt(int64(len(base36Alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", err
		}
		b.WriteByte(base36Alphabet[idx.Int64()])
	}
	return b.String(), nil
}

// NewProposalNumber formats the monotonically increasing governance proposal
// number: "GOV-" + the sequence left-padded to at least three digits.
func NewProposalNumber(sequence uint64) string {
	s := strconv.FormatUint(sequence, 10)
	if len(s) < 3 {
		s = strings.Repeat("0", 3-len(s)) + s
	}
	return "GOV-" + s
}
