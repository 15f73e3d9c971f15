// Copyright 2018 Google LLC
// Copyright 2021 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package oid defines the commit identifier and reference-name types shared
// by every core component: the event log, the DAG, the rebase planner and
// executor, and the undo engine.
package oid

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Size is the number of bytes in an OID.
const Size = 20

// OID is a 20-byte content-addressed commit identifier.
type OID [Size]byte

// ParseOID parses a hex-encoded commit hash.
func ParseOID(s string) (OID, error) {
	var h OID
	if len(s) != hex.EncodedLen(Size) {
		return OID{}, fmt.Errorf("parse oid %q: wrong size", s)
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return OID{}, fmt.Errorf("parse oid %q: %w", s, err)
	}
	return h, nil
}

// String returns the hex encoding of the OID.
func (h OID) String() string {
	buf := make([]byte, hex.EncodedLen(Size))
	hex.Encode(buf, h[:])
	return string(buf)
}

// IsZero reports whether h is the all-zero OID.
func (h OID) IsZero() bool {
	return h == OID{}
}

// Less reports whether h sorts before other, used to make merge-base and
// other multi-candidate queries deterministic.
func (h OID) Less(other OID) bool {
	return h.String() < other.String()
}

// MaybeZeroOid is either the sentinel Zero value (meaning "no object", used
// to represent ref creation/deletion endpoints) or a concrete commit OID.
// The zero value of MaybeZeroOid is the Zero sentinel.
type MaybeZeroOid struct {
	oid     OID
	nonZero bool
}

// Zero is the sentinel MaybeZeroOid meaning "no object".
var Zero MaybeZeroOid

// NonZero wraps a concrete OID. It panics if h is the all-zero hash, since
// an all-zero OID is never a valid commit (spec §3).
func NonZero(h OID) MaybeZeroOid {
	if h.IsZero() {
		panic("oid: NonZero called with all-zero OID")
	}
	return MaybeZeroOid{oid: h, nonZero: true}
}

// IsZero reports whether m is the Zero sentinel.
func (m MaybeZeroOid) IsZero() bool {
	return !m.nonZero
}

// OID returns the concrete OID and true, or the zero OID and false if m is
// the Zero sentinel.
func (m MaybeZeroOid) OID() (OID, bool) {
	return m.oid, m.nonZero
}

// String renders the OID, or the literal zero hash for the sentinel.
func (m MaybeZeroOid) String() string {
	if !m.nonZero {
		return OID{}.String()
	}
	return m.oid.String()
}

// RefName is a reference path, such as "refs/heads/main". It is usually
// UTF-8 but is treated as an opaque byte string.
type RefName string

// RefCategory classifies a RefName for display and filtering purposes.
type RefCategory int

const (
	// OtherRef is any reference that isn't recognized as one of the other
	// categories.
	OtherRef RefCategory = iota
	// LocalBranchRef is a reference under refs/heads/.
	LocalBranchRef
	// RemoteBranchRef is a reference under refs/remotes/.
	RemoteBranchRef
	// InternalRef is a reference under refs/branchless/, used to keep
	// commits reachable against garbage collection. Hidden from user-facing
	// ref listings.
	InternalRef
)

const (
	localBranchPrefix  = "refs/heads/"
	remoteBranchPrefix = "refs/remotes/"
	internalPrefix     = "refs/branchless/"
)

// Category classifies r.
func (r RefName) Category() RefCategory {
	switch {
	case strings.HasPrefix(string(r), localBranchPrefix):
		return LocalBranchRef
	case strings.HasPrefix(string(r), remoteBranchPrefix):
		return RemoteBranchRef
	case strings.HasPrefix(string(r), internalPrefix):
		return InternalRef
	default:
		return OtherRef
	}
}

// BranchName returns the short branch name for a local or remote branch ref,
// and false for any other category.
func (r RefName) BranchName() (string, bool) {
	switch r.Category() {
	case LocalBranchRef:
		return string(r)[len(localBranchPrefix):], true
	case RemoteBranchRef:
		return string(r)[len(remoteBranchPrefix):], true
	default:
		return "", false
	}
}

// ErrEmptyRefName is returned by validation helpers when given an empty ref name.
var ErrEmptyRefName = errors.New("oid: empty reference name")
