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

package eventlog

import (
	"fmt"

	"branchless.dev/core/internal/oid"
)

// Kind classifies an Event's payload, determining which of its fields are
// meaningful (spec §3 Event sum type).
type Kind string

const (
	// RefUpdateKind records a reference moving from OldOID to NewOID.
	RefUpdateKind Kind = "ref-update"
	// CommitKind records the creation of a new commit by the working copy.
	CommitKind Kind = "commit"
	// ObsoleteKind marks SubjectOID as obsolete (superseded by a rewrite or
	// explicitly hidden).
	ObsoleteKind Kind = "obsolete"
	// UnobsoleteKind reverses a prior ObsoleteKind event for SubjectOID.
	UnobsoleteKind Kind = "unobsolete"
	// RewriteKind records OldOID being rewritten into NewOID (amend,
	// rebase, or similar history-modifying operation).
	RewriteKind Kind = "rewrite"
	// WorkingCopySnapshotKind records the working copy's state at
	// SubjectOID, independent of any ref update.
	WorkingCopySnapshotKind Kind = "working-copy-snapshot"
)

// Event is a single append-only record in the event log. Exactly which
// fields are populated depends on Kind:
//
//	RefUpdateKind           RefName, OldOID, NewOID
//	CommitKind              SubjectOID
//	ObsoleteKind            SubjectOID
//	UnobsoleteKind          SubjectOID
//	RewriteKind             OldOID, NewOID
//	WorkingCopySnapshotKind SubjectOID
type Event struct {
	ID            int64
	TransactionID TransactionID
	Timestamp     int64 // Unix milliseconds
	Kind          Kind

	RefName    oid.RefName
	SubjectOID oid.MaybeZeroOid
	OldOID     oid.MaybeZeroOid
	NewOID     oid.MaybeZeroOid
	Message    string
}

// TransactionID groups the events produced by a single logical operation
// (e.g. one `git commit`, one rebase), set from BRANCHLESS_TRANSACTION_ID.
type TransactionID string

// MakeTransactionID derives a TransactionID from the caller-supplied
// BRANCHLESS_TRANSACTION_ID environment value, or mints a process-local
// fallback if empty so events are still grouped within a single run.
func MakeTransactionID(envValue string, fallback func() string) TransactionID {
	if envValue != "" {
		return TransactionID(envValue)
	}
	return TransactionID(fallback())
}

// RefUpdate returns a RefUpdateKind event.
func RefUpdate(tx TransactionID, ts int64, ref oid.RefName, oldOID, newOID oid.MaybeZeroOid) Event {
	return Event{TransactionID: tx, Timestamp: ts, Kind: RefUpdateKind, RefName: ref, OldOID: oldOID, NewOID: newOID}
}

// CommitCreated returns a CommitKind event.
func CommitCreated(tx TransactionID, ts int64, h oid.OID) Event {
	return Event{TransactionID: tx, Timestamp: ts, Kind: CommitKind, SubjectOID: oid.NonZero(h)}
}

// Obsolete returns an ObsoleteKind event.
func Obsolete(tx TransactionID, ts int64, h oid.OID) Event {
	return Event{TransactionID: tx, Timestamp: ts, Kind: ObsoleteKind, SubjectOID: oid.NonZero(h)}
}

// Unobsolete returns an UnobsoleteKind event.
func Unobsolete(tx TransactionID, ts int64, h oid.OID) Event {
	return Event{TransactionID: tx, Timestamp: ts, Kind: UnobsoleteKind, SubjectOID: oid.NonZero(h)}
}

// Rewrite returns a RewriteKind event.
func Rewrite(tx TransactionID, ts int64, oldOID, newOID oid.OID) Event {
	return Event{TransactionID: tx, Timestamp: ts, Kind: RewriteKind, OldOID: oid.NonZero(oldOID), NewOID: oid.NonZero(newOID)}
}

// WorkingCopySnapshot returns a WorkingCopySnapshotKind event.
func WorkingCopySnapshot(tx TransactionID, ts int64, h oid.OID) Event {
	return Event{TransactionID: tx, Timestamp: ts, Kind: WorkingCopySnapshotKind, SubjectOID: oid.NonZero(h)}
}

// Validate checks that e's populated fields are consistent with its Kind,
// returning a descriptive error if not.
func (e Event) Validate() error {
	switch e.Kind {
	case RefUpdateKind:
		if e.RefName == "" {
			return fmt.Errorf("eventlog: %s event missing ref name", e.Kind)
		}
	case CommitKind, ObsoleteKind, UnobsoleteKind, WorkingCopySnapshotKind:
		if e.SubjectOID.IsZero() {
			return fmt.Errorf("eventlog: %s event missing subject oid", e.Kind)
		}
	case RewriteKind:
		if e.OldOID.IsZero() || e.NewOID.IsZero() {
			return fmt.Errorf("eventlog: rewrite event missing old or new oid")
		}
	default:
		return fmt.Errorf("eventlog: unknown event kind %q", e.Kind)
	}
	if e.TransactionID == "" {
		return fmt.Errorf("eventlog: %s event missing transaction id", e.Kind)
	}
	return nil
}
