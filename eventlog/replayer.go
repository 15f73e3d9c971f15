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
	"branchless.dev/core/internal/oid"
)

// ActivityStatus is a commit's derived obsolescence state as of a cursor
// position (spec §4.2 / §4.3).
type ActivityStatus int

const (
	// Active means the commit has never been marked obsolete, or was
	// marked obsolete and later unobsoleted, as of the cursor.
	Active ActivityStatus = iota
	// Obsolete means the most recent Obsolete/Unobsolete/Rewrite event
	// affecting the commit as of the cursor left it obsolete.
	Obsolete
	// Inactive means the commit has no events at all as of the cursor
	// (never observed).
	Inactive
)

// Cursor is an immutable snapshot position in the event log: the event ID
// up to and including which replay has been applied. Cursor values are
// comparable and can be stored to resume replay later (spec §4.2).
type Cursor struct {
	eventID int64
}

// MakeDefaultCursor returns the cursor positioned after every event
// currently in the log.
func MakeDefaultCursor(events []Event) Cursor {
	if len(events) == 0 {
		return Cursor{}
	}
	return Cursor{eventID: events[len(events)-1].ID}
}

// CursorAt returns the cursor positioned after eventID.
func CursorAt(eventID int64) Cursor {
	return Cursor{eventID: eventID}
}

// EventID returns the underlying event ID the cursor is positioned at.
func (c Cursor) EventID() int64 { return c.eventID }

func eventsUpTo(events []Event, cur Cursor) []Event {
	if cur.eventID <= 0 {
		return nil
	}
	n := 0
	for n < len(events) && events[n].ID <= cur.eventID {
		n++
	}
	return events[:n]
}

// GetTxEventsBeforeCursor returns the subsequence of events whose ID is
// less than or equal to cur's, preserving log order. It is the building
// block every other cursor query is defined in terms of.
func GetTxEventsBeforeCursor(events []Event, cur Cursor) []Event {
	return eventsUpTo(events, cur)
}

// GetCursorOids returns every OID mentioned as a RefUpdate endpoint,
// Commit, Obsolete, Unobsolete or WorkingCopySnapshot subject, or Rewrite
// endpoint as of cur, in first-seen order.
func GetCursorOids(events []Event, cur Cursor) []oid.OID {
	seen := make(map[oid.OID]bool)
	var order []oid.OID
	add := func(m oid.MaybeZeroOid) {
		h, ok := m.OID()
		if !ok || seen[h] {
			return
		}
		seen[h] = true
		order = append(order, h)
	}
	for _, e := range eventsUpTo(events, cur) {
		switch e.Kind {
		case RefUpdateKind:
			add(e.OldOID)
			add(e.NewOID)
		case CommitKind, ObsoleteKind, UnobsoleteKind, WorkingCopySnapshotKind:
			add(e.SubjectOID)
		case RewriteKind:
			add(e.OldOID)
			add(e.NewOID)
		}
	}
	return order
}

// GetCursorCommitLatestEvent returns the most recent event (as of cur) that
// names h as its subject, old OID, or new OID, or false if h was never
// mentioned.
func GetCursorCommitLatestEvent(events []Event, cur Cursor, h oid.OID) (Event, bool) {
	var latest Event
	found := false
	for _, e := range eventsUpTo(events, cur) {
		if eventMentions(e, h) {
			latest = e
			found = true
		}
	}
	return latest, found
}

func eventMentions(e Event, h oid.OID) bool {
	if sub, ok := e.SubjectOID.OID(); ok && sub == h {
		return true
	}
	if old, ok := e.OldOID.OID(); ok && old == h {
		return true
	}
	if nw, ok := e.NewOID.OID(); ok && nw == h {
		return true
	}
	return false
}

// GetCursorCommitActivityStatus derives h's activity status as of cur by
// scanning the most recent Obsolete/Unobsolete/Rewrite event naming h
// (spec §4.2): a commit that is the *old* side of a Rewrite is obsolete;
// one that is the *new* side, or never rewritten away, is active.
func GetCursorCommitActivityStatus(events []Event, cur Cursor, h oid.OID) ActivityStatus {
	status := Inactive
	for _, e := range eventsUpTo(events, cur) {
		switch e.Kind {
		case CommitKind:
			if sub, ok := e.SubjectOID.OID(); ok && sub == h {
				if status == Inactive {
					status = Active
				}
			}
		case ObsoleteKind:
			if sub, ok := e.SubjectOID.OID(); ok && sub == h {
				status = Obsolete
			}
		case UnobsoleteKind:
			if sub, ok := e.SubjectOID.OID(); ok && sub == h {
				status = Active
			}
		case RewriteKind:
			if old, ok := e.OldOID.OID(); ok && old == h {
				status = Obsolete
			}
			if nw, ok := e.NewOID.OID(); ok && nw == h {
				status = Active
			}
		case RefUpdateKind:
			if status != Inactive {
				continue
			}
			if old, ok := e.OldOID.OID(); ok && old == h {
				status = Active
			}
			if nw, ok := e.NewOID.OID(); ok && nw == h {
				status = Active
			}
		case WorkingCopySnapshotKind:
			if sub, ok := e.SubjectOID.OID(); ok && sub == h {
				if status == Inactive {
					status = Active
				}
			}
		}
	}
	return status
}

// GetReferencesSnapshot returns the value every reference held as of cur,
// replaying RefUpdate events in order; a ref last updated to oid.Zero is
// considered deleted and omitted from the result.
func GetReferencesSnapshot(events []Event, cur Cursor) map[oid.RefName]oid.OID {
	refs := make(map[oid.RefName]oid.OID)
	for _, e := range eventsUpTo(events, cur) {
		if e.Kind != RefUpdateKind {
			continue
		}
		if h, ok := e.NewOID.OID(); ok {
			refs[e.RefName] = h
		} else {
			delete(refs, e.RefName)
		}
	}
	return refs
}

// AdvanceCursorByTransaction returns the cursor positioned just after the
// last event belonging to the transaction that starts immediately after
// cur, or cur unchanged if there is no such transaction (end of log). This
// lets the undo engine step one logical operation at a time rather than
// one raw event at a time (spec §4.7).
func AdvanceCursorByTransaction(events []Event, cur Cursor) Cursor {
	rest := events[len(eventsUpTo(events, cur)):]
	if len(rest) == 0 {
		return cur
	}
	tx := rest[0].TransactionID
	next := cur
	for _, e := range rest {
		if e.TransactionID != tx {
			break
		}
		next = CursorAt(e.ID)
	}
	return next
}

// RetreatCursorByTransaction returns the cursor positioned just before the
// transaction ending at cur, i.e. the position the undo engine must roll
// back to in order to undo that single transaction.
func RetreatCursorByTransaction(events []Event, cur Cursor) Cursor {
	upTo := eventsUpTo(events, cur)
	if len(upTo) == 0 {
		return cur
	}
	tx := upTo[len(upTo)-1].TransactionID
	i := len(upTo) - 1
	for i >= 0 && upTo[i].TransactionID == tx {
		i--
	}
	if i < 0 {
		return Cursor{}
	}
	return CursorAt(upTo[i].ID)
}

// RewriteTarget resolves h through the transitive closure of Rewrite
// events as of cur, following old->new chains, and reports whether h was
// rewritten at all. A rewrite chain that revisits an OID it has already
// seen (a cycle, which should not occur in a well-formed log but is
// defended against per the preserved open question on malformed/replayed
// logs) stops and returns the first OID the chain revisits, rather than
// looping forever or erroring.
func RewriteTarget(events []Event, cur Cursor, h oid.OID) (oid.OID, bool) {
	next := make(map[oid.OID]oid.OID)
	for _, e := range eventsUpTo(events, cur) {
		if e.Kind != RewriteKind {
			continue
		}
		old, ok1 := e.OldOID.OID()
		nw, ok2 := e.NewOID.OID()
		if ok1 && ok2 {
			next[old] = nw
		}
	}
	cur2 := h
	rewritten := false
	seen := map[oid.OID]bool{cur2: true}
	for {
		n, ok := next[cur2]
		if !ok {
			break
		}
		rewritten = true
		if seen[n] {
			cur2 = n
			break
		}
		seen[n] = true
		cur2 = n
	}
	return cur2, rewritten
}
