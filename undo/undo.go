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

// Package undo navigates the event log backward or forward and synthesizes
// the compensating event sequence that returns the repository to a prior
// state (spec §4.7, C7). Applying an undo is itself recorded as ordinary
// events, so an undo can always be undone in turn.
package undo

import (
	"context"
	"fmt"

	"branchless.dev/core/eventlog"
	"branchless.dev/core/internal/gitwire"
	"branchless.dev/core/internal/oid"
)

// ActionKind classifies a single InverseAction.
type ActionKind int

const (
	// InverseRefUpdate moves RefName from Old back to New (Old/New already
	// swapped relative to the original event).
	InverseRefUpdate ActionKind = iota
	// InverseObsolete marks SubjectOID obsolete.
	InverseObsolete
	// InverseUnobsolete marks SubjectOID active again.
	InverseUnobsolete
	// InverseRewrite records New being rewritten back into Old, the reverse
	// of the original Rewrite{Old, New}.
	InverseRewrite
	// InverseCheckout restores the working copy to SubjectOID, undoing a
	// WorkingCopySnapshot event.
	InverseCheckout
)

func (k ActionKind) String() string {
	switch k {
	case InverseRefUpdate:
		return "ref-update"
	case InverseObsolete:
		return "obsolete"
	case InverseUnobsolete:
		return "unobsolete"
	case InverseRewrite:
		return "rewrite"
	case InverseCheckout:
		return "checkout"
	default:
		return "unknown"
	}
}

// InverseAction is one compensating step computed by InverseActions. It is
// presented to the user for confirmation before Apply commits it (spec
// §4.7 step 4: "present inverse actions to the user for confirmation").
type InverseAction struct {
	Kind ActionKind

	RefName    oid.RefName
	SubjectOID oid.OID
	OldOID     oid.MaybeZeroOid
	NewOID     oid.MaybeZeroOid

	// SourceEvent is the original event this action inverts, kept for
	// display ("undoing: <description of SourceEvent>").
	SourceEvent eventlog.Event
}

// InverseActions folds every event strictly after targetCursor and up to
// and including nowCursor, in reverse order, into the list of compensating
// actions that would undo them (spec §4.7 steps 1-3).
func InverseActions(events []eventlog.Event, nowCursor, targetCursor eventlog.Cursor) []InverseAction {
	all := eventlog.GetTxEventsBeforeCursor(events, nowCursor)
	startIdx := 0
	for startIdx < len(all) && all[startIdx].ID <= targetCursor.EventID() {
		startIdx++
	}
	toUndo := all[startIdx:]

	var actions []InverseAction
	for i := len(toUndo) - 1; i >= 0; i-- {
		e := toUndo[i]
		switch e.Kind {
		case eventlog.RefUpdateKind:
			actions = append(actions, InverseAction{
				Kind:        InverseRefUpdate,
				RefName:     e.RefName,
				OldOID:      e.NewOID,
				NewOID:      e.OldOID,
				SourceEvent: e,
			})
		case eventlog.CommitKind:
			if h, ok := e.SubjectOID.OID(); ok {
				actions = append(actions, InverseAction{Kind: InverseObsolete, SubjectOID: h, SourceEvent: e})
			}
		case eventlog.ObsoleteKind:
			if h, ok := e.SubjectOID.OID(); ok {
				actions = append(actions, InverseAction{Kind: InverseUnobsolete, SubjectOID: h, SourceEvent: e})
			}
		case eventlog.UnobsoleteKind:
			if h, ok := e.SubjectOID.OID(); ok {
				actions = append(actions, InverseAction{Kind: InverseObsolete, SubjectOID: h, SourceEvent: e})
			}
		case eventlog.RewriteKind:
			actions = append(actions, InverseAction{
				Kind:        InverseRewrite,
				OldOID:      e.NewOID,
				NewOID:      e.OldOID,
				SourceEvent: e,
			})
			if h, ok := e.OldOID.OID(); ok {
				if refs := refsPointingAt(events, nowCursor, e.NewOID); len(refs) > 0 {
					for _, refName := range refs {
						actions = append(actions, InverseAction{
							Kind:        InverseRefUpdate,
							RefName:     refName,
							OldOID:      e.NewOID,
							NewOID:      oid.NonZero(h),
							SourceEvent: e,
						})
					}
				}
			}
		case eventlog.WorkingCopySnapshotKind:
			if h, ok := e.SubjectOID.OID(); ok {
				actions = append(actions, InverseAction{Kind: InverseCheckout, SubjectOID: h, SourceEvent: e})
			}
		}
	}
	return actions
}

// refsPointingAt returns every ref name currently (as of cur) pointed at m,
// used to retarget refs that followed a rewrite back to the rewrite's
// original commit when that rewrite is undone.
func refsPointingAt(events []eventlog.Event, cur eventlog.Cursor, m oid.MaybeZeroOid) []oid.RefName {
	target, ok := m.OID()
	if !ok {
		return nil
	}
	snapshot := eventlog.GetReferencesSnapshot(events, cur)
	var out []oid.RefName
	for name, h := range snapshot {
		if h == target {
			out = append(out, name)
		}
	}
	return out
}

// Engine applies undo operations against a real repository: ref updates go
// through git, and the resulting inverse events are appended to store in
// one transaction (spec §4.7 step 5).
type Engine struct {
	git   *gitwire.Git
	store *eventlog.Store
}

// NewEngine creates an Engine bound to git and store.
func NewEngine(git *gitwire.Git, store *eventlog.Store) *Engine {
	return &Engine{git: git, store: store}
}

// Apply executes actions in order: every InverseRefUpdate is applied as a
// compare-and-swap `update-ref` against git, InverseCheckout detaches HEAD
// onto its target, and every action (including the checkout, recorded as a
// WorkingCopySnapshot) is written to the event log as a single transaction
// tagged tx, so the whole undo is itself one undoable operation.
func (e *Engine) Apply(ctx context.Context, tx eventlog.TransactionID, nowUnixMs int64, actions []InverseAction) error {
	var events []eventlog.Event
	for _, a := range actions {
		switch a.Kind {
		case InverseRefUpdate:
			if err := e.git.UpdateRef(ctx, string(a.RefName), a.NewOID, a.OldOID); err != nil {
				return fmt.Errorf("undo: apply ref update %s: %w", a.RefName, err)
			}
			events = append(events, eventlog.RefUpdate(tx, nowUnixMs, a.RefName, a.OldOID, a.NewOID))
		case InverseObsolete:
			events = append(events, eventlog.Obsolete(tx, nowUnixMs, a.SubjectOID))
		case InverseUnobsolete:
			events = append(events, eventlog.Unobsolete(tx, nowUnixMs, a.SubjectOID))
		case InverseRewrite:
			oldOID, ok1 := a.OldOID.OID()
			newOID, ok2 := a.NewOID.OID()
			if !ok1 || !ok2 {
				return fmt.Errorf("undo: apply rewrite: missing old or new oid")
			}
			events = append(events, eventlog.Rewrite(tx, nowUnixMs, oldOID, newOID))
		case InverseCheckout:
			if err := e.git.CheckoutCommit(ctx, a.SubjectOID); err != nil {
				return fmt.Errorf("undo: apply checkout %s: %w", a.SubjectOID, err)
			}
			events = append(events, eventlog.WorkingCopySnapshot(tx, nowUnixMs, a.SubjectOID))
		default:
			return fmt.Errorf("undo: apply: unknown action kind %v", a.Kind)
		}
	}
	if len(events) == 0 {
		return nil
	}
	if err := e.store.AddEvents(ctx, tx, "undo", nowUnixMs, events); err != nil {
		return fmt.Errorf("undo: apply: record inverse events: %w", err)
	}
	return nil
}
