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

package rebase

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"branchless.dev/core/dag"
	"branchless.dev/core/eventlog"
	"branchless.dev/core/internal/gitwire"
)

// Restacker finds commits abandoned by a rewrite (children of a now-obsolete
// commit that weren't themselves part of that rewrite) and replays them onto
// the obsolete commit's rewrite target, the same way the host SCM's restack
// command reattaches descendants left behind after an in-place amend (spec
// §4.6 "Restack pass: after a successful execution, for every now-obsolete
// commit with children not in the rewrite set, plan a move of those children
// onto the rewrite target; loop until no more abandoned children exist";
// demonstrated by spec §8 scenario 1, amending A into A' must auto-restack
// A's children B and C into B' and C').
type Restacker struct {
	git   *gitwire.Git
	d     *dag.Dag
	store *eventlog.Store
	exec  *Executor
	log   *logrus.Entry
}

// NewRestacker creates a Restacker that replays abandoned subtrees with
// exec and records the resulting rewrites in store.
func NewRestacker(git *gitwire.Git, d *dag.Dag, store *eventlog.Store, exec *Executor, log *logrus.Entry) *Restacker {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Restacker{git: git, d: d, store: store, exec: exec, log: log}
}

// Run drives the restack loop to convergence: each pass re-reads the event
// log, finds every commit left behind by a now-obsolete parent, replays all
// of them in a single combined plan, and records the resulting Rewrite
// events before looping again, since executing one pass's plan can itself
// leave a further round of commits obsolete. It stops as soon as a pass
// finds nothing to restack and returns every RewriteRecord produced across
// every pass, in pass order.
func (rs *Restacker) Run(ctx context.Context, tx eventlog.TransactionID, nowUnixMs int64, perms Permissions) ([]RewriteRecord, error) {
	var all []RewriteRecord
	for {
		events, err := rs.store.GetEvents(ctx)
		if err != nil {
			return all, fmt.Errorf("rebase: restack: %w", err)
		}
		cursor := eventlog.MakeDefaultCursor(events)

		requests := rs.findAbandonedChildren(events, cursor)
		if len(requests) == 0 {
			return all, nil
		}

		plan, err := BuildPlan(ctx, rs.git, rs.d, perms, requests)
		if err != nil {
			return all, fmt.Errorf("rebase: restack: build plan: %w", err)
		}
		result, err := rs.exec.Execute(ctx, plan)
		if err != nil {
			return all, fmt.Errorf("rebase: restack: execute: %w", err)
		}

		var rewriteEvents []eventlog.Event
		for _, rec := range result.Rewrites {
			newOID, ok := rec.New.OID()
			if !ok {
				continue
			}
			rewriteEvents = append(rewriteEvents, eventlog.Rewrite(tx, nowUnixMs, rec.Old, newOID))
		}
		if len(rewriteEvents) > 0 {
			if err := rs.store.AddEvents(ctx, tx, "restack", nowUnixMs, rewriteEvents); err != nil {
				return all, fmt.Errorf("rebase: restack: record rewrites: %w", err)
			}
		}
		all = append(all, result.Rewrites...)
	}
}

// findAbandonedChildren returns one MoveSubtreeRequest per indexed commit
// that is a direct child of a now-obsolete commit but is not itself
// obsolete as of cursor: a commit left behind by a rewrite of its parent,
// destined for that parent's rewrite target.
func (rs *Restacker) findAbandonedChildren(events []eventlog.Event, cursor eventlog.Cursor) []MoveRequest {
	var requests []MoveRequest
	for _, parent := range rs.d.QueryObsoleteCommits(events, cursor) {
		target, rewritten := eventlog.RewriteTarget(events, cursor, parent)
		if !rewritten {
			// Obsolete but never rewritten to anything (e.g. explicitly
			// hidden rather than replayed) has no destination to restack
			// abandoned children onto.
			continue
		}
		for _, child := range rs.d.Children(parent) {
			if eventlog.GetCursorCommitActivityStatus(events, cursor, child) == eventlog.Obsolete {
				continue
			}
			requests = append(requests, NewMoveSubtree(child, target))
		}
	}
	return requests
}
