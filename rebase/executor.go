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
	"branchless.dev/core/internal/gitwire"
	"branchless.dev/core/internal/oid"
)

// RewriteRecord describes one commit's fate during execution, sufficient to
// emit a Rewrite event afterward (spec §4.6: "executing a plan must record
// enough to post a Rewrite event per replayed commit").
type RewriteRecord struct {
	Old oid.OID
	// New is the resulting commit, or the Zero sentinel if Old was skipped
	// (SkipUpstreamAppliedCommit, or DetectEmptyCommit collapsed it into its
	// parent).
	New oid.MaybeZeroOid
}

// Result is the outcome of executing a Plan.
type Result struct {
	// Head is the final commit position after applying every step; the
	// caller is responsible for moving whatever ref the move logically
	// belongs to onto it.
	Head oid.OID
	// Rewrites is one RewriteRecord per Pick/Replace/Skip step encountered,
	// in plan order.
	Rewrites []RewriteRecord
	// ExtraPostRewriteHookRequested is set when the plan carried a
	// RegisterExtraPostRewriteHook step, telling the caller to invoke the
	// host SCM's own post-rewrite hooks once it has posted Rewrite events
	// and moved refs (spec §4.6 "Post-success... emit the
	// RegisterExtraPostRewriteHook marker so the host SCM's own
	// post-rewrite hooks fire").
	ExtraPostRewriteHookRequested bool
}

// Executor replays a Plan in memory, never touching the working tree, the
// index, or HEAD: every step is realized with `git merge-tree --write-tree`
// (three-way merge of a commit's changes onto the current position) and
// `git commit-tree` (materializing the result), the same plumbing-only
// technique as onto.go's in-memory branch move but generalized to an
// arbitrary sequence of steps (spec §4.6 "in-memory execution mode").
type Executor struct {
	git *gitwire.Git
	d   *dag.Dag
	log *logrus.Entry
}

// NewExecutor creates an Executor that indexes newly-created commits into d
// as it replays them, so the DAG stays consistent without a re-sync.
func NewExecutor(git *gitwire.Git, d *dag.Dag, log *logrus.Entry) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Executor{git: git, d: d, log: log}
}

// Execute replays plan in memory, starting from whatever position the
// plan's own ResetToOid/ResetToLabel steps establish. It returns the final
// head commit and a record of every rewrite, for the caller to post as
// Rewrite events and move refs (spec §4.1/§4.6).
func (e *Executor) Execute(ctx context.Context, plan *Plan) (Result, error) {
	var (
		current oid.OID
		hasHead bool
		labels  = make(map[string]oid.OID)
		result  Result
	)

	for i, step := range plan.Steps {
		switch step.Kind {
		case ResetToOid:
			current = step.OID
			hasHead = true

		case CreateLabel:
			if !hasHead {
				return Result{}, fmt.Errorf("rebase: execute: create-label %q before any position was established", step.Label)
			}
			labels[step.Label] = current

		case ResetToLabel:
			h, ok := labels[step.Label]
			if !ok {
				return Result{}, fmt.Errorf("rebase: execute: reset-to-label %q: no such label", step.Label)
			}
			current = h
			hasHead = true

		case SkipUpstreamAppliedCommit:
			result.Rewrites = append(result.Rewrites, RewriteRecord{Old: step.OID, New: oid.Zero})

		case DetectEmptyCommit:
			// Paired with the following Pick step (BuildPlan always emits
			// them together); the actual emptiness check happens as part of
			// replaying that Pick, since it needs the computed tree.

		case Pick, PickSkipOnPatchConflict:
			if !hasHead {
				return Result{}, fmt.Errorf("rebase: execute: pick %s before any position was established", step.OID)
			}
			hdr, err := e.git.CatFileCommit(ctx, step.OID.String())
			if err != nil {
				return Result{}, fmt.Errorf("rebase: execute: pick %s: %w", step.OID, err)
			}
			var base oid.OID
			if len(hdr.Parents) > 0 {
				base = hdr.Parents[0]
			}
			merged, err := e.git.MergeTreeWriteTree(ctx, base, current, step.OID)
			if err != nil {
				return Result{}, fmt.Errorf("rebase: execute: pick %s: %w", step.OID, err)
			}
			if merged.Conflicts {
				if step.Kind == PickSkipOnPatchConflict {
					result.Rewrites = append(result.Rewrites, RewriteRecord{Old: step.OID, New: oid.Zero})
					continue
				}
				return Result{}, fmt.Errorf("rebase: execute: pick %s: merge conflict replaying onto %s", step.OID, current)
			}

			skippedEmpty := false
			if prevWasDetectEmpty(plan.Steps, i) {
				currentTree, err := e.treeOf(ctx, current)
				if err != nil {
					return Result{}, fmt.Errorf("rebase: execute: pick %s: %w", step.OID, err)
				}
				if merged.Tree == currentTree {
					skippedEmpty = true
				}
			}
			if skippedEmpty {
				result.Rewrites = append(result.Rewrites, RewriteRecord{Old: step.OID, New: oid.Zero})
				continue
			}

			newCommit, err := e.git.CommitTree(ctx, merged.Tree, []oid.OID{current}, hdr.Subject, hdr.Author)
			if err != nil {
				return Result{}, fmt.Errorf("rebase: execute: pick %s: commit-tree: %w", step.OID, err)
			}
			e.d.IndexCommit(newCommit, []oid.OID{current}, hdr.CommitterUnixTime)
			result.Rewrites = append(result.Rewrites, RewriteRecord{Old: step.OID, New: oid.NonZero(newCommit)})
			current = newCommit

		case Replace:
			if !hasHead {
				return Result{}, fmt.Errorf("rebase: execute: replace %s before any position was established", step.OID)
			}
			hdr, err := e.git.CatFileCommit(ctx, step.OID.String())
			if err != nil {
				return Result{}, fmt.Errorf("rebase: execute: replace %s: %w", step.OID, err)
			}
			newCommit, err := e.git.CommitTree(ctx, step.Tree, []oid.OID{current}, hdr.Subject, hdr.Author)
			if err != nil {
				return Result{}, fmt.Errorf("rebase: execute: replace %s: commit-tree: %w", step.OID, err)
			}
			e.d.IndexCommit(newCommit, []oid.OID{current}, hdr.CommitterUnixTime)
			result.Rewrites = append(result.Rewrites, RewriteRecord{Old: step.OID, New: oid.NonZero(newCommit)})
			current = newCommit

		case RegisterExtraPostRewriteHook:
			result.ExtraPostRewriteHookRequested = true

		default:
			return Result{}, fmt.Errorf("rebase: execute: unknown step kind %v", step.Kind)
		}
	}

	if !hasHead {
		return Result{}, fmt.Errorf("rebase: execute: plan never established a position")
	}
	result.Head = current
	return result, nil
}

func prevWasDetectEmpty(steps []Step, i int) bool {
	return i > 0 && steps[i-1].Kind == DetectEmptyCommit && steps[i-1].OID == steps[i].OID
}

func (e *Executor) treeOf(ctx context.Context, h oid.OID) (oid.OID, error) {
	hdr, err := e.git.CatFileCommit(ctx, h.String())
	if err != nil {
		return oid.OID{}, err
	}
	return hdr.Tree, nil
}

// ExecuteOnDisk drives the on-disk execution mode: a real interactive rebase
// using git's own conflict-resolution UX, for callers that want to stop and
// let the user resolve a conflict by hand rather than aborting the whole
// move (spec §4.6 "on-disk execution mode"). todoScript is an executable
// GIT_SEQUENCE_EDITOR-compatible script that rewrites git's generated
// rebase-todo into the plan's step sequence.
func ExecuteOnDisk(ctx context.Context, git *gitwire.Git, onto oid.OID, todoScript string) error {
	return git.RebaseOnDisk(ctx, onto.String(), todoScript)
}
