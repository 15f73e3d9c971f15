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

// Package rebase plans and executes commit-graph rewrites: moving one or
// more subtrees of commits onto new parents (spec §4.5 C5 planner, §4.6 C6
// executor).
package rebase

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"branchless.dev/core/dag"
	"branchless.dev/core/internal/gitwire"
	"branchless.dev/core/internal/oid"
)

// MoveRequestKind distinguishes the two move-request forms of spec §4.5.
type MoveRequestKind int

const (
	// MoveSubtreeRequest asks for the commit at Source, and all of its
	// descendants, to be rebuilt on top of Dest (spec's move_subtree).
	MoveSubtreeRequest MoveRequestKind = iota
	// MoveRangeRequest asks for a single linear chain of commits — from
	// just after SourceParent up to and including SourceHead — to be
	// rebuilt on top of Dest, without pulling along any other descendants
	// of SourceParent (spec's move_range).
	MoveRangeRequest
)

// MoveRequest asks for some set of commits to be rebuilt on top of Dest.
//
// For a MoveSubtreeRequest, Source is the subtree root: Source and every
// commit in d.Descendants(Source) is replayed.
//
// For a MoveRangeRequest, SourceParent and SourceHead bound a linear slice:
// every commit in d.Range({SourceParent}, {SourceHead}) other than
// SourceParent itself is replayed, in topological order — commits that
// branch off that chain without being an ancestor of SourceHead are left
// untouched.
type MoveRequest struct {
	Kind MoveRequestKind
	Dest oid.OID

	// Source is the subtree root for a MoveSubtreeRequest.
	Source oid.OID

	// SourceParent and SourceHead bound the slice for a MoveRangeRequest.
	SourceParent oid.OID
	SourceHead   oid.OID
}

// NewMoveSubtree builds a MoveSubtreeRequest moving source (and everything
// under it) onto dest.
func NewMoveSubtree(source, dest oid.OID) MoveRequest {
	return MoveRequest{Kind: MoveSubtreeRequest, Source: source, Dest: dest}
}

// NewMoveRange builds a MoveRangeRequest moving the linear chain strictly
// after sourceParent up through sourceHead onto dest.
func NewMoveRange(dest, sourceParent, sourceHead oid.OID) MoveRequest {
	return MoveRequest{Kind: MoveRangeRequest, Dest: dest, SourceParent: sourceParent, SourceHead: sourceHead}
}

// Permissions governs which commits a plan is allowed to rewrite. Building
// a plan that would rewrite a public/main-branch commit the caller hasn't
// authorized is refused outright (spec §4.5 invariant: "public commits are
// never implicitly rewritten").
type Permissions struct {
	// MainBranch commits (and their ancestors) may never be rewritten
	// unless explicitly present in AllowedOIDs.
	MainBranch oid.OID
	// AllowedOIDs is the set of commits the caller has explicitly
	// confirmed are safe to rewrite even though they're public.
	AllowedOIDs map[oid.OID]bool
}

// VerifyRewriteSet checks that none of the commits in rewritten (every
// commit a plan is about to move) is an ancestor-of-or-equal-to
// p.MainBranch, unless explicitly allowed.
func (p Permissions) VerifyRewriteSet(d *dag.Dag, rewritten []oid.OID) error {
	for _, h := range rewritten {
		if p.AllowedOIDs[h] {
			continue
		}
		if d.IsAncestor(h, p.MainBranch) {
			return fmt.Errorf("rebase: refusing to rewrite public commit %s (ancestor of main branch)", h)
		}
	}
	return nil
}

// StepKind classifies a Plan step.
type StepKind int

const (
	// Pick replays OID's changes onto the current position.
	Pick StepKind = iota
	// PickSkipOnPatchConflict is a Pick that the executor records as
	// skipped, instead of failing, when replaying OID hits a merge
	// conflict. The executor compares no patch-ids for this step, and
	// BuildPlan never emits it: patch-id de-duplication happens at planning
	// time and produces SkipUpstreamAppliedCommit steps.
	PickSkipOnPatchConflict
	// Replace substitutes OID's effect with an already-computed tree,
	// used when a conflict was resolved out-of-band.
	Replace
	// CreateLabel records the current position under a name so a later
	// step can ResetToLabel back to it (used to replay each branch of a
	// fork onto its rewritten parent).
	CreateLabel
	// ResetToLabel moves the current position back to a label created
	// earlier in the plan.
	ResetToLabel
	// ResetToOid moves the current position directly to a fixed commit.
	ResetToOid
	// RegisterExtraPostRewriteHook marks that, once execution reaches this
	// point, the host SCM's own post-rewrite hooks must be signaled to
	// fire even though no ref move triggers them directly (spec §4.6:
	// "emit the RegisterExtraPostRewriteHook marker so the host SCM's own
	// post-rewrite hooks fire"). Carries no payload.
	RegisterExtraPostRewriteHook
	// DetectEmptyCommit asks the executor to check whether replaying OID
	// produced a tree identical to its new parent's, and if so, treat it
	// as a candidate for skipping.
	DetectEmptyCommit
	// SkipUpstreamAppliedCommit skips OID entirely: its patch-id was
	// already present in the destination history before the rebase
	// began.
	SkipUpstreamAppliedCommit
)

func (k StepKind) String() string {
	switch k {
	case Pick:
		return "pick"
	case PickSkipOnPatchConflict:
		return "pick-skip-on-patch-conflict"
	case Replace:
		return "replace"
	case CreateLabel:
		return "create-label"
	case ResetToLabel:
		return "reset-to-label"
	case ResetToOid:
		return "reset-to-oid"
	case RegisterExtraPostRewriteHook:
		return "register-extra-post-rewrite-hook"
	case DetectEmptyCommit:
		return "detect-empty-commit"
	case SkipUpstreamAppliedCommit:
		return "skip-upstream-applied-commit"
	default:
		return "unknown"
	}
}

// Step is a single instruction in a Plan.
type Step struct {
	Kind  StepKind
	OID   oid.OID // the commit being replayed/checked/registered, where applicable
	Label string  // for CreateLabel / ResetToLabel
	Tree  oid.OID // for Replace
}

// Plan is an ordered, linearized sequence of Steps that realizes a set of
// MoveRequests.
type Plan struct {
	Steps []Step
}

// BuildPlan computes the constraint graph implied by requests (each
// request's subtree must land on its Dest), linearizes it into topological
// order by walking the DAG's descendants of each Source, and de-duplicates
// already-applied commits using patch-id comparison against the history
// already reachable from each Dest (spec §4.5).
//
// Building a plan never mutates the repository; it only reads from d and
// computes patch-ids via git.
func BuildPlan(ctx context.Context, git *gitwire.Git, d *dag.Dag, perms Permissions, requests []MoveRequest) (*Plan, error) {
	if len(requests) == 0 {
		return &Plan{}, nil
	}

	var allRewritten []oid.OID
	perRequestOrder := make([][]oid.OID, len(requests))
	for i, r := range requests {
		var order []oid.OID
		var err error
		switch r.Kind {
		case MoveRangeRequest:
			if r.SourceHead == r.Dest {
				return nil, fmt.Errorf("rebase: move range request head and dest are identical (%s)", r.SourceHead)
			}
			order, err = linearizeRange(d, r.SourceParent, r.SourceHead)
		default:
			if r.Source == r.Dest {
				return nil, fmt.Errorf("rebase: move request source and dest are identical (%s)", r.Source)
			}
			order, err = linearizeSubtree(d, r.Source)
		}
		if err != nil {
			return nil, err
		}
		perRequestOrder[i] = order
		allRewritten = append(allRewritten, order...)
	}

	if err := perms.VerifyRewriteSet(d, allRewritten); err != nil {
		return nil, err
	}

	upstreamPatchIDs, err := computeUpstreamPatchIDs(ctx, git, d, requests)
	if err != nil {
		return nil, err
	}
	ownPatchIDs, err := computePatchIDs(ctx, git, allRewritten)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	for i, r := range requests {
		order := perRequestOrder[i]
		scope := make(map[oid.OID]bool, len(order))
		for _, h := range order {
			scope[h] = true
		}

		plan.Steps = append(plan.Steps, Step{Kind: ResetToOid, OID: r.Dest})
		destLabel := labelName(r.Dest)
		plan.Steps = append(plan.Steps, Step{Kind: CreateLabel, Label: destLabel})

		// labelFor and lastPos track, for each original commit OID, the
		// label recording the rewritten position built on top of it, and
		// which one the executor's current position is presently sitting
		// at. Every pick re-bases onto whatever its own original parent
		// was rewritten to, rather than always chaining onto the
		// previously-picked commit — so a fork (two children of one
		// ancestor) has each branch start from the correct base instead
		// of being silently flattened into a line (spec §4.5: "Use
		// CreateLabel/ResetToLabel to handle forks... so each branch
		// starts from the correct base").
		labelFor := map[oid.OID]string{r.Dest: destLabel}
		lastPos := r.Dest

		for _, h := range order {
			parent := r.Dest
			if ps := d.Parents(h); len(ps) > 0 && scope[ps[0]] {
				parent = ps[0]
			}
			if parent != lastPos {
				lbl, ok := labelFor[parent]
				if !ok {
					return nil, fmt.Errorf("rebase: internal error: no rewritten position recorded for %s while planning a fork", parent)
				}
				plan.Steps = append(plan.Steps, Step{Kind: ResetToLabel, Label: lbl})
				lastPos = parent
			}

			if id, ok := ownPatchIDs[h]; ok && id != "" && upstreamPatchIDs[id] {
				plan.Steps = append(plan.Steps, Step{Kind: SkipUpstreamAppliedCommit, OID: h})
			} else {
				plan.Steps = append(plan.Steps, Step{Kind: DetectEmptyCommit, OID: h})
				plan.Steps = append(plan.Steps, Step{Kind: Pick, OID: h})
			}

			lbl := labelName(h)
			plan.Steps = append(plan.Steps, Step{Kind: CreateLabel, Label: lbl})
			labelFor[h] = lbl
			lastPos = h
		}

		plan.Steps = append(plan.Steps, Step{Kind: RegisterExtraPostRewriteHook})
	}
	return plan, nil
}

// labelName derives a rebase-plan label name from the original commit it
// marks the rewritten position of.
func labelName(h oid.OID) string {
	return "orig/" + h.String()
}

// linearizeSubtree returns every descendant of root (including root) in an
// order where a commit always appears after its in-scope parent, using
// Kahn's algorithm restricted to the descendant set.
func linearizeSubtree(d *dag.Dag, root oid.OID) ([]oid.OID, error) {
	scope := make(map[oid.OID]bool)
	for _, h := range d.Descendants(root) {
		scope[h] = true
	}
	return linearizeScope(d, scope, root)
}

// linearizeRange returns the linear chain strictly after sourceParent up
// through sourceHead (spec's move_range slice), topologically ordered. A
// commit that branches off the chain without itself being an ancestor of
// sourceHead is not included, distinguishing this from linearizeSubtree's
// whole-subtree scope.
func linearizeRange(d *dag.Dag, sourceParent, sourceHead oid.OID) ([]oid.OID, error) {
	scope := make(map[oid.OID]bool)
	for _, h := range d.Range([]oid.OID{sourceParent}, []oid.OID{sourceHead}) {
		if h == sourceParent {
			continue
		}
		scope[h] = true
	}
	if len(scope) == 0 {
		return nil, fmt.Errorf("rebase: move range from %s to %s is empty (is sourceParent an ancestor of sourceHead?)", sourceParent, sourceHead)
	}
	return linearizeScope(d, scope, sourceHead)
}

// linearizeScope runs Kahn's algorithm over scope, ordering commits so that
// any in-scope parent appears before its children, breaking ties by OID for
// determinism. label names the request in the cycle error message.
func linearizeScope(d *dag.Dag, scope map[oid.OID]bool, label oid.OID) ([]oid.OID, error) {
	inDegree := make(map[oid.OID]int, len(scope))
	children := make(map[oid.OID][]oid.OID, len(scope))
	for h := range scope {
		for _, p := range d.Parents(h) {
			if !scope[p] {
				continue
			}
			inDegree[h]++
			children[p] = append(children[p], h)
		}
	}

	var queue []oid.OID
	for h := range scope {
		if inDegree[h] == 0 {
			queue = append(queue, h)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].Less(queue[j]) })

	var order []oid.OID
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		order = append(order, h)
		next := append([]oid.OID(nil), children[h]...)
		sort.Slice(next, func(i, j int) bool { return next[i].Less(next[j]) })
		for _, c := range next {
			inDegree[c]--
			if inDegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if len(order) != len(scope) {
		return nil, fmt.Errorf("rebase: cycle detected while linearizing rewrite scope of %s", label)
	}
	return order, nil
}

// computePatchIDs computes the patch-id of every commit in commits in
// parallel, farmed out to a worker pool (spec §5 concurrency model:
// "patch-id computation... farmed out to a worker pool").
func computePatchIDs(ctx context.Context, git *gitwire.Git, commits []oid.OID) (map[oid.OID]string, error) {
	results := make(map[oid.OID]string, len(commits))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range commits {
		h := h
		g.Go(func() error {
			id, err := git.PatchID(gctx, h.String())
			if err != nil {
				return fmt.Errorf("compute patch id for %s: %w", h, err)
			}
			mu.Lock()
			results[h] = id
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// computeUpstreamPatchIDs computes the set of patch-ids already reachable
// from each request's Dest (up to its merge-base with Source), so
// BuildPlan can skip commits that have already been applied upstream —
// grounded on the ancestor-reachability adjustment in the onto.go rebase
// pattern (if the old base is already an ancestor of the new base, those
// commits are already applied and shouldn't be replayed).
func computeUpstreamPatchIDs(ctx context.Context, git *gitwire.Git, d *dag.Dag, requests []MoveRequest) (map[string]bool, error) {
	seen := make(map[oid.OID]bool)
	var candidates []oid.OID
	for _, r := range requests {
		source := r.Source
		if r.Kind == MoveRangeRequest {
			source = r.SourceHead
		}
		mergeBase, ok := d.MergeBaseOne(source, r.Dest)
		if !ok {
			continue
		}
		sharedAncestors := make(map[oid.OID]bool)
		for _, h := range d.Ancestors(mergeBase) {
			sharedAncestors[h] = true
		}
		// Commits unique to Dest's side since it diverged from Source: if
		// one of these already carries the same patch as a commit we're
		// about to replay, the replay is redundant.
		for _, h := range d.Ancestors(r.Dest) {
			if sharedAncestors[h] || seen[h] {
				continue
			}
			seen[h] = true
			candidates = append(candidates, h)
		}
	}
	ids, err := computePatchIDs(ctx, git, candidates)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			out[id] = true
		}
	}
	return out, nil
}
