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

// Package dag maintains an in-memory commit graph synchronized from the
// underlying repository, and answers ancestry queries over it (spec §4.3,
// C3).
package dag

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"branchless.dev/core/eventlog"
	"branchless.dev/core/internal/gitwire"
	"branchless.dev/core/internal/oid"
)

// commit is the graph's internal representation of a single vertex: just
// enough of the git commit object to answer ancestry queries without
// reopening it.
type commit struct {
	oid        oid.OID
	parents    []oid.OID
	committerUnixTime int64
}

// Dag is an in-memory index of reachable commits, synchronized lazily from
// a git repository by walking parent links from a set of head references
// (spec §4.3: "synchronize by walking parents from heads until reaching
// previously-indexed vertices").
type Dag struct {
	git *gitwire.Git
	log *logrus.Entry

	mu      sync.RWMutex
	commits map[oid.OID]*commit
	heads   map[oid.RefName]oid.OID
}

// New creates an empty Dag bound to git. Call Sync to populate it.
func New(git *gitwire.Git, log *logrus.Entry) *Dag {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Dag{
		git:     git,
		log:     log,
		commits: make(map[oid.OID]*commit),
		heads:   make(map[oid.RefName]oid.OID),
	}
}

// Sync walks every ref matching "refs/heads/", "refs/remotes/", and
// "refs/branchless/" and indexes any commit reachable from them that isn't
// already indexed, stopping each walk as soon as it reaches a
// previously-indexed vertex — the same shortcut google-skia-buildbot's
// repograph takes when a branch's old head is an ancestor of its new head.
// Sync does not compare a ref's old and new heads: every walk starts at the
// ref's current target and stops at indexed commits, and commits that are
// no longer reachable stay indexed.
func (d *Dag) Sync(ctx context.Context) error {
	refs := make(map[oid.RefName]oid.OID)
	for _, pattern := range []string{"refs/heads/", "refs/remotes/", "refs/branchless/"} {
		m, err := d.git.ForEachRef(ctx, pattern)
		if err != nil {
			return fmt.Errorf("dag: sync: %w", err)
		}
		for k, v := range m {
			refs[k] = v
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for name, newHead := range refs {
		oldHead, hadOld := d.heads[name]
		if hadOld && oldHead == newHead {
			continue
		}
		if err := d.syncOneLocked(ctx, newHead); err != nil {
			return fmt.Errorf("dag: sync %s: %w", name, err)
		}
		d.heads[name] = newHead
	}
	return nil
}

func (d *Dag) syncOneLocked(ctx context.Context, head oid.OID) error {
	if _, ok := d.commits[head]; ok {
		return nil
	}
	stack := []oid.OID{head}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := d.commits[h]; ok {
			continue
		}
		hdr, err := d.git.CatFileCommit(ctx, h.String())
		if err != nil {
			d.log.WithField("oid", h.String()).Warn("dag: commit missing during sync, skipping")
			continue
		}
		d.commits[h] = &commit{oid: h, parents: hdr.Parents, committerUnixTime: hdr.CommitterUnixTime}
		stack = append(stack, hdr.Parents...)
	}
	return nil
}

// IndexCommit directly inserts a commit into the graph without requiring a
// git subprocess round-trip, used by the rebase executor to keep the DAG
// current after creating commits in-memory.
func (d *Dag) IndexCommit(h oid.OID, parents []oid.OID, committerUnixTime int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commits[h] = &commit{oid: h, parents: append([]oid.OID(nil), parents...), committerUnixTime: committerUnixTime}
}

// CommitTime returns the indexed commit's committer Unix timestamp, or 0 if
// h is not indexed.
func (d *Dag) CommitTime(h oid.OID) int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.commits[h]
	if !ok {
		return 0
	}
	return c.committerUnixTime
}

// Contains reports whether h has been indexed.
func (d *Dag) Contains(h oid.OID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.commits[h]
	return ok
}

// Parents returns h's immediate parents, or nil if h is not indexed.
func (d *Dag) Parents(h oid.OID) []oid.OID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.commits[h]
	if !ok {
		return nil
	}
	return append([]oid.OID(nil), c.parents...)
}

// Children returns every indexed commit that has h as a parent.
func (d *Dag) Children(h oid.OID) []oid.OID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []oid.OID
	for other, c := range d.commits {
		for _, p := range c.parents {
			if p == h {
				out = append(out, other)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// IsAncestor reports whether ancestor is h or a transitive parent of h.
func (d *Dag) IsAncestor(ancestor, h oid.OID) bool {
	if ancestor == h {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	visited := make(map[oid.OID]bool)
	stack := []oid.OID{h}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == ancestor {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		c, ok := d.commits[cur]
		if !ok {
			continue
		}
		stack = append(stack, c.parents...)
	}
	return false
}

// Ancestors returns every indexed ancestor of h (including h itself), in no
// particular order.
func (d *Dag) Ancestors(h oid.OID) []oid.OID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ancestorsLocked(h)
}

func (d *Dag) ancestorsLocked(h oid.OID) []oid.OID {
	visited := make(map[oid.OID]bool)
	stack := []oid.OID{h}
	var out []oid.OID
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		out = append(out, cur)
		if c, ok := d.commits[cur]; ok {
			stack = append(stack, c.parents...)
		}
	}
	return out
}

// Descendants returns every indexed commit reachable from an indexed head
// by walking child links, starting at h (including h itself).
func (d *Dag) Descendants(h oid.OID) []oid.OID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	childOf := make(map[oid.OID][]oid.OID, len(d.commits))
	for c, info := range d.commits {
		for _, p := range info.parents {
			childOf[p] = append(childOf[p], c)
		}
	}
	visited := make(map[oid.OID]bool)
	stack := []oid.OID{h}
	var out []oid.OID
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		out = append(out, cur)
		stack = append(stack, childOf[cur]...)
	}
	return out
}

// Roots returns every indexed commit with no indexed parents.
func (d *Dag) Roots() []oid.OID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []oid.OID
	for h, c := range d.commits {
		hasIndexedParent := false
		for _, p := range c.parents {
			if _, ok := d.commits[p]; ok {
				hasIndexedParent = true
				break
			}
		}
		if !hasIndexedParent {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// MergeBaseOne returns the best common ancestor of a and b: among the
// common ancestors that are not themselves an ancestor of another common
// ancestor (the maximal/"greatest" common ancestors), it deterministically
// picks the lexicographically smallest OID so that query results are
// stable across runs when more than one qualifies, i.e. a criss-cross merge
// (spec §4.3 "merge_base_one(a, b) -> oid? (greatest common ancestor; if
// multiple, choose the lexicographically smallest vertex)").
func (d *Dag) MergeBaseOne(a, b oid.OID) (oid.OID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	aAncestors := make(map[oid.OID]bool)
	for _, h := range d.ancestorsLocked(a) {
		aAncestors[h] = true
	}

	var common []oid.OID
	for _, h := range d.ancestorsLocked(b) {
		if aAncestors[h] {
			common = append(common, h)
		}
	}
	if len(common) == 0 {
		return oid.OID{}, false
	}

	var best oid.OID
	found := false
	for _, h := range common {
		maximal := true
		for _, other := range common {
			if other == h {
				continue
			}
			// h is not maximal if it is a strict ancestor of another
			// common ancestor: some other common ancestor is strictly
			// closer to both a and b.
			if h != other && d.isAncestorLocked(h, other) {
				maximal = false
				break
			}
		}
		if !maximal {
			continue
		}
		if !found || h.Less(best) {
			best = h
			found = true
		}
	}
	return best, found
}

// isAncestorLocked reports whether ancestor is h or a transitive parent of
// h, assuming d.mu is already held.
func (d *Dag) isAncestorLocked(ancestor, h oid.OID) bool {
	if ancestor == h {
		return true
	}
	visited := make(map[oid.OID]bool)
	stack := []oid.OID{h}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == ancestor {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		c, ok := d.commits[cur]
		if !ok {
			continue
		}
		stack = append(stack, c.parents...)
	}
	return false
}

// FindPathToMergeBase returns the path of commits from h down to (and
// including) mergeBase, ordered from h to mergeBase: computed as
// range(mergeBase, h) sorted topologically and then reversed (spec §4.3
// "find_path_to_merge_base(src, target) -> [Commit]?... computed as
// range(target, src) sorted topologically"). It returns ok=false if
// mergeBase is not actually an ancestor of h as currently indexed, or the
// range is otherwise empty; the original spec §9 open question ("what to
// do when no path exists") is resolved in SPEC_FULL.md §3: callers treat a
// not-ok result as "skip this commit, log a warning" rather than a hard
// error, matching walk_from_commits's `continue` behavior.
func (d *Dag) FindPathToMergeBase(h, mergeBase oid.OID) (path []oid.OID, ok bool) {
	if h == mergeBase {
		if d.Contains(h) {
			return []oid.OID{h}, true
		}
		return nil, false
	}

	scope := make(map[oid.OID]bool)
	for _, x := range d.Range([]oid.OID{mergeBase}, []oid.OID{h}) {
		scope[x] = true
	}
	if !scope[h] || !scope[mergeBase] {
		return nil, false
	}

	inDegree := make(map[oid.OID]int, len(scope))
	childrenOf := make(map[oid.OID][]oid.OID, len(scope))
	for c := range scope {
		for _, p := range d.Parents(c) {
			if !scope[p] {
				continue
			}
			inDegree[c]++
			childrenOf[p] = append(childrenOf[p], c)
		}
	}
	var queue []oid.OID
	for c := range scope {
		if inDegree[c] == 0 {
			queue = append(queue, c)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].Less(queue[j]) })

	var order []oid.OID
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		next := append([]oid.OID(nil), childrenOf[cur]...)
		sort.Slice(next, func(i, j int) bool { return next[i].Less(next[j]) })
		for _, c := range next {
			inDegree[c]--
			if inDegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if len(order) != len(scope) {
		return nil, false
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, true
}

// AncestorsOfSet returns the union of Ancestors over every commit in hs
// (spec §4.3 "ancestors(set) -> set"), deduplicated.
func (d *Dag) AncestorsOfSet(hs []oid.OID) []oid.OID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[oid.OID]bool)
	var out []oid.OID
	for _, h := range hs {
		for _, a := range d.ancestorsLocked(h) {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// DescendantsOfSet returns the union of Descendants over every commit in hs
// (spec §4.3 "descendants(set) -> set"), deduplicated.
func (d *Dag) DescendantsOfSet(hs []oid.OID) []oid.OID {
	seen := make(map[oid.OID]bool)
	var out []oid.OID
	for _, h := range hs {
		for _, desc := range d.Descendants(h) {
			if !seen[desc] {
				seen[desc] = true
				out = append(out, desc)
			}
		}
	}
	return out
}

// Heads returns the maxima of set: every commit in set that is not a
// (strict) ancestor of another commit in set (spec §4.3 "heads(set) -> set").
func (d *Dag) Heads(set []oid.OID) []oid.OID {
	var out []oid.OID
	for _, h := range set {
		isAncestorOfOther := false
		for _, other := range set {
			if other == h {
				continue
			}
			if d.IsAncestor(h, other) {
				isAncestorOfOther = true
				break
			}
		}
		if !isAncestorOfOther {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Range returns descendants(roots) intersected with ancestors(heads), per
// spec §4.3's "range(roots, heads) -> set" — the commits reachable both
// forward from roots and backward from heads.
func (d *Dag) Range(roots, heads []oid.OID) []oid.OID {
	desc := make(map[oid.OID]bool)
	for _, h := range d.DescendantsOfSet(roots) {
		desc[h] = true
	}
	var out []oid.OID
	for _, h := range d.AncestorsOfSet(heads) {
		if desc[h] {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// QueryPublicCommits returns every ancestor of mainTip, the "public" side of
// spec.md §9's draft/public distinction: commits reachable from the
// main-branch tip are public, everything else is a draft.
func (d *Dag) QueryPublicCommits(mainTip oid.OID) []oid.OID {
	return d.Ancestors(mainTip)
}

// QueryObsoleteCommits returns every indexed commit whose activity status as
// of cursor is Obsolete (spec §4.3 "query_obsolete_commits() -> set (via
// event replayer)").
func (d *Dag) QueryObsoleteCommits(events []eventlog.Event, cursor eventlog.Cursor) []oid.OID {
	d.mu.RLock()
	all := make([]oid.OID, 0, len(d.commits))
	for h := range d.commits {
		all = append(all, h)
	}
	d.mu.RUnlock()

	var out []oid.OID
	for _, h := range all {
		if eventlog.GetCursorCommitActivityStatus(events, cursor, h) == eventlog.Obsolete {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// QueryVisibleCommitsSlow applies spec §3's visibility rule directly to
// every indexed commit: a brute-force companion to the smartlog package's
// graph-local visibility pass, useful for validating that optimized pass or
// for answering a one-off "is this commit visible" query without first
// building a full smartlog graph. unhideable is the set of commits that are
// always visible regardless of status (branch targets and HEAD).
func (d *Dag) QueryVisibleCommitsSlow(events []eventlog.Event, cursor eventlog.Cursor, mainTip oid.OID, unhideable map[oid.OID]bool) []oid.OID {
	d.mu.RLock()
	all := make([]oid.OID, 0, len(d.commits))
	for h := range d.commits {
		all = append(all, h)
	}
	d.mu.RUnlock()

	isMain := make(map[oid.OID]bool, len(all))
	for _, h := range d.Ancestors(mainTip) {
		isMain[h] = true
	}

	cache := make(map[oid.OID]bool)
	var visible func(h oid.OID) bool
	visible = func(h oid.OID) bool {
		if v, ok := cache[h]; ok {
			return v
		}
		cache[h] = false // break cycles conservatively while computing
		if unhideable[h] {
			cache[h] = true
			return true
		}
		status := eventlog.GetCursorCommitActivityStatus(events, cursor, h)
		obsolete := status == eventlog.Obsolete
		main := isMain[h]

		var result bool
		switch {
		case !main && !obsolete:
			result = true
		case !main && obsolete:
			for _, c := range d.Children(h) {
				if visible(c) {
					result = true
					break
				}
			}
		case main && !obsolete:
			for _, c := range d.Children(h) {
				if isMain[c] {
					continue
				}
				if visible(c) {
					result = true
					break
				}
			}
		default: // main && obsolete
			result = true
		}
		cache[h] = result
		return result
	}

	var out []oid.OID
	for _, h := range all {
		if visible(h) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
