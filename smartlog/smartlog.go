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

// Package smartlog builds the displayed commit graph: the subset of
// indexed commits relevant to recent user activity, pruned of commits that
// have become invisible due to obsolescence (spec §4.4, C4).
package smartlog

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"branchless.dev/core/dag"
	"branchless.dev/core/eventlog"
	"branchless.dev/core/internal/oid"
)

// Node is a single vertex of the rendered smartlog graph.
//
// Parent and Children form a tree over a subset of the commit DAG's real
// parent-child edges: Parent is the first of the commit's real parents that
// is itself in the graph, so it is always a direct parent, though not
// necessarily commit.Parents()[0]. Intermediate commits are not skipped
// over.
type Node struct {
	OID oid.OID

	Parent    oid.OID // zero if this is a root of the smartlog graph
	HasParent bool
	Children  []oid.OID

	IsMain     bool
	IsObsolete bool

	// Anomalous is true for a main-branch commit that is also marked
	// obsolete — an anomaly worth surfacing to the user (spec §3
	// supplemented feature: main-branch-obsolescence surfacing), since a
	// main-branch commit is expected to never be rewritten.
	Anomalous bool

	// LatestEvent is the most recent event that affected this commit, or
	// the zero Event with HasLatestEvent false if the commit was only
	// reachable via a branch/HEAD reference and never directly touched.
	LatestEvent    eventlog.Event
	HasLatestEvent bool
}

// References is the subset of the repository's reference state the graph
// builder needs: the resolved HEAD commit, the main branch's commit, and
// the set of commits directly pointed to by any branch (for visibility's
// "unhideable" rule). IsMain classification uses MainBranch only.
type References struct {
	Head          oid.MaybeZeroOid
	MainBranch    oid.OID
	BranchTargets map[oid.OID][]oid.RefName
}

// Graph is the result of BuildGraph: a map from commit OID to its smartlog
// node.
type Graph map[oid.OID]*Node

// BuildGraph replicates walk_from_commits / sort_children / do_remove_commits
// from the original implementation: it starts from every commit mentioned in
// the event log as of cursor plus every branch target and HEAD, extends each
// back to its merge-base with the main branch, links the resulting set into
// a parent/children tree (skipping commits not in the set), and then, if
// removeHidden is true, hides any commit that is not visible per
// is_commit_visible.
func BuildGraph(d *dag.Dag, events []eventlog.Event, cursor eventlog.Cursor, refs References, removeHidden bool) (Graph, error) {
	commitOIDs := make(map[oid.OID]bool)
	for _, h := range eventlog.GetCursorOids(events, cursor) {
		commitOIDs[h] = true
	}
	for h := range refs.BranchTargets {
		commitOIDs[h] = true
	}
	if h, ok := refs.Head.OID(); ok {
		commitOIDs[h] = true
	}

	graph := make(Graph)
	log := logrus.WithField("component", "smartlog")

	for commitOID := range commitOIDs {
		if !d.Contains(commitOID) {
			// Commit may have been garbage-collected.
			continue
		}

		mergeBase, hasMergeBase := d.MergeBaseOne(commitOID, refs.MainBranch)
		var path []oid.OID
		if !hasMergeBase {
			// No merge-base with main: pathological (e.g. a rewritten
			// initial commit). Add it as a standalone component, per the
			// original's "hope it works out" handling.
			path = []oid.OID{commitOID}
		} else {
			p, ok := d.FindPathToMergeBase(commitOID, mergeBase)
			if !ok {
				log.WithField("oid", commitOID.String()).Warn("smartlog: no path to merge base for commit")
				continue
			}
			path = p
		}

		for _, cur := range path {
			if _, ok := graph[cur]; ok {
				// This commit (and all its ancestors) are already present.
				break
			}
			status := eventlog.GetCursorCommitActivityStatus(events, cursor, cur)
			isObsolete := status == eventlog.Obsolete
			isMain := hasMergeBase && cur == mergeBase
			ev, hasEvent := eventlog.GetCursorCommitLatestEvent(events, cursor, cur)
			graph[cur] = &Node{
				OID:            cur,
				IsMain:         isMain,
				IsObsolete:     isObsolete,
				Anomalous:      isMain && isObsolete,
				LatestEvent:    ev,
				HasLatestEvent: hasEvent,
			}
		}

		if hasMergeBase {
			if _, ok := graph[mergeBase]; !ok {
				log.WithField("oid", mergeBase.String()).Warn("smartlog: could not find merge base oid in graph")
			}
		}
	}

	linkParentsChildren(graph, d)
	sortChildren(graph, d)

	if removeHidden {
		removeHiddenCommits(graph, refs)
	}
	return graph, nil
}

func linkParentsChildren(graph Graph, d *dag.Dag) {
	for childOID, node := range graph {
		if node.IsMain {
			continue
		}
		for _, p := range d.Parents(childOID) {
			if _, ok := graph[p]; !ok {
				continue
			}
			node.Parent = p
			node.HasParent = true
			graph[p].Children = append(graph[p].Children, childOID)
			break
		}
	}
}

// sortChildren orders each node's children by (commit time, OID), matching
// the original implementation's sort_children.
func sortChildren(graph Graph, d *dag.Dag) {
	for _, node := range graph {
		sort.Slice(node.Children, func(i, j int) bool {
			a, b := node.Children[i], node.Children[j]
			ta, tb := d.CommitTime(a), d.CommitTime(b)
			if ta != tb {
				return ta < tb
			}
			return a.Less(b)
		})
	}
}

func removeHiddenCommits(graph Graph, refs References) {
	unhideable := make(map[oid.OID]bool)
	for h := range refs.BranchTargets {
		unhideable[h] = true
	}
	if h, ok := refs.Head.OID(); ok {
		unhideable[h] = true
	}

	cache := make(map[oid.OID]bool)
	var hidden []oid.OID
	for h := range graph {
		if !isCommitVisible(cache, graph, unhideable, h) {
			hidden = append(hidden, h)
		}
	}

	for _, h := range hidden {
		node := graph[h]
		delete(graph, h)
		if node.HasParent {
			if parent, ok := graph[node.Parent]; ok {
				parent.Children = removeOID(parent.Children, h)
			}
		}
	}
}

func removeOID(s []oid.OID, h oid.OID) []oid.OID {
	out := s[:0]
	for _, x := range s {
		if x != h {
			out = append(out, x)
		}
	}
	return out
}

// isCommitVisible is the direct Go rendering of the original's
// is_commit_visible: an active non-main commit is always visible; an
// obsolete non-main commit is visible only if some descendant is visible;
// a non-obsolete main commit is visible only if it has a visible
// non-main-branch child; an obsolete main commit is always visible (an
// anomaly worth surfacing).
func isCommitVisible(cache map[oid.OID]bool, graph Graph, unhideable map[oid.OID]bool, h oid.OID) bool {
	if v, ok := cache[h]; ok {
		return v
	}
	if unhideable[h] {
		cache[h] = true
		return true
	}

	node, ok := graph[h]
	if !ok {
		cache[h] = false
		return false
	}

	var result bool
	switch {
	case !node.IsMain && !node.IsObsolete:
		result = true
	case !node.IsMain && node.IsObsolete:
		result = false
		for _, c := range node.Children {
			if isCommitVisible(cache, graph, unhideable, c) {
				result = true
				break
			}
		}
	case node.IsMain && !node.IsObsolete:
		result = false
		for _, c := range node.Children {
			if graph[c].IsMain {
				continue
			}
			if isCommitVisible(cache, graph, unhideable, c) {
				result = true
				break
			}
		}
	default: // IsMain && IsObsolete
		result = true
	}

	cache[h] = result
	return result
}

// ErrCommitNotFound is returned when resolving a user-provided commit
// reference that does not exist.
var ErrCommitNotFound = fmt.Errorf("smartlog: commit not found")
