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

package dag_test

import (
	"context"
	"testing"

	"branchless.dev/core/dag"
	"branchless.dev/core/eventlog"
	"branchless.dev/core/internal/gittest"
	"branchless.dev/core/internal/oid"
)

func mustMaybeOID(h oid.OID) oid.MaybeZeroOid {
	return oid.NonZero(h)
}

func TestSyncAndAncestry(t *testing.T) {
	r := gittest.New(t)
	c1 := r.Commit("first", map[string]string{"a.txt": "1\n"})
	c2 := r.Commit("second", map[string]string{"a.txt": "2\n"})
	r.Branch("main", c2)

	ctx := context.Background()
	d := dag.New(r.Git, nil)
	if err := d.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	if !d.IsAncestor(c1, c2) {
		t.Error("IsAncestor(c1, c2) = false, want true")
	}
	if d.IsAncestor(c2, c1) {
		t.Error("IsAncestor(c2, c1) = true, want false")
	}
	if !d.Contains(c1) || !d.Contains(c2) {
		t.Error("Sync did not index both commits")
	}
}

func TestMergeBaseOne(t *testing.T) {
	r := gittest.New(t)
	base := r.Commit("base", map[string]string{"a.txt": "1\n"})
	r.Branch("main", base)
	left := r.Commit("left", map[string]string{"b.txt": "1\n"})
	r.Checkout(base.String())
	right := r.Commit("right", map[string]string{"c.txt": "1\n"})
	r.Branch("feature", right)

	ctx := context.Background()
	d := dag.New(r.Git, nil)
	if err := d.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	got, ok := d.MergeBaseOne(left, right)
	if !ok {
		t.Fatal("MergeBaseOne did not find a common ancestor")
	}
	if got != base {
		t.Errorf("MergeBaseOne(left, right) = %v, want %v", got, base)
	}
}

// TestMergeBaseOnePicksNearestAncestor guards against conflating "some
// common ancestor" with "the nearest (maximal) common ancestor": root is a
// common ancestor of left and right too, by way of base, but base is the
// one that's not itself an ancestor of another common ancestor. Without
// restricting to maximal common ancestors first, a lexicographic tie-break
// over every shared ancestor could return root instead of base whenever
// root's OID happens to sort smaller.
func TestMergeBaseOnePicksNearestAncestor(t *testing.T) {
	r := gittest.New(t)
	root := r.Commit("root", map[string]string{"a.txt": "0\n"})
	r.Branch("main", root)
	base := r.Commit("base", map[string]string{"a.txt": "1\n"})
	left := r.Commit("left", map[string]string{"b.txt": "1\n"})
	r.Checkout(base.String())
	right := r.Commit("right", map[string]string{"c.txt": "1\n"})
	r.Branch("feature", right)

	ctx := context.Background()
	d := dag.New(r.Git, nil)
	if err := d.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	got, ok := d.MergeBaseOne(left, right)
	if !ok {
		t.Fatal("MergeBaseOne did not find a common ancestor")
	}
	if got != base {
		t.Errorf("MergeBaseOne(left, right) = %v, want %v (nearest common ancestor, not root=%v)", got, base, root)
	}
}

func TestFindPathToMergeBase(t *testing.T) {
	r := gittest.New(t)
	base := r.Commit("base", map[string]string{"a.txt": "1\n"})
	mid := r.Commit("mid", map[string]string{"a.txt": "2\n"})
	tip := r.Commit("tip", map[string]string{"a.txt": "3\n"})

	ctx := context.Background()
	d := dag.New(r.Git, nil)
	if err := d.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	path, ok := d.FindPathToMergeBase(tip, base)
	if !ok {
		t.Fatal("FindPathToMergeBase did not find a path")
	}
	want := []string{tip.String(), mid.String(), base.String()}
	if len(path) != len(want) {
		t.Fatalf("len(path) = %d, want %d", len(path), len(want))
	}
	for i, h := range path {
		if h.String() != want[i] {
			t.Errorf("path[%d] = %v, want %v", i, h, want[i])
		}
	}
}

func TestFindPathToMergeBaseNoPath(t *testing.T) {
	r := gittest.New(t)
	base := r.Commit("base", map[string]string{"a.txt": "1\n"})
	tip := r.Commit("tip", map[string]string{"a.txt": "2\n"})

	ctx := context.Background()
	d := dag.New(r.Git, nil)
	if err := d.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	// tip is not an ancestor of base, so range(tip, base) is empty.
	if _, ok := d.FindPathToMergeBase(base, tip); ok {
		t.Error("FindPathToMergeBase(base, tip) = ok, want false (tip is not an ancestor of base)")
	}
}

func TestHeadsAndRange(t *testing.T) {
	r := gittest.New(t)
	base := r.Commit("base", map[string]string{"a.txt": "1\n"})
	mid := r.Commit("mid", map[string]string{"a.txt": "2\n"})
	tip1 := r.Commit("tip1", map[string]string{"a.txt": "3\n"})
	r.Checkout(mid.String())
	tip2 := r.Commit("tip2", map[string]string{"b.txt": "1\n"})

	ctx := context.Background()
	d := dag.New(r.Git, nil)
	if err := d.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	heads := d.Heads([]oid.OID{base, mid, tip1, tip2})
	if len(heads) != 2 {
		t.Fatalf("Heads = %v, want 2 maxima (tip1, tip2)", heads)
	}
	wantHeads := map[oid.OID]bool{tip1: true, tip2: true}
	for _, h := range heads {
		if !wantHeads[h] {
			t.Errorf("Heads contains unexpected %v", h)
		}
	}

	rng := d.Range([]oid.OID{base}, []oid.OID{tip1})
	want := map[oid.OID]bool{base: true, mid: true, tip1: true}
	if len(rng) != len(want) {
		t.Fatalf("Range(base, tip1) = %v, want %d commits (base, mid, tip1)", rng, len(want))
	}
	for _, h := range rng {
		if !want[h] {
			t.Errorf("Range(base, tip1) contains unexpected %v", h)
		}
	}
	for h := range want {
		found := false
		for _, got := range rng {
			if got == h {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Range(base, tip1) missing %v", h)
		}
	}
}

func TestQueryPublicCommits(t *testing.T) {
	r := gittest.New(t)
	base := r.Commit("base", map[string]string{"a.txt": "1\n"})
	main := r.Commit("main-tip", map[string]string{"a.txt": "2\n"})
	r.Checkout(base.String())
	draft := r.Commit("draft", map[string]string{"b.txt": "1\n"})

	ctx := context.Background()
	d := dag.New(r.Git, nil)
	if err := d.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	public := d.QueryPublicCommits(main)
	publicSet := make(map[oid.OID]bool)
	for _, h := range public {
		publicSet[h] = true
	}
	if !publicSet[base] || !publicSet[main] {
		t.Errorf("QueryPublicCommits(main) = %v, want base and main-tip included", public)
	}
	if publicSet[draft] {
		t.Errorf("QueryPublicCommits(main) = %v, want draft excluded", public)
	}
}

func TestQueryObsoleteCommits(t *testing.T) {
	r := gittest.New(t)
	a := r.Commit("a", map[string]string{"f.txt": "1\n"})
	b := r.Commit("b", map[string]string{"f.txt": "2\n"})

	ctx := context.Background()
	d := dag.New(r.Git, nil)
	if err := d.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	const tx eventlog.TransactionID = "tx1"
	events := []eventlog.Event{
		{ID: 1, TransactionID: tx, Kind: eventlog.CommitKind, SubjectOID: mustMaybeOID(a)},
		{ID: 2, TransactionID: tx, Kind: eventlog.RewriteKind, OldOID: mustMaybeOID(a), NewOID: mustMaybeOID(b)},
	}
	cursor := eventlog.MakeDefaultCursor(events)

	obsolete := d.QueryObsoleteCommits(events, cursor)
	if len(obsolete) != 1 || obsolete[0] != a {
		t.Errorf("QueryObsoleteCommits = %v, want [%v]", obsolete, a)
	}
}

func TestQueryVisibleCommitsSlow(t *testing.T) {
	r := gittest.New(t)
	base := r.Commit("base", map[string]string{"a.txt": "1\n"})
	old := r.Commit("old", map[string]string{"a.txt": "2\n"})
	r.Checkout(base.String())
	amended := r.Commit("amended", map[string]string{"a.txt": "2\n"})
	r.Branch("feature", amended)

	ctx := context.Background()
	d := dag.New(r.Git, nil)
	if err := d.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	const tx eventlog.TransactionID = "tx1"
	events := []eventlog.Event{
		{ID: 1, TransactionID: tx, Kind: eventlog.CommitKind, SubjectOID: mustMaybeOID(old)},
		{ID: 2, TransactionID: tx, Kind: eventlog.RewriteKind, OldOID: mustMaybeOID(old), NewOID: mustMaybeOID(amended)},
	}
	cursor := eventlog.MakeDefaultCursor(events)
	unhideable := map[oid.OID]bool{amended: true}

	visible := d.QueryVisibleCommitsSlow(events, cursor, base, unhideable)
	visibleSet := make(map[oid.OID]bool)
	for _, h := range visible {
		visibleSet[h] = true
	}
	if visibleSet[old] {
		t.Errorf("QueryVisibleCommitsSlow = %v, want old (rewritten away, no visible descendant) excluded", visible)
	}
	if !visibleSet[amended] {
		t.Errorf("QueryVisibleCommitsSlow = %v, want amended (unhideable) included", visible)
	}
}
