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

package rebase_test

import (
	"context"
	"path/filepath"
	"testing"

	"branchless.dev/core/dag"
	"branchless.dev/core/eventlog"
	"branchless.dev/core/internal/gittest"
	"branchless.dev/core/internal/oid"
	"branchless.dev/core/rebase"
)

// TestRestackerRestacksAbandonedChildren reproduces the canonical restack
// scenario: amending commit A into A' (an amend that never touches A's
// descendants B and C) abandons B and C, and the restack pass must
// automatically replay them onto A', yielding A' -> B' -> C'.
func TestRestackerRestacksAbandonedChildren(t *testing.T) {
	r := gittest.New(t)
	base := r.Commit("base", map[string]string{"a.txt": "1\n"})
	r.Branch("main", base)
	a := r.Commit("A", map[string]string{"b.txt": "1\n"})
	b := r.Commit("B", map[string]string{"c.txt": "1\n"})
	c := r.Commit("C", map[string]string{"d.txt": "1\n"})
	r.Branch("main", c)

	ctx := context.Background()
	d := dag.New(r.Git, nil)
	if err := d.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	storePath := filepath.Join(t.TempDir(), "events.sqlite")
	store, err := eventlog.Open(ctx, storePath, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	// Simulate an in-place amend of A into aPrime: a new commit on the
	// same parent as A, built directly rather than through the executor,
	// the way a plain `commit --amend` would produce it outside of any
	// rebase plan.
	r.Checkout(base.String())
	aPrime := r.Commit("A amended", map[string]string{"b.txt": "1 amended\n"})
	hdr, err := r.Git.CatFileCommit(ctx, aPrime.String())
	if err != nil {
		t.Fatal(err)
	}
	d.IndexCommit(aPrime, hdr.Parents, hdr.CommitterUnixTime)

	tx := eventlog.TransactionID("tx1")
	if err := store.AddEvents(ctx, tx, "amend", 100, []eventlog.Event{
		eventlog.Rewrite(tx, 100, a, aPrime),
	}); err != nil {
		t.Fatal(err)
	}

	exec := rebase.NewExecutor(r.Git, d, nil)
	rs := rebase.NewRestacker(r.Git, d, store, exec, nil)

	perms := rebase.Permissions{MainBranch: base}
	rewrites, err := rs.Run(ctx, tx, 200, perms)
	if err != nil {
		t.Fatal(err)
	}

	var newB, newC oid.OID
	var sawB, sawC bool
	for _, rec := range rewrites {
		newOID, ok := rec.New.OID()
		if !ok {
			continue
		}
		switch rec.Old {
		case b:
			newB, sawB = newOID, true
		case c:
			newC, sawC = newOID, true
		}
	}
	if !sawB || !sawC {
		t.Fatalf("expected restack to replay both B and C, got rewrites %+v", rewrites)
	}

	hdrB, err := r.Git.CatFileCommit(ctx, newB.String())
	if err != nil {
		t.Fatal(err)
	}
	hdrC, err := r.Git.CatFileCommit(ctx, newC.String())
	if err != nil {
		t.Fatal(err)
	}
	if len(hdrB.Parents) != 1 || hdrB.Parents[0] != aPrime {
		t.Errorf("B' should be a direct child of A', got parents %v (A'=%v)", hdrB.Parents, aPrime)
	}
	if len(hdrC.Parents) != 1 || hdrC.Parents[0] != newB {
		t.Errorf("C' should be a direct child of B', got parents %v (B'=%v)", hdrC.Parents, newB)
	}

	// A second pass should find nothing left to restack.
	again, err := rs.Run(ctx, tx, 300, perms)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("expected a converged restack to produce no further rewrites, got %+v", again)
	}
}
