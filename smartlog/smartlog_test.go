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

package smartlog_test

import (
	"context"
	"testing"

	"branchless.dev/core/dag"
	"branchless.dev/core/eventlog"
	"branchless.dev/core/internal/gittest"
	"branchless.dev/core/internal/oid"
	"branchless.dev/core/smartlog"
)

func TestBuildGraphHidesObsoleteWithoutVisibleDescendant(t *testing.T) {
	r := gittest.New(t)
	base := r.Commit("base", map[string]string{"a.txt": "1\n"})
	r.Branch("main", base)
	old := r.Commit("old version", map[string]string{"a.txt": "2\n"})
	r.Checkout(base.String())
	amended := r.Commit("amended version", map[string]string{"a.txt": "3\n"})
	r.Branch("feature", amended)

	ctx := context.Background()
	d := dag.New(r.Git, nil)
	if err := d.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	const tx eventlog.TransactionID = "tx1"
	events := []eventlog.Event{
		eventlog.CommitCreated(tx, 1, old),
		eventlog.Rewrite(tx, 2, old, amended),
	}
	for i := range events {
		events[i].ID = int64(i + 1)
	}
	cursor := eventlog.MakeDefaultCursor(events)

	refs := smartlog.References{
		Head:          oid.NonZero(amended),
		MainBranch:    base,
		BranchTargets: map[oid.OID][]oid.RefName{base: {"refs/heads/main"}, amended: {"refs/heads/feature"}},
	}

	graph, err := smartlog.BuildGraph(d, events, cursor, refs, true)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := graph[old]; ok {
		t.Error("obsolete commit with no visible descendant should be hidden")
	}
	if _, ok := graph[amended]; !ok {
		t.Error("active replacement commit should be visible")
	}
}

func TestBuildGraphKeepsObsoleteWithVisibleChild(t *testing.T) {
	r := gittest.New(t)
	base := r.Commit("base", map[string]string{"a.txt": "1\n"})
	r.Branch("main", base)
	parent := r.Commit("parent", map[string]string{"a.txt": "2\n"})
	child := r.Commit("child", map[string]string{"a.txt": "3\n"})
	r.Branch("feature", child)

	ctx := context.Background()
	d := dag.New(r.Git, nil)
	if err := d.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	const tx eventlog.TransactionID = "tx1"
	events := []eventlog.Event{
		eventlog.CommitCreated(tx, 1, parent),
		eventlog.Obsolete(tx, 2, parent),
		eventlog.CommitCreated(tx, 3, child),
	}
	for i := range events {
		events[i].ID = int64(i + 1)
	}
	cursor := eventlog.MakeDefaultCursor(events)

	refs := smartlog.References{
		Head:          oid.NonZero(child),
		MainBranch:    base,
		BranchTargets: map[oid.OID][]oid.RefName{base: {"refs/heads/main"}, child: {"refs/heads/feature"}},
	}

	graph, err := smartlog.BuildGraph(d, events, cursor, refs, true)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := graph[parent]; !ok {
		t.Error("obsolete commit with a visible child should remain visible")
	}
	if node := graph[parent]; node != nil && !node.IsObsolete {
		t.Error("parent node should be marked obsolete")
	}
}

func TestBuildGraphAnomalousObsoleteMain(t *testing.T) {
	r := gittest.New(t)
	base := r.Commit("base", map[string]string{"a.txt": "1\n"})
	r.Branch("main", base)

	ctx := context.Background()
	d := dag.New(r.Git, nil)
	if err := d.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	const tx eventlog.TransactionID = "tx1"
	events := []eventlog.Event{
		eventlog.CommitCreated(tx, 1, base),
		eventlog.Obsolete(tx, 2, base),
	}
	for i := range events {
		events[i].ID = int64(i + 1)
	}
	cursor := eventlog.MakeDefaultCursor(events)

	refs := smartlog.References{
		Head:          oid.NonZero(base),
		MainBranch:    base,
		BranchTargets: map[oid.OID][]oid.RefName{base: {"refs/heads/main"}},
	}

	graph, err := smartlog.BuildGraph(d, events, cursor, refs, true)
	if err != nil {
		t.Fatal(err)
	}
	node, ok := graph[base]
	if !ok {
		t.Fatal("obsolete main-branch commit should remain visible as an anomaly")
	}
	if !node.Anomalous {
		t.Error("obsolete main-branch commit should be marked Anomalous")
	}
}
