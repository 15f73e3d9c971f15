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

package hook_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"branchless.dev/core/eventlog"
	"branchless.dev/core/hook"
	"branchless.dev/core/internal/oid"
)

func openStore(t *testing.T) *eventlog.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.sqlite")
	store, err := eventlog.Open(context.Background(), path, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustOID(t *testing.T, s string) oid.OID {
	t.Helper()
	h, err := oid.ParseOID(s)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestPostCommit(t *testing.T) {
	store := openStore(t)
	h := hook.New(store, nil)
	newHead := mustOID(t, strings.Repeat("a", 40))

	if err := h.PostCommit(context.Background(), "tx1", 100, newHead); err != nil {
		t.Fatal(err)
	}
	events, err := store.GetEvents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != eventlog.CommitKind {
		t.Fatalf("expected one commit event, got %+v", events)
	}
	sub, ok := events[0].SubjectOID.OID()
	if !ok || sub != newHead {
		t.Errorf("expected subject %s, got %+v", newHead, events[0].SubjectOID)
	}
}

func TestPostRewrite(t *testing.T) {
	store := openStore(t)
	h := hook.New(store, nil)
	oldOID := strings.Repeat("a", 40)
	newOID := strings.Repeat("b", 40)
	stdin := strings.NewReader(oldOID + " " + newOID + "\n")

	if err := h.PostRewrite(context.Background(), "tx1", 100, stdin); err != nil {
		t.Fatal(err)
	}
	events, err := store.GetEvents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != eventlog.RewriteKind {
		t.Fatalf("expected one rewrite event, got %+v", events)
	}
}

func TestReferenceTransactionCommittedSkipsInternalRefs(t *testing.T) {
	store := openStore(t)
	h := hook.New(store, nil)
	zero := strings.Repeat("0", 40)
	a := strings.Repeat("a", 40)
	stdin := strings.NewReader(
		zero + " " + a + " refs/heads/feature\n" +
			zero + " " + a + " refs/branchless/keep/abc\n" +
			zero + " " + a + " ORIG_HEAD\n",
	)

	if err := h.ReferenceTransactionCommitted(context.Background(), "tx1", 100, stdin); err != nil {
		t.Fatal(err)
	}
	events, err := store.GetEvents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one event (internal ref and ORIG_HEAD skipped), got %d: %+v", len(events), events)
	}
	if events[0].RefName != "refs/heads/feature" {
		t.Errorf("expected refs/heads/feature, got %s", events[0].RefName)
	}
}

func TestPreAutoGCRefuses(t *testing.T) {
	store := openStore(t)
	h := hook.New(store, nil)
	if err := h.PreAutoGC(context.Background()); err == nil {
		t.Fatal("expected pre-auto-gc to refuse")
	}
}
