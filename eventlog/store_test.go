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

package eventlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"branchless.dev/core/internal/oid"
)

func TestStoreAddAndGetEvents(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := Open(ctx, filepath.Join(dir, "events.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	a := mustOID(t, "1111111111111111111111111111111111111111")
	const tx TransactionID = "tx1"
	events := []Event{CommitCreated(tx, 1000, a)}
	if err := store.AddEvents(ctx, tx, "commit a", 1000, events); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []Event{{TransactionID: tx, Timestamp: 1000, Kind: CommitKind, SubjectOID: oid.NonZero(a)}}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Event{}, "ID")); diff != "" {
		t.Errorf("GetEvents() mismatch (-want +got):\n%s", diff)
	}
	if len(got) != 1 || got[0].ID == 0 {
		t.Errorf("GetEvents()[0].ID = %d, want nonzero autoincrement id", got[0].ID)
	}

	msg, err := store.GetTransactionMessage(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	if msg != "commit a" {
		t.Errorf("GetTransactionMessage() = %q, want %q", msg, "commit a")
	}
}

func TestStoreReopenPreservesEvents(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "events.db")

	a := mustOID(t, "1111111111111111111111111111111111111111")
	func() {
		store, err := Open(ctx, path, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer store.Close()
		if err := store.AddEvents(ctx, "tx1", "m", 1, []Event{CommitCreated("tx1", 1, a)}); err != nil {
			t.Fatal(err)
		}
	}()

	store, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	got, err := store.GetEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("len(GetEvents()) = %d, want 1 after reopen", len(got))
	}
}
