// Copyright 2018 Google LLC
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

package gitwire_test

import (
	"context"
	"testing"

	"branchless.dev/core/internal/gittest"
	"branchless.dev/core/internal/oid"
)

func TestParseOID(t *testing.T) {
	r := gittest.New(t)
	want := r.Commit("first", map[string]string{"a.txt": "hello\n"})
	ctx := context.Background()
	got, err := r.Git.ParseOID(ctx, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("ParseOID(HEAD) = %v, want %v", got, want)
	}
}

func TestParseOIDMissing(t *testing.T) {
	r := gittest.New(t)
	r.Commit("first", map[string]string{"a.txt": "hello\n"})
	ctx := context.Background()
	if _, err := r.Git.ParseOID(ctx, "refs/heads/does-not-exist"); err == nil {
		t.Error("ParseOID of missing ref did not return an error")
	}
}

func TestCatFileCommit(t *testing.T) {
	r := gittest.New(t)
	r.Commit("first", map[string]string{"a.txt": "hello\n"})
	second := r.Commit("second commit subject", map[string]string{"a.txt": "world\n"})
	ctx := context.Background()
	hdr, err := r.Git.CatFileCommit(ctx, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if hdr.OID != second {
		t.Errorf("OID = %v, want %v", hdr.OID, second)
	}
	if len(hdr.Parents) != 1 {
		t.Fatalf("len(Parents) = %d, want 1", len(hdr.Parents))
	}
	if hdr.Subject != "second commit subject" {
		t.Errorf("Subject = %q, want %q", hdr.Subject, "second commit subject")
	}
}

func TestUpdateRef(t *testing.T) {
	r := gittest.New(t)
	c1 := r.Commit("first", map[string]string{"a.txt": "1\n"})
	ctx := context.Background()
	if err := r.Git.UpdateRef(ctx, "refs/heads/feature", oid.NonZero(c1), oid.Zero); err != nil {
		t.Fatal(err)
	}
	refs, err := r.Git.ForEachRef(ctx, "refs/heads/")
	if err != nil {
		t.Fatal(err)
	}
	if got := refs["refs/heads/feature"]; got != c1 {
		t.Errorf("refs/heads/feature = %v, want %v", got, c1)
	}
}

func TestIsTreeEqual(t *testing.T) {
	r := gittest.New(t)
	c1 := r.Commit("first", map[string]string{"a.txt": "1\n"})
	c2 := r.Commit("second", map[string]string{"a.txt": "1\n"})
	ctx := context.Background()
	eq, err := r.Git.IsTreeEqual(ctx, c1.String(), c2.String())
	if err != nil {
		t.Fatal(err)
	}
	if !eq {
		t.Error("IsTreeEqual = false, want true (identical trees)")
	}
}
