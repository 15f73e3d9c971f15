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

// Package gittest provides throwaway git repositories for core package
// tests, shelling out to a real installed git the same way production code
// does via internal/gitwire.
package gittest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"

	"branchless.dev/core/internal/filesystem"
	"branchless.dev/core/internal/gitwire"
	"branchless.dev/core/internal/oid"
)

// Repo is a throwaway git repository rooted at Dir, wired up for tests.
type Repo struct {
	Dir string
	Git *gitwire.Git
	t   testing.TB
}

// New initializes an empty repository in a fresh temporary directory with
// deterministic author/committer identity and commit timestamps so that
// test fixtures are reproducible.
func New(t testing.TB) *Repo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found:", err)
	}
	dir := t.TempDir()
	r := &Repo{Dir: dir, t: t}
	ctx := context.Background()
	run := func(args ...string) {
		t.Helper()
		c := exec.CommandContext(ctx, "git", args...)
		c.Dir = dir
		c.Env = testEnv()
		out, err := c.CombinedOutput()
		if err != nil {
			t.Fatalf("gittest: git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-q", "-b", "main")
	run("config", "user.name", "Test User")
	run("config", "user.email", "test@example.com")
	g, err := gitwire.New("git", dir)
	if err != nil {
		t.Fatalf("gittest: %v", err)
	}
	r.Git = g
	return r
}

func testEnv() []string {
	env := append([]string(nil), os.Environ()...)
	ts := "2020-01-01T00:00:00Z"
	return append(env,
		"GIT_AUTHOR_NAME=Test User",
		"GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_AUTHOR_DATE="+ts,
		"GIT_COMMITTER_NAME=Test User",
		"GIT_COMMITTER_EMAIL=test@example.com",
		"GIT_COMMITTER_DATE="+ts,
	)
}

// Commit writes path with the given contents (creating parent directories
// as needed), stages it, and creates a commit with message, returning its
// OID.
func (r *Repo) Commit(message string, files map[string]string) oid.OID {
	r.t.Helper()
	ctx := context.Background()
	var ops []filesystem.Operation
	for path, contents := range files {
		ops = append(ops, filesystem.Operation{Op: filesystem.Write, Name: path, Content: contents})
	}
	if err := filesystem.Dir(r.Dir).Apply(ops...); err != nil {
		r.t.Fatalf("gittest: %v", err)
	}
	r.run(ctx, "add", "-A")
	r.run(ctx, "commit", "--allow-empty", "-m", message)
	h, err := r.Git.ParseOID(ctx, "HEAD")
	if err != nil {
		r.t.Fatalf("gittest: %v", err)
	}
	return h
}

// Branch creates (or moves) a branch at the given commit without checking
// it out.
func (r *Repo) Branch(name string, at oid.OID) {
	r.t.Helper()
	r.run(context.Background(), "update-ref", "refs/heads/"+name, at.String())
}

// Checkout detaches HEAD at rev.
func (r *Repo) Checkout(rev string) {
	r.t.Helper()
	r.run(context.Background(), "checkout", "-q", rev)
}

// Head returns the current HEAD commit OID.
func (r *Repo) Head() oid.OID {
	r.t.Helper()
	h, err := r.Git.ParseOID(context.Background(), "HEAD")
	if err != nil {
		r.t.Fatalf("gittest: %v", err)
	}
	return h
}

func (r *Repo) run(ctx context.Context, args ...string) {
	r.t.Helper()
	c := exec.CommandContext(ctx, "git", args...)
	c.Dir = r.Dir
	c.Env = testEnv()
	out, err := c.CombinedOutput()
	if err != nil {
		r.t.Fatalf("gittest: git %v: %v\n%s", args, fmt.Errorf("%w", err), out)
	}
}
