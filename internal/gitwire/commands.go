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

package gitwire

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"branchless.dev/core/internal/oid"
)

// CommitHeader holds the parsed output of `cat-file commit`, sufficient for
// DAG materialization (C3) without needing the full message body.
type CommitHeader struct {
	OID          oid.OID
	Tree         oid.OID
	Parents      []oid.OID
	Author       string
	Committer    string
	Subject      string
	CommitterUnixTime int64
}

// CatFileCommit reads and parses the commit object for rev.
func (g *Git) CatFileCommit(ctx context.Context, rev string) (*CommitHeader, error) {
	h, err := g.ParseOID(ctx, rev+"^{commit}")
	if err != nil {
		return nil, fmt.Errorf("cat-file commit %q: %w", rev, err)
	}
	out, err := g.Run(ctx, "cat-file", "commit", h.String())
	if err != nil {
		return nil, fmt.Errorf("cat-file commit %q: %w", rev, err)
	}
	hdr := &CommitHeader{OID: h}
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	inBody := false
	for sc.Scan() {
		line := sc.Text()
		if inBody {
			if hdr.Subject == "" {
				hdr.Subject = line
			}
			continue
		}
		if line == "" {
			inBody = true
			continue
		}
		switch {
		case strings.HasPrefix(line, "tree "):
			hdr.Tree, err = oid.ParseOID(strings.TrimPrefix(line, "tree "))
			if err != nil {
				return nil, fmt.Errorf("cat-file commit %q: parse tree: %w", rev, err)
			}
		case strings.HasPrefix(line, "parent "):
			p, err := oid.ParseOID(strings.TrimPrefix(line, "parent "))
			if err != nil {
				return nil, fmt.Errorf("cat-file commit %q: parse parent: %w", rev, err)
			}
			hdr.Parents = append(hdr.Parents, p)
		case strings.HasPrefix(line, "author "):
			hdr.Author = strings.TrimPrefix(line, "author ")
		case strings.HasPrefix(line, "committer "):
			hdr.Committer = strings.TrimPrefix(line, "committer ")
			hdr.CommitterUnixTime = parseCommitterUnixTime(hdr.Committer)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("cat-file commit %q: %w", rev, err)
	}
	return hdr, nil
}

// parseCommitterUnixTime extracts the Unix timestamp from a committer line
// of the form "Name <email> <unix-seconds> <tz-offset>". It returns 0 if
// the line doesn't match the expected shape.
func parseCommitterUnixTime(committerLine string) int64 {
	fields := strings.Fields(committerLine)
	if len(fields) < 2 {
		return 0
	}
	ts, err := strconv.ParseInt(fields[len(fields)-2], 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// IsTreeEqual reports whether two commits have identical trees, using
// `git diff --quiet`.
func (g *Git) IsTreeEqual(ctx context.Context, rev1, rev2 string) (bool, error) {
	out, err := g.Run(ctx, "diff", "--quiet", rev1, rev2)
	_ = out
	if err != nil {
		if ee, ok := err.(*ExitError); ok && ee.Code == 1 {
			return false, nil
		}
		return false, fmt.Errorf("diff %q %q: %w", rev1, rev2, err)
	}
	return true, nil
}

// PatchID computes the patch-id of the diff introduced by rev relative to
// its first parent, used to detect already-applied commits during rebase
// planning (spec §4.5 "patch-id based de-duplication").
func (g *Git) PatchID(ctx context.Context, rev string) (string, error) {
	c := g.command(ctx, []string{"diff", rev + "^.." + rev})
	diffOut, err := c.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("patch-id %q: %w", rev, err)
	}
	idCmd := g.command(ctx, []string{"patch-id", "--stable"})
	idCmd.Stdin = diffOut
	idOut, err := idCmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("patch-id %q: %w", rev, err)
	}
	if err := c.Start(); err != nil {
		return "", fmt.Errorf("patch-id %q: %w", rev, err)
	}
	if err := idCmd.Start(); err != nil {
		return "", fmt.Errorf("patch-id %q: %w", rev, err)
	}
	sc := bufio.NewScanner(idOut)
	var id string
	if sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 {
			id = fields[0]
		}
	}
	if err := c.Wait(); err != nil {
		return "", fmt.Errorf("patch-id %q: diff: %w", rev, err)
	}
	if err := idCmd.Wait(); err != nil {
		return "", fmt.Errorf("patch-id %q: patch-id: %w", rev, err)
	}
	return id, nil
}

// MergeTreeResult is the outcome of a plumbing-level three-way tree merge
// performed without touching the index or working tree.
type MergeTreeResult struct {
	Tree      oid.OID
	Conflicts bool
}

// MergeTreeWriteTree computes the tree that results from applying the
// changes between base and commit onto onto, using `git merge-tree
// --write-tree`. This is the plumbing primitive the in-memory rebase
// executor cherry-picks with: it never touches HEAD, the index, or the
// working tree, so many commits can be replayed in sequence without
// checking any of them out (spec §4.6 "in-memory execution mode").
func (g *Git) MergeTreeWriteTree(ctx context.Context, base, onto, commit oid.OID) (MergeTreeResult, error) {
	out, err := g.Run(ctx, "merge-tree", "--write-tree", "-z", "--merge-base="+base.String(), onto.String(), commit.String())
	if err != nil {
		if ee, ok := err.(*ExitError); ok && ee.Code == 1 {
			// Exit code 1 from merge-tree --write-tree means "merged with
			// conflicts"; stdout still begins with the conflicted tree OID.
		} else {
			return MergeTreeResult{}, fmt.Errorf("merge-tree %s %s: %w", onto, commit, err)
		}
	}
	lines := strings.Split(out, "\x00")
	if len(lines) == 0 || lines[0] == "" {
		return MergeTreeResult{}, fmt.Errorf("merge-tree %s %s: empty output", onto, commit)
	}
	treeOID, parseErr := oid.ParseOID(strings.TrimSpace(lines[0]))
	if parseErr != nil {
		return MergeTreeResult{}, fmt.Errorf("merge-tree %s %s: parse tree oid: %w", onto, commit, parseErr)
	}
	return MergeTreeResult{Tree: treeOID, Conflicts: err != nil}, nil
}

// CommitTree creates a new commit object with the given tree and parents,
// preserving the author identity and message of an existing commit. It is
// the plumbing primitive used to materialize each Pick/Replace step's
// result without a checkout.
func (g *Git) CommitTree(ctx context.Context, tree oid.OID, parents []oid.OID, message, authorLine string) (oid.OID, error) {
	args := []string{"commit-tree", tree.String()}
	for _, p := range parents {
		args = append(args, "-p", p.String())
	}
	args = append(args, "-m", message)
	c := g.command(ctx, args)
	if authorLine != "" {
		c.Env = append(c.Env, authorEnv(authorLine)...)
	}
	stdout := new(strBuilder)
	stderr := new(strBuilder)
	c.Stdout = stdout
	c.Stderr = stderr
	if err := runGraceful(ctx, c); err != nil {
		return oid.OID{}, wrapExit("git commit-tree", err, []byte(stderr.String()))
	}
	h, err := oid.ParseOID(strings.TrimSpace(stdout.String()))
	if err != nil {
		return oid.OID{}, fmt.Errorf("commit-tree: parse result oid: %w", err)
	}
	return h, nil
}

// authorEnv turns a "Name <email> <unix> <tz>" committer/author line into
// GIT_AUTHOR_* environment overrides for commit-tree, so replayed commits
// keep their original authorship.
func authorEnv(line string) []string {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil
	}
	ts, tz := fields[len(fields)-2], fields[len(fields)-1]
	email := strings.Trim(fields[len(fields)-3], "<>")
	name := strings.Join(fields[:len(fields)-3], " ")
	date := ts + " " + tz
	return []string{
		"GIT_AUTHOR_NAME=" + name,
		"GIT_AUTHOR_EMAIL=" + email,
		"GIT_AUTHOR_DATE=" + date,
	}
}

// LsFilesOthers lists untracked, non-ignored paths relative to the working
// tree root.
func (g *Git) LsFilesOthers(ctx context.Context) ([]string, error) {
	out, err := g.Run(ctx, "ls-files", "--others", "--exclude-standard", "-z")
	if err != nil {
		return nil, fmt.Errorf("ls-files --others: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	parts := strings.Split(strings.TrimSuffix(out, "\x00"), "\x00")
	return parts, nil
}

// CheckoutCommit detaches HEAD onto h, used by the undo engine to restore
// the working copy for an InverseCheckout action.
func (g *Git) CheckoutCommit(ctx context.Context, h oid.OID) error {
	if _, err := g.Run(ctx, "checkout", "--detach", h.String()); err != nil {
		return fmt.Errorf("checkout %s: %w", h, err)
	}
	return nil
}

// CommitAmend rewrites HEAD's tree and/or message in place, preserving
// authorship unless overridden.
func (g *Git) CommitAmend(ctx context.Context, message string) (oid.OID, error) {
	args := []string{"commit", "--amend", "--allow-empty"}
	if message != "" {
		args = append(args, "-m", message)
	} else {
		args = append(args, "--no-edit")
	}
	if _, err := g.Run(ctx, args...); err != nil {
		return oid.OID{}, fmt.Errorf("commit --amend: %w", err)
	}
	return g.ParseOID(ctx, "HEAD")
}

// UpdateRef performs a compare-and-swap ref update: refName is set to newOID
// only if its current value equals oldOID (oid.Zero meaning "must not
// exist"). This is the sole mutation path for refs/heads and
// refs/branchless internal refs, so every successful call corresponds to
// exactly one RefUpdate event (spec §4.1).
func (g *Git) UpdateRef(ctx context.Context, refName string, newOID, oldOID oid.MaybeZeroOid) error {
	args := []string{"update-ref", refName}
	if h, ok := newOID.OID(); ok {
		args = append(args, h.String())
	} else {
		args = append(args, "0000000000000000000000000000000000000000")
	}
	if h, ok := oldOID.OID(); ok {
		args = append(args, h.String())
	} else {
		args = append(args, "0000000000000000000000000000000000000000")
	}
	if _, err := g.Run(ctx, args...); err != nil {
		return fmt.Errorf("update-ref %s: %w", refName, err)
	}
	return nil
}

// ForEachRef lists every ref matching pattern (e.g. "refs/heads/") with its
// target OID, used to build the DAG's initial reference snapshot.
func (g *Git) ForEachRef(ctx context.Context, pattern string) (map[oid.RefName]oid.OID, error) {
	out, err := g.Run(ctx, "for-each-ref", "--format=%(objectname) %(refname)", pattern)
	if err != nil {
		return nil, fmt.Errorf("for-each-ref %s: %w", pattern, err)
	}
	refs := make(map[oid.RefName]oid.OID)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), " ", 2)
		if len(fields) != 2 {
			continue
		}
		h, err := oid.ParseOID(fields[0])
		if err != nil {
			continue
		}
		refs[oid.RefName(fields[1])] = h
	}
	return refs, sc.Err()
}

// Fetch runs `git fetch` for the given remote and refspecs, an external
// collaborator call per spec §6 (network transport is not reimplemented).
func (g *Git) Fetch(ctx context.Context, remote string, refspecs ...string) error {
	args := append([]string{"fetch", remote}, refspecs...)
	if err := g.RunInteractive(ctx, args...); err != nil {
		return fmt.Errorf("fetch %s: %w", remote, err)
	}
	return nil
}

// Push runs `git push` for the given remote and refspecs.
func (g *Git) Push(ctx context.Context, remote string, refspecs ...string) error {
	args := append([]string{"push", remote}, refspecs...)
	if err := g.RunInteractive(ctx, args...); err != nil {
		return fmt.Errorf("push %s: %w", remote, err)
	}
	return nil
}

// RebaseOnDisk drives an interactive on-disk rebase using a prepared
// rebase-todo script via GIT_SEQUENCE_EDITOR, used by the executor's
// on-disk execution mode (spec §4.6) when the caller wants git's own
// conflict-resolution UX rather than in-memory cherry-picks.
func (g *Git) RebaseOnDisk(ctx context.Context, onto string, editorScript string) error {
	c := g.command(ctx, []string{"rebase", "--interactive", "--autostash", onto})
	c.Env = append(c.Env, "GIT_SEQUENCE_EDITOR="+editorScript)
	c.Stdin = nil
	stderrBuf := new(strBuilder)
	c.Stderr = stderrBuf
	if err := runGraceful(ctx, c); err != nil {
		return wrapExit("git rebase", err, []byte(stderrBuf.String()))
	}
	return nil
}

type strBuilder struct{ strings.Builder }

func (s *strBuilder) Write(p []byte) (int, error) { return s.Builder.Write(p) }

// RevListCount runs `rev-list --count` with args and returns the parsed
// count.
func (g *Git) RevListCount(ctx context.Context, args ...string) (int, error) {
	full := append([]string{"rev-list", "--count"}, args...)
	line, err := g.RunOneLiner(ctx, full...)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("rev-list --count: parse %q: %w", line, err)
	}
	return n, nil
}
