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

// Package hook implements the handlers installed into the host SCM's hook
// points, translating its notifications into event-log writes (spec §6
// "Hook surface (installed into the SCM)").
package hook

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"branchless.dev/core/eventlog"
	"branchless.dev/core/internal/oid"
)

// Handlers bundles the dependencies every hook handler needs: a store to
// append events to and a logger. The transaction id is not held here; each
// handler takes it as an argument.
type Handlers struct {
	Store *eventlog.Store
	Log   *logrus.Entry
}

// New creates a Handlers bound to store.
func New(store *eventlog.Store, log *logrus.Entry) *Handlers {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Handlers{Store: store, Log: log}
}

// PostCommit emits a Commit event for newHead, matching the SCM's
// post-commit hook ("emit Commit{new_head}").
func (h *Handlers) PostCommit(ctx context.Context, tx eventlog.TransactionID, nowUnixMs int64, newHead oid.OID) error {
	ev := eventlog.CommitCreated(tx, nowUnixMs, newHead)
	if err := h.Store.AddEvents(ctx, tx, "commit", nowUnixMs, []eventlog.Event{ev}); err != nil {
		return fmt.Errorf("hook: post-commit: %w", err)
	}
	return nil
}

// PostRewrite reads "old new\n" pairs from r (the SCM's post-rewrite hook
// stdin contract) and emits a Rewrite event per pair.
func (h *Handlers) PostRewrite(ctx context.Context, tx eventlog.TransactionID, nowUnixMs int64, r io.Reader) error {
	var events []eventlog.Event
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			h.Log.WithField("line", line).Warn("hook: post-rewrite: malformed line, skipping")
			continue
		}
		oldOID, err := oid.ParseOID(fields[0])
		if err != nil {
			h.Log.WithError(err).WithField("line", line).Warn("hook: post-rewrite: bad old oid, skipping")
			continue
		}
		newOID, err := oid.ParseOID(fields[1])
		if err != nil {
			h.Log.WithError(err).WithField("line", line).Warn("hook: post-rewrite: bad new oid, skipping")
			continue
		}
		events = append(events, eventlog.Rewrite(tx, nowUnixMs, oldOID, newOID))
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("hook: post-rewrite: read stdin: %w", err)
	}
	if len(events) == 0 {
		return nil
	}
	if err := h.Store.AddEvents(ctx, tx, "rewrite", nowUnixMs, events); err != nil {
		return fmt.Errorf("hook: post-rewrite: %w", err)
	}
	return nil
}

// PostCheckout emits a RefUpdate event for HEAD moving from oldHead to
// newHead, matching the SCM's post-checkout hook.
func (h *Handlers) PostCheckout(ctx context.Context, tx eventlog.TransactionID, nowUnixMs int64, oldHead, newHead oid.MaybeZeroOid) error {
	ev := eventlog.RefUpdate(tx, nowUnixMs, "HEAD", oldHead, newHead)
	if err := h.Store.AddEvents(ctx, tx, "checkout", nowUnixMs, []eventlog.Event{ev}); err != nil {
		return fmt.Errorf("hook: post-checkout: %w", err)
	}
	return nil
}

// ignoredRefPrefixes lists reference namespaces the reference-transaction
// hook must not log events for: the branchless-internal refs themselves,
// to avoid the event log recording its own bookkeeping.
var ignoredRefPrefixes = []string{"refs/branchless/"}

// ignoredRefNames lists exact ref names the reference-transaction hook must
// not log events for, regardless of prefix: ORIG_HEAD is rewritten by git on
// every rebase/reset and carries no meaning for visibility or undo (spec
// §4.1).
var ignoredRefNames = map[oid.RefName]bool{"ORIG_HEAD": true}

func isIgnoredRef(name oid.RefName) bool {
	if ignoredRefNames[name] {
		return true
	}
	for _, p := range ignoredRefPrefixes {
		if strings.HasPrefix(string(name), p) {
			return true
		}
	}
	return false
}

// ReferenceTransactionCommitted reads "old new ref\n" lines from r (the
// SCM's `reference-transaction committed` hook stdin contract) and emits a
// RefUpdate event for each non-ignored ref.
func (h *Handlers) ReferenceTransactionCommitted(ctx context.Context, tx eventlog.TransactionID, nowUnixMs int64, r io.Reader) error {
	var events []eventlog.Event
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			h.Log.WithField("line", line).Warn("hook: reference-transaction: malformed line, skipping")
			continue
		}
		refName := oid.RefName(fields[2])
		if isIgnoredRef(refName) {
			continue
		}
		oldOID, err := parseMaybeZero(fields[0])
		if err != nil {
			h.Log.WithError(err).WithField("line", line).Warn("hook: reference-transaction: bad old oid, skipping")
			continue
		}
		newOID, err := parseMaybeZero(fields[1])
		if err != nil {
			h.Log.WithError(err).WithField("line", line).Warn("hook: reference-transaction: bad new oid, skipping")
			continue
		}
		events = append(events, eventlog.RefUpdate(tx, nowUnixMs, refName, oldOID, newOID))
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("hook: reference-transaction: read stdin: %w", err)
	}
	if len(events) == 0 {
		return nil
	}
	if err := h.Store.AddEvents(ctx, tx, "reference-transaction", nowUnixMs, events); err != nil {
		return fmt.Errorf("hook: reference-transaction: %w", err)
	}
	return nil
}

func parseMaybeZero(s string) (oid.MaybeZeroOid, error) {
	h, err := oid.ParseOID(s)
	if err != nil {
		return oid.MaybeZeroOid{}, err
	}
	if h.IsZero() {
		return oid.Zero, nil
	}
	return oid.NonZero(h), nil
}

// ErrAutoGCRefused is returned by PreAutoGC to signal the host SCM should
// abort its automatic garbage collection.
var ErrAutoGCRefused = fmt.Errorf("hook: refusing automatic gc: commits referenced only by the event log could be collected")

// PreAutoGC always refuses automatic GC, matching spec §6's pre-auto-gc
// handler: commits are kept reachable by refs/branchless/ internal refs
// that an automatic gc run doesn't know to protect, so it must be skipped
// in favor of an explicit, branchless-aware gc path.
func (h *Handlers) PreAutoGC(ctx context.Context) error {
	return ErrAutoGCRefused
}
