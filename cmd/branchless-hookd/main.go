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

// branchless-hookd is the process installed into the host SCM's hook
// points. os.Args[1] selects which hook fired; hook-specific arguments and
// stdin follow the SCM's own contract for that hook (spec §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"branchless.dev/core/eventlog"
	"branchless.dev/core/hook"
	"branchless.dev/core/internal/gitwire"
	"branchless.dev/core/internal/oid"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		cancel()
	}()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "branchless-hookd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: branchless-hookd HOOK-NAME [args...]")
	}

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}
	git, err := gitwire.New("git", wd)
	if err != nil {
		return fmt.Errorf("find git: %w", err)
	}
	gitDir, err := git.Dir(ctx)
	if err != nil {
		return fmt.Errorf("find git dir: %w", err)
	}

	store, err := eventlog.Open(ctx, filepath.Join(gitDir, "branchless", "db"), logrus.NewEntry(logrus.New()))
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer store.Close()

	h := hook.New(store, logrus.NewEntry(logrus.New()))
	tx := eventlog.MakeTransactionID(os.Getenv("BRANCHLESS_TRANSACTION_ID"), func() string {
		return strconv.Itoa(os.Getpid())
	})
	now := nowUnixMs()

	switch args[0] {
	case "post-commit":
		newHead, err := git.ParseOID(ctx, "HEAD")
		if err != nil {
			return fmt.Errorf("post-commit: resolve HEAD: %w", err)
		}
		return h.PostCommit(ctx, tx, now, newHead)

	case "post-rewrite":
		return h.PostRewrite(ctx, tx, now, os.Stdin)

	case "post-checkout":
		if len(args) < 3 {
			return fmt.Errorf("post-checkout: expected previous-head new-head [branch-checkout-flag]")
		}
		oldHead, err := parseMaybeZeroArg(args[1])
		if err != nil {
			return fmt.Errorf("post-checkout: parse previous head: %w", err)
		}
		newHead, err := parseMaybeZeroArg(args[2])
		if err != nil {
			return fmt.Errorf("post-checkout: parse new head: %w", err)
		}
		return h.PostCheckout(ctx, tx, now, oldHead, newHead)

	case "reference-transaction":
		if len(args) < 2 || args[1] != "committed" {
			// Only the "committed" phase carries a final ref state; "prepared"
			// and "aborted" are no-ops for event-log purposes.
			return nil
		}
		return h.ReferenceTransactionCommitted(ctx, tx, now, os.Stdin)

	case "pre-auto-gc":
		return h.PreAutoGC(ctx)

	default:
		return fmt.Errorf("unknown hook %q", args[0])
	}
}

func nowUnixMs() int64 {
	return time.Now().UnixMilli()
}

func parseMaybeZeroArg(s string) (oid.MaybeZeroOid, error) {
	h, err := oid.ParseOID(s)
	if err != nil {
		return oid.MaybeZeroOid{}, err
	}
	if h.IsZero() {
		return oid.Zero, nil
	}
	return oid.NonZero(h), nil
}
