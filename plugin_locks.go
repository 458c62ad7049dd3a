// plugin_locks.go: Per-plugin mutual exclusion for installation runs
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"context"
	"sort"
	"sync"
	"time"
)

// pluginLocks hands out one lock per plugin id. Locks are buffered channels
// so acquisition can honour a context and a timeout.
type pluginLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newPluginLocks() *pluginLocks {
	return &pluginLocks{locks: make(map[string]chan struct{})}
}

func (l *pluginLocks) lockFor(id string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[id] = ch
	}
	return ch
}

// acquire locks every id in ascending order, so two runs with overlapping
// plugin sets cannot deadlock. On failure nothing stays locked. The returned
// function releases all locks.
func (l *pluginLocks) acquire(ctx context.Context, ids []string, timeout time.Duration) (func(), error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	sorted = dedupSorted(sorted)

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	held := make([]chan struct{}, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, id := range sorted {
		ch := l.lockFor(id)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-waitCtx.Done():
			release()
			if ctx.Err() != nil {
				return nil, NewInstallCancelledError(nil, sorted, ctx.Err())
			}
			return nil, NewLockTimeoutError(id, waitCtx.Err())
		}
	}
	return release, nil
}
