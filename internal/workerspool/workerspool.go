// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a bounded pool of worker goroutines, used to
// parallelize per-tensor work when encoding model weights.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits how many tasks run concurrently. The zero value is not usable,
// create it with New.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
}

// New returns a Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	p := &Pool{maxParallelism: runtime.NumCPU()}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism is the soft target for parallelism.
// 0 means parallelism is disabled (tasks run inline); -1 means unlimited.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// SetMaxParallelism changes the parallelism target. Only change it before any
// task is started; changing it mid-run leaves the behavior undefined.
func (p *Pool) SetMaxParallelism(maxParallelism int) {
	p.maxParallelism = maxParallelism
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (p *Pool) IsUnlimited() bool {
	return p.maxParallelism < 0
}

// lockedIsFull returns whether all workers are in use.
// It must be called with p.mu held.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism == 0 {
		return true
	}
	if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= p.maxParallelism
}

// WaitToStart blocks until a worker is available, then runs the task on it.
// It returns as soon as the task is started; use Wait to block until every
// started task finished.
//
// If parallelism is disabled (maxParallelism == 0), the task runs inline and
// WaitToStart returns when it is done.
func (p *Pool) WaitToStart(task func()) {
	if p.IsUnlimited() {
		p.startTask(task)
		return
	}
	if p.maxParallelism == 0 {
		task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.lockedStartTask(task)
}

// StartIfAvailable runs the task on a worker if one is free, returning whether
// it was started.
func (p *Pool) StartIfAvailable(task func()) bool {
	if p.IsUnlimited() {
		p.startTask(task)
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockedIsFull() {
		return false
	}
	p.lockedStartTask(task)
	return true
}

// Wait blocks until all started tasks have finished.
func (p *Pool) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.numRunning > 0 {
		p.cond.Wait()
	}
}

func (p *Pool) startTask(task func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lockedStartTask(task)
}

// lockedStartTask runs the task in a goroutine, keeping tabs on p.numRunning.
// It must be called with p.mu held.
func (p *Pool) lockedStartTask(task func()) {
	p.numRunning++
	go func() {
		defer func() {
			p.mu.Lock()
			p.numRunning--
			p.cond.Broadcast()
			p.mu.Unlock()
		}()
		task()
	}()
}
