// Package hk provides a mechanism for registering cleanup/periodic
// functions which are invoked at specified intervals. It is the single
// goroutine driving master/server's Snapshot, Cleanup, and Stats workers
// (spec.md §4.6), so that each of them is "a condition variable with timed
// wait" (spec.md §5) multiplexed onto one ticking heap instead of three
// separate goroutines each holding their own timer.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rwth-i6/cache-manager/cmn/debug"
	"github.com/rwth-i6/cache-manager/cmn/nlog"
)

const (
	NameSuffix  = ".hk"
	DayInterval = 24 * time.Hour
)

// CleanupFunc runs one housekeeping pass and returns the delay until it
// should run again. Returning <= 0 unregisters it.
type CleanupFunc func() time.Duration

type request struct {
	name     string
	f        CleanupFunc
	interval time.Duration
}

type timedRequest struct {
	req request
	due time.Time
}

type requestsHeap []*timedRequest

func (h requestsHeap) Len() int            { return len(h) }
func (h requestsHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h requestsHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *requestsHeap) Push(x any)         { *h = append(*h, x.(*timedRequest)) }
func (h *requestsHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Housekeeper multiplexes many named periodic callbacks onto one timer.
type Housekeeper struct {
	mu       sync.Mutex
	byName   map[string]*timedRequest
	pending  requestsHeap
	wake     chan struct{}
	stopCh   chan struct{}
	started  chan struct{}
	startDo  sync.Once
}

// DefaultHK is the process-wide housekeeper; master/server registers the
// snapshot/cleanup/stats callbacks on it at startup.
var DefaultHK = New()

func New() *Housekeeper {
	return &Housekeeper{
		byName:  make(map[string]*timedRequest),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		started: make(chan struct{}),
	}
}

// Reg registers f to run first interval from now; each later run comes
// after the delay f itself returns (see CleanupFunc).
func Reg(name string, f CleanupFunc, interval time.Duration) {
	DefaultHK.reg(name, f, interval)
}

func Unreg(name string) { DefaultHK.unreg(name) }

func (hk *Housekeeper) reg(name string, f CleanupFunc, interval time.Duration) {
	debug.Assert(interval > 0, name)
	tr := &timedRequest{req: request{name: name, f: f, interval: interval}, due: time.Now().Add(interval)}
	hk.mu.Lock()
	if old, ok := hk.byName[name]; ok {
		old.req.f = nil // let the running loop skip a stale entry if it races
	}
	hk.byName[name] = tr
	heap.Push(&hk.pending, tr)
	hk.mu.Unlock()
	hk.poke()
}

func (hk *Housekeeper) unreg(name string) {
	hk.mu.Lock()
	if tr, ok := hk.byName[name]; ok {
		tr.req.f = nil
		delete(hk.byName, name)
	}
	hk.mu.Unlock()
}

func (hk *Housekeeper) poke() {
	select {
	case hk.wake <- struct{}{}:
	default:
	}
}

// Run is the housekeeper's single goroutine; call `go hk.Run()` once.
func (hk *Housekeeper) Run() {
	hk.startDo.Do(func() { close(hk.started) })
	for {
		timer := hk.nextTimer()
		select {
		case <-hk.stopCh:
			return
		case <-hk.wake:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-hk.fire(timer):
		}
	}
}

// fire returns a channel that receives once the soonest pending request is
// due, or a nil channel (blocks forever) if nothing is registered.
func (hk *Housekeeper) fire(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}

func (hk *Housekeeper) nextTimer() *time.Timer {
	hk.mu.Lock()
	defer hk.mu.Unlock()
	for hk.pending.Len() > 0 {
		tr := hk.pending[0]
		if tr.req.f == nil { // unregistered since it was scheduled
			heap.Pop(&hk.pending)
			continue
		}
		d := time.Until(tr.due)
		if d <= 0 {
			heap.Pop(&hk.pending)
			hk.mu.Unlock()
			next := hk.runOne(tr)
			hk.mu.Lock()
			if next > 0 {
				tr.due = time.Now().Add(next)
				heap.Push(&hk.pending, tr)
			} else {
				delete(hk.byName, tr.req.name)
			}
			continue
		}
		return time.NewTimer(d)
	}
	return nil
}

func (hk *Housekeeper) runOne(tr *timedRequest) (next time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("hk: %s panicked: %v", tr.req.name, r)
			next = tr.req.interval
		}
	}()
	return tr.req.f()
}

func (hk *Housekeeper) Stop() { close(hk.stopCh) }

// WaitStarted blocks until Run has begun processing (used by tests).
func WaitStarted() { <-DefaultHK.started }

// TestInit resets DefaultHK for a fresh test run.
func TestInit() { DefaultHK = New() }
