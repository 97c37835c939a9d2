// Package index: LocationIndex, the coordinator's single source of truth
// for which hosts hold which cached replicas.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package index

import (
	"math/rand"
	"sync"
	"time"

	"github.com/seiflotfy/cuckoofilter"
)

// SlotChecker is the subset of TransferScheduler that getLocation needs to
// bias replica selection away from busy hosts (spec.md §4.2's "rationale
// for the scheduler-aware pick"). Declared here, not imported from sched,
// so index has no dependency on the scheduler's package.
type SlotChecker interface {
	HasFreeSlot(host string) bool
}

// LocationIndex maps origin path to the set of hosts holding a valid
// replica. One mutex guards the whole mapping (spec.md §5 and DESIGN.md's
// Open Question decision against per-record sharding).
type LocationIndex struct {
	mu      sync.Mutex
	records map[string]*record
	changed bool

	// filter is a fast probabilistic negative for hasFile: a miss here is
	// certain, a hit still requires the map lookup to confirm. It is kept
	// best-effort and never the source of truth -- removeLocation does not
	// shrink it, so over the life of a long-running coordinator it trends
	// toward reporting more false positives, never false negatives.
	filter *cuckoo.Filter
}

func New() *LocationIndex {
	return &LocationIndex{
		records: make(map[string]*record),
		filter:  cuckoo.NewFilter(1 << 20),
	}
}

// HasFile reports whether path has at least one known valid replica.
func (li *LocationIndex) HasFile(path string) bool {
	if !li.filter.Lookup([]byte(path)) {
		return false
	}
	li.mu.Lock()
	defer li.mu.Unlock()
	_, ok := li.records[path]
	return ok
}

// GetLocation picks one Location for path per spec.md §4.2: prefer
// preferredHost if present; else, when sched is non-nil and there's more
// than one candidate, restrict to hosts with a free transfer slot; else
// pick uniformly at random from whatever is left. Updates atime.
func (li *LocationIndex) GetLocation(path, preferredHost string, sched SlotChecker) (Location, bool) {
	li.mu.Lock()
	defer li.mu.Unlock()

	rec, ok := li.records[path]
	if !ok || len(rec.locs) == 0 {
		return Location{}, false
	}
	rec.atime = now()

	for _, l := range rec.locs {
		if l.Host == preferredHost {
			return l, true
		}
	}

	candidates := rec.locs
	if sched != nil && len(rec.locs) > 1 {
		free := make([]Location, 0, len(rec.locs))
		for _, l := range rec.locs {
			if sched.HasFreeSlot(l.Host) {
				free = append(free, l)
			}
		}
		if len(free) > 0 {
			candidates = free
		}
	}
	return candidates[rand.Intn(len(candidates))], true
}

// GetAllLocations returns a snapshot copy of path's Locations. The caller
// must not mutate the returned slice. Updates atime.
func (li *LocationIndex) GetAllLocations(path string) []Location {
	li.mu.Lock()
	defer li.mu.Unlock()

	rec, ok := li.records[path]
	if !ok {
		return nil
	}
	rec.atime = now()
	out := make([]Location, len(rec.locs))
	copy(out, rec.locs)
	return out
}

// AddLocation inserts loc into path's record if not already present,
// creating the record if absent.
func (li *LocationIndex) AddLocation(path string, loc Location) {
	li.mu.Lock()
	defer li.mu.Unlock()

	rec, ok := li.records[path]
	if !ok {
		rec = &record{}
		li.records[path] = rec
	}
	if rec.indexOf(loc) >= 0 {
		rec.atime = now()
		return
	}
	rec.locs = append(rec.locs, loc)
	rec.atime = now()
	li.changed = true
	li.filter.InsertUnique([]byte(path))
}

// RemoveLocation removes loc from path's record if present, dropping the
// record entirely once it becomes empty.
func (li *LocationIndex) RemoveLocation(path string, loc Location) {
	li.mu.Lock()
	defer li.mu.Unlock()

	rec, ok := li.records[path]
	if !ok {
		return
	}
	i := rec.indexOf(loc)
	if i < 0 {
		return
	}
	rec.locs = append(rec.locs[:i], rec.locs[i+1:]...)
	li.changed = true
	if len(rec.locs) == 0 {
		delete(li.records, path)
	}
}

// PurgeOlderThan removes every record whose atime is below threshold
// (epoch seconds), returning the number of records removed.
func (li *LocationIndex) PurgeOlderThan(threshold int64) int {
	li.mu.Lock()
	defer li.mu.Unlock()

	n := 0
	for path, rec := range li.records {
		if rec.atime < threshold {
			delete(li.records, path)
			n++
		}
	}
	if n > 0 {
		li.changed = true
	}
	return n
}

// Stat reports the number of records and the total number of Locations
// across all of them.
func (li *LocationIndex) Stat() (numRecords, numLocations int) {
	li.mu.Lock()
	defer li.mu.Unlock()

	numRecords = len(li.records)
	for _, rec := range li.records {
		numLocations += len(rec.locs)
	}
	return
}

func now() int64 { return time.Now().Unix() }
