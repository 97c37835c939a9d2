// Package stats implements the coordinator's StatsCollector (spec.md §3 /
// §4.6): a handful of monotonic counters plus a periodic snapshot, exposed
// two ways for two different audiences -- a lock-free in-memory Get() for
// the /stats endpoint and the log line cm-server.py prints every
// STAT_INTERVAL, and a Prometheus registry served by master/server's debug
// HTTP server, plus an optional buntdb-backed history of snapshots.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	ratomic "sync/atomic"
	"time"

	"github.com/pierrec/lz4/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/buntdb"
	jsoniter "github.com/json-iterator/go"

	"github.com/rwth-i6/cache-manager/cmn/nlog"
)

// Snapshot is a point-in-time copy of the counters (spec.md §3).
type Snapshot struct {
	ActiveThreads   int64 `json:"active_threads"`
	Requests        int64 `json:"requests"`
	CopyFromServer  int64 `json:"copy_from_server"`
	CopyFromNode    int64 `json:"copy_from_node"`
	Aborted         int64 `json:"aborted"`
	Wait            int64 `json:"wait"`
}

// Tracker holds the live counters. All fields are accessed only via
// sync/atomic; `changed` additionally gates snapshot persistence exactly
// like LocationIndex's own changed flag (spec.md §3).
type Tracker struct {
	activeThreads  ratomic.Int64
	requests       ratomic.Int64
	copyFromServer ratomic.Int64
	copyFromNode   ratomic.Int64
	aborted        ratomic.Int64
	wait           ratomic.Int64
	changed        ratomic.Bool

	prom promVecs
	hist *buntdb.DB // nil when history is disabled
}

type promVecs struct {
	requests       prometheus.Counter
	copyFromServer prometheus.Counter
	copyFromNode   prometheus.Counter
	aborted        prometheus.Counter
	wait           prometheus.Counter
	activeThreads  prometheus.Gauge
}

// New builds a Tracker and registers its Prometheus counters/gauges on reg.
// reg may be nil, in which case Prometheus export is skipped (tests, or a
// coordinator run without the debug HTTP server).
func New(reg *prometheus.Registry) *Tracker {
	t := &Tracker{}
	if reg != nil {
		t.prom = promVecs{
			requests:       promCounter(reg, "cache_manager_requests_total", "REQUEST_FILE messages handled"),
			copyFromServer: promCounter(reg, "cache_manager_copy_from_server_total", "copies granted from a file server"),
			copyFromNode:   promCounter(reg, "cache_manager_copy_from_node_total", "copies granted from a peer node"),
			aborted:        promCounter(reg, "cache_manager_aborted_total", "copies aborted mid-transfer"),
			wait:           promCounter(reg, "cache_manager_wait_total", "WAIT responses sent"),
			activeThreads:  promGauge(reg, "cache_manager_active_sessions", "currently connected SessionHandlers"),
		}
	}
	return t
}

func promCounter(reg *prometheus.Registry, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	reg.MustRegister(c)
	return c
}

func promGauge(reg *prometheus.Registry, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	reg.MustRegister(g)
	return g
}

// EnableHistory opens an in-memory buntdb store that LogTick appends
// snapshots to, independent of the plain §3 counters above; entries are
// kept for the life of the process. Each entry is lz4-compressed before
// insertion per
// SPEC_FULL.md's DOMAIN STACK wiring.
func (t *Tracker) EnableHistory() error {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return err
	}
	t.hist = db
	return nil
}

func (t *Tracker) SessionOpened() {
	t.activeThreads.Add(1)
	if t.prom.activeThreads != nil {
		t.prom.activeThreads.Inc()
	}
}

func (t *Tracker) SessionClosed() {
	t.activeThreads.Add(-1)
	if t.prom.activeThreads != nil {
		t.prom.activeThreads.Dec()
	}
}

func (t *Tracker) IncRequests() {
	t.requests.Add(1)
	t.changed.Store(true)
	if t.prom.requests != nil {
		t.prom.requests.Inc()
	}
}

func (t *Tracker) IncCopyFromServer() {
	t.copyFromServer.Add(1)
	t.changed.Store(true)
	if t.prom.copyFromServer != nil {
		t.prom.copyFromServer.Inc()
	}
}

func (t *Tracker) IncCopyFromNode() {
	t.copyFromNode.Add(1)
	t.changed.Store(true)
	if t.prom.copyFromNode != nil {
		t.prom.copyFromNode.Inc()
	}
}

func (t *Tracker) IncAborted() {
	t.aborted.Add(1)
	t.changed.Store(true)
	if t.prom.aborted != nil {
		t.prom.aborted.Inc()
	}
}

func (t *Tracker) IncWait() {
	t.wait.Add(1)
	t.changed.Store(true)
	if t.prom.wait != nil {
		t.prom.wait.Inc()
	}
}

// Get returns a lock-free copy of the counters (spec.md §5: "Statistics is
// protected by its own mutex; get returns a lock-free copy" -- here the
// mutex is atomics rather than a sync.Mutex, which satisfies the same
// contract with less contention under SessionHandler's per-request calls).
func (t *Tracker) Get() Snapshot {
	return Snapshot{
		ActiveThreads:  t.activeThreads.Load(),
		Requests:       t.requests.Load(),
		CopyFromServer: t.copyFromServer.Load(),
		CopyFromNode:   t.copyFromNode.Load(),
		Aborted:        t.aborted.Load(),
		Wait:           t.wait.Load(),
	}
}

// LogTick emits the one-line info-level snapshot cm-server.py's statistics
// thread prints every STAT_INTERVAL (SPEC_FULL.md's SUPPLEMENTED FEATURES),
// and, if history is enabled, records a compressed copy keyed by tick time.
func (t *Tracker) LogTick() {
	if !t.changed.Swap(false) {
		return
	}
	snap := t.Get()
	nlog.Infof("stats: active=%d requests=%d copy_from_server=%d copy_from_node=%d aborted=%d wait=%d",
		snap.ActiveThreads, snap.Requests, snap.CopyFromServer, snap.CopyFromNode, snap.Aborted, snap.Wait)
	if t.hist != nil {
		t.record(snap)
	}
}

func (t *Tracker) record(snap Snapshot) {
	raw, err := jsoniter.Marshal(snap)
	if err != nil {
		nlog.Warningf("stats: marshal snapshot: %v", err)
		return
	}
	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	var c lz4.Compressor
	n, err := c.CompressBlock(raw, compressed)
	if err != nil {
		nlog.Warningf("stats: compress snapshot: %v", err)
		return
	}
	key := time.Now().Format(time.RFC3339Nano)
	err = t.hist.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(compressed[:n]), nil)
		return err
	})
	if err != nil {
		nlog.Warningf("stats: record snapshot: %v", err)
	}
}

// History returns up to limit most recent recorded snapshot keys (RFC3339
// timestamps), newest first, without decompressing any entry.
func (t *Tracker) History(limit int) []string {
	if t.hist == nil {
		return nil
	}
	var keys []string
	_ = t.hist.View(func(tx *buntdb.Tx) error {
		return tx.Descend("", func(key, _ string) bool {
			keys = append(keys, key)
			return len(keys) < limit
		})
	})
	return keys
}
