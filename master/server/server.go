// Package server runs the coordinator process: it accepts client
// connections and spawns a session.Handler per connection, multiplexes
// the periodic snapshot/cleanup/stats workers onto hk, serves a debug
// HTTP endpoint, and orchestrates an orderly shutdown on SIGINT/SIGTERM.
// Grounded on fs/walkbck.go's errgroup.WithContext fan-out idiom and
// ios/fsutils_linux.go's direct golang.org/x/sys/unix socket use.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/rwth-i6/cache-manager/cmn/config"
	"github.com/rwth-i6/cache-manager/cmn/nlog"
	"github.com/rwth-i6/cache-manager/hk"
	"github.com/rwth-i6/cache-manager/master/index"
	"github.com/rwth-i6/cache-manager/master/sched"
	"github.com/rwth-i6/cache-manager/master/session"
	"github.com/rwth-i6/cache-manager/master/stats"
	"github.com/rwth-i6/cache-manager/protocol"
)

const (
	hkSnapshot = "master.snapshot"
	hkCleanup  = "master.cleanup"
	hkStats    = "master.stats"
)

// Server owns the coordinator's listener and its three collaborators: the
// replica index, the transfer scheduler, and the stats tracker.
type Server struct {
	cfg   *config.MasterConfig
	idx   *index.LocationIndex
	sched *sched.TransferScheduler
	stats *stats.Tracker
	reg   *prometheus.Registry

	ln net.Listener
}

// New constructs a Server and loads any existing snapshot from
// cfg.DBFile (spec.md §4.2's startup-load rule); a missing file is skipped
// silently (a coordinator starting for the first time has nothing to load),
// and any other load error is logged and otherwise ignored.
func New(cfg *config.MasterConfig) *Server {
	idx := index.New()
	if err := idx.Load(cfg.DBFile); err != nil {
		nlog.Warningf("server: loading %s: %v", cfg.DBFile, err)
	}

	reg := prometheus.NewRegistry()
	st := stats.New(reg)
	if err := st.EnableHistory(); err != nil {
		nlog.Warningf("server: enabling stats history: %v", err)
	}

	return &Server{
		cfg:   cfg,
		idx:   idx,
		sched: sched.New(cfg.MaxCopyServer, cfg.MaxCopyNode, cfg.MaxWaitCopy),
		stats: st,
		reg:   reg,
	}
}

// Run listens on cfg.Port, serves connections and the debug HTTP endpoint,
// and blocks until ctx is cancelled or a fatal accept error occurs, at
// which point it stops accepting, shuts down the debug HTTP server and
// snapshots the index one last time (spec.md §5's shutdown orchestration).
// Sessions still being served are not waited for.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lc := net.ListenConfig{Control: tuneListener}
	ln, err := lc.Listen(ctx, "tcp", portAddr(s.cfg.Port))
	if err != nil {
		return err
	}
	s.ln = ln
	nlog.Infof("server: listening on %s", ln.Addr())

	hk.Reg(hkSnapshot, s.snapshotTick, s.cfg.DBSaveInterval)
	hk.Reg(hkCleanup, s.cleanupTick, s.cfg.CleanupInterval)
	hk.Reg(hkStats, s.statsTick, s.cfg.StatInterval)
	go hk.DefaultHK.Run()
	defer hk.DefaultHK.Stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.acceptLoop(gctx) })
	group.Go(func() error { return s.serveDebugHTTP(gctx) })
	group.Go(func() error {
		<-gctx.Done()
		return s.ln.Close()
	})

	runErr := group.Wait()
	if saveErr := s.idx.Snapshot(s.cfg.DBFile); saveErr != nil {
		nlog.Errorf("server: final snapshot: %v", saveErr)
	}
	if runErr != nil && !errors.Is(runErr, net.ErrClosed) {
		return runErr
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		go s.serve(nc)
	}
}

func (s *Server) serve(nc net.Conn) {
	defer nc.Close()
	host, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
	conn := protocol.NewConn(nc, s.cfg.SocketTimeout)
	cfg := session.Config{ClientWait: s.cfg.ClientWait, MaxWaitCopy: s.cfg.MaxWaitCopy}
	h := session.NewHandler(conn, s.idx, s.sched, s.stats, cfg, host)
	h.Run()
}

func (s *Server) snapshotTick() time.Duration {
	if err := s.idx.Snapshot(s.cfg.DBFile); err != nil {
		nlog.Warningf("server: periodic snapshot: %v", err)
	}
	return s.cfg.DBSaveInterval
}

func (s *Server) cleanupTick() time.Duration {
	threshold := time.Now().Add(-s.cfg.MaxAge).Unix()
	n := s.idx.PurgeOlderThan(threshold)
	if n > 0 {
		nlog.Infof("server: purged %d stale records older than %s", n, s.cfg.MaxAge)
	}
	return s.cfg.CleanupInterval
}

func (s *Server) statsTick() time.Duration {
	s.stats.LogTick()
	return s.cfg.StatInterval
}

// serveDebugHTTP exposes /stats (a JSON snapshot) and /metrics (Prometheus
// exposition) on Port+1, per SPEC_FULL.md's debug-server wiring of
// valyala/fasthttp and prometheus/client_golang.
func (s *Server) serveDebugHTTP(ctx context.Context) error {
	promHandler := fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	srv := &fasthttp.Server{
		Handler: func(rc *fasthttp.RequestCtx) {
			switch string(rc.Path()) {
			case "/metrics":
				promHandler(rc)
			case "/stats":
				s.writeStatsJSON(rc)
			default:
				rc.SetStatusCode(fasthttp.StatusNotFound)
			}
		},
	}

	addr := portAddr(s.cfg.Port + 1)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(addr) }()

	select {
	case <-ctx.Done():
		return srv.Shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) writeStatsJSON(rc *fasthttp.RequestCtx) {
	raw, err := jsoniter.Marshal(s.stats.Get())
	if err != nil {
		rc.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	rc.SetContentType("application/json")
	rc.SetBody(raw)
}

func portAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

// tuneListener sets SO_REUSEADDR on the listening socket so a restarted
// coordinator can rebind its port immediately instead of waiting out
// TIME_WAIT.
func tuneListener(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
