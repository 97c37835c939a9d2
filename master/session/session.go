// Package session implements SessionHandler, the coordinator's
// per-connection request state machine (spec.md §4.4). One Handler is
// created per accepted TCP connection by master/server's Acceptor; it owns
// the connection end-to-end -- decode loop, dispatch, and close.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package session

import (
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/rwth-i6/cache-manager/cmn/cos"
	"github.com/rwth-i6/cache-manager/cmn/nlog"
	"github.com/rwth-i6/cache-manager/master/index"
	"github.com/rwth-i6/cache-manager/master/sched"
	"github.com/rwth-i6/cache-manager/master/stats"
	"github.com/rwth-i6/cache-manager/protocol"
)

// Config is the subset of MasterConfig a Handler needs, kept narrow so
// tests can construct one without the full cmn/config type.
type Config struct {
	ClientWait  time.Duration
	MaxWaitCopy time.Duration
}

// Handler is one connection's state machine. It is not safe for concurrent
// use -- each connection is single-threaded on its own socket (spec.md §5).
type Handler struct {
	conn       *protocol.Conn
	idx        *index.LocationIndex
	sched      *sched.TransferScheduler
	stats      *stats.Tracker
	cfg        Config
	clientHost string
	sid        string
}

func NewHandler(conn *protocol.Conn, idx *index.LocationIndex, sc *sched.TransferScheduler, st *stats.Tracker, cfg Config, clientHost string) *Handler {
	return &Handler{
		conn:       conn,
		idx:        idx,
		sched:      sc,
		stats:      st,
		cfg:        cfg,
		clientHost: clientHost,
		sid:        cos.GenSessionID(),
	}
}

// Run is the connection's main loop: decode, dispatch, repeat until the
// client sends EXIT, completes one request without KEEP_ALIVE, or decode
// fails (spec.md §4.4's session-termination rule (a)/(b)/(c)).
func (h *Handler) Run() {
	if h.stats != nil {
		h.stats.SessionOpened()
		defer h.stats.SessionClosed()
	}
	nlog.Infof("session %s: accepted %s (client=%s)", h.sid, h.conn.RemoteAddr(), h.clientHost)

	keepAlive := false
	for {
		msg, err := h.conn.Decode()
		if err != nil {
			if err == protocol.ErrClosed {
				nlog.Infof("session %s: client closed connection", h.sid)
			} else {
				nlog.Warningf("session %s: decode: %v", h.sid, err)
			}
			return
		}

		switch msg.Kind {
		case protocol.RequestFile:
			if h.stats != nil {
				h.stats.IncRequests()
			}
			retry := h.handleRequestFile(msg)
			for retry {
				msg, err = h.conn.Decode()
				if err != nil {
					return
				}
				retry = h.handleRequestFile(msg)
			}
		case protocol.GetLocations:
			h.handleGetLocations(msg)
		case protocol.HaveFile:
			h.handleHaveFile(msg)
		case protocol.DeletedCopy:
			h.handleDeletedFile(msg)
		case protocol.IsActive:
			h.handleIsActive(msg)
		case protocol.RegisterCopy:
			retry := h.handleRegisterCopy(msg)
			for retry {
				msg, err = h.conn.Decode()
				if err != nil {
					return
				}
				retry = h.handleRegisterCopy(msg)
			}
		case protocol.KeepAlive:
			keepAlive = true
		case protocol.Exit:
			nlog.Infof("session %s: client sent EXIT", h.sid)
			return
		default:
			nlog.Warningf("session %s: unexpected message %s outside a request", h.sid, msg.Kind)
			return
		}

		if !keepAlive {
			return
		}
	}
}

// handleRequestFile implements spec.md §4.4.1, following
// original_source/cm-server.py's handleFileRequest precisely where the
// distilled spec's step 5-7 cascade is ambiguous: a peer-copy refusal
// doesn't immediately WAIT, it
// falls through to try the origin server first, and WAIT is only sent once
// both avenues are exhausted.
func (h *Handler) handleRequestFile(msg protocol.Message) (retry bool) {
	f := requestFields(msg)

	var (
		ok        bool
		needsWait bool
		forceWait bool
	)
	for {
		loc, found := h.findValidLocation(f.originPath, f.size, f.mtime)
		switch {
		case h.sched.IsActiveTransfer(h.clientHost, f.localDest):
			forceWait, needsWait = true, true
		case found:
			forceWait = false
			if loc.Host == h.clientHost {
				ok = h.checkLocal(f.originPath, loc)
			} else {
				var abort bool
				ok, abort = h.checkRemote(f.originPath, loc)
				if !abort && ok {
					ok, needsWait = h.copyFromNode(f, loc)
				}
			}
		default:
			forceWait = false
		}
		if ok || forceWait || !found {
			break
		}
	}

	if !ok || needsWait {
		if !forceWait {
			var failed bool
			ok, needsWait = h.copyFromServer(f)
			failed = !ok
			if failed {
				nlog.Warningf("session %s: copyFromOrigin failed for %s", h.sid, f.originPath)
				if err := h.send(protocol.New(protocol.Fallback)); err != nil {
					return false
				}
			}
		}
		if needsWait {
			if h.stats != nil {
				h.stats.IncWait()
			}
			if err := h.send(protocol.New(protocol.Wait, strconv.FormatInt(int64(h.cfg.ClientWait/time.Second), 10))); err != nil {
				return false
			}
			return true
		}
	}
	return false
}

type requestFile struct {
	originPath string
	size       int64
	mtime      int64
	fileServer string
	localDest  string
	limit      int
}

func requestFields(msg protocol.Message) requestFile {
	size, _ := strconv.ParseInt(msg.Fields[1], 10, 64)
	mtime, _ := strconv.ParseInt(msg.Fields[2], 10, 64)
	limit, _ := strconv.Atoi(msg.Fields[5])
	return requestFile{
		originPath: msg.Fields[0],
		size:       size,
		mtime:      mtime,
		fileServer: msg.Fields[3],
		localDest:  msg.Fields[4],
		limit:      limit,
	}
}

// findValidLocation mirrors cm-server.py's findLocation: repeatedly pick a
// candidate, dropping any whose size/mtime disagree with the request
// (removing it from the index) until a match is found or the record is
// exhausted.
func (h *Handler) findValidLocation(originPath string, size, mtime int64) (index.Location, bool) {
	for {
		loc, ok := h.idx.GetLocation(originPath, h.clientHost, h.sched)
		if !ok {
			return index.Location{}, false
		}
		if loc.Size != size || loc.Mtime != mtime {
			h.idx.RemoveLocation(originPath, loc)
			continue
		}
		return loc, true
	}
}

// checkLocal asks the client to verify loc is still present locally. A
// dead connection is treated as "don't care" (cm-server.py returns True so
// the outer loop stops retrying a session that's already gone).
func (h *Handler) checkLocal(originPath string, loc index.Location) bool {
	if err := h.send(protocol.New(protocol.CheckLocal, loc.Path)); err != nil {
		return true
	}
	reply, err := h.conn.Decode()
	if err != nil {
		return true
	}
	if reply.Kind != protocol.FileOK {
		h.idx.RemoveLocation(originPath, loc)
		return false
	}
	return true
}

// checkRemote asks the client to stat loc on its holding host. Returns
// (found, abort); abort means the connection died and the caller should
// give up without mutating the index further.
func (h *Handler) checkRemote(originPath string, loc index.Location) (found, abort bool) {
	if err := h.send(protocol.New(protocol.CheckRemote, loc.Host, loc.Path)); err != nil {
		return true, true
	}
	reply, err := h.conn.Decode()
	if err != nil {
		return true, true
	}
	if reply.Kind != protocol.FileOK {
		h.idx.RemoveLocation(originPath, loc)
		return false, false
	}
	return true, false
}

// copyFromNode grants a peer-to-peer transfer token and drives the copy to
// completion, returning (copyOK, needsWait) per cm-server.py's
// copyFromRemote contract.
func (h *Handler) copyFromNode(f requestFile, loc index.Location) (ok, needsWait bool) {
	token := h.sched.StartCopyFromNode(loc.Host, h.clientHost, f.localDest)
	if token == 0 {
		if h.stats != nil {
			h.stats.IncWait()
		}
		return true, true
	}
	if err := h.send(protocol.New(protocol.CopyFromNode, loc.Host, loc.Path)); err != nil {
		h.sched.EndCopy(loc.Host, h.clientHost, token)
		return true, false
	}
	reply, token := h.waitForClient(loc.Host, h.clientHost, token)
	switch {
	case reply == nil:
		if h.stats != nil {
			h.stats.IncAborted()
		}
		ok = true
	case reply.Kind == protocol.CopyOK:
		h.idx.AddLocation(f.originPath, index.Location{
			OriginPath: f.originPath,
			Size:       f.size,
			Mtime:      f.mtime,
			Host:       h.clientHost,
			Path:       reply.Fields[0],
		})
		if h.stats != nil {
			h.stats.IncCopyFromNode()
		}
		ok = true
	default:
		h.idx.RemoveLocation(f.originPath, loc)
		ok = false
	}
	h.sched.EndCopy(loc.Host, h.clientHost, token)
	return ok, false
}

// copyFromServer grants a from-origin transfer token and drives the copy,
// mirroring cm-server.py's copyFromOrigin.
func (h *Handler) copyFromServer(f requestFile) (ok, needsWait bool) {
	fileServer := f.fileServer
	if fileServer == "" {
		fileServer = "unknown"
	}
	token := h.sched.StartCopyFromServer(fileServer, h.clientHost, f.localDest)
	if token == 0 {
		if h.stats != nil {
			h.stats.IncWait()
		}
		return true, true
	}
	if err := h.send(protocol.New(protocol.CopyFromServer)); err != nil {
		h.sched.EndCopy(fileServer, h.clientHost, token)
		return true, false
	}
	reply, token := h.waitForClient(fileServer, h.clientHost, token)
	switch {
	case reply == nil:
		if h.stats != nil {
			h.stats.IncAborted()
		}
		ok = true
	case reply.Kind == protocol.CopyOK:
		h.idx.AddLocation(f.originPath, index.Location{
			OriginPath: f.originPath,
			Size:       f.size,
			Mtime:      f.mtime,
			Host:       h.clientHost,
			Path:       reply.Fields[0],
		})
		if h.stats != nil {
			h.stats.IncCopyFromServer()
		}
		ok = true
	default:
		ok = false
	}
	h.sched.EndCopy(fileServer, h.clientHost, token)
	return ok, false
}

// waitForClient receives messages, discarding PINGs, refreshing the
// transfer token via sched.UpdateToken once it's past MAX_WAIT_COPY/2 old
// so a slow-but-live client's copy never expires out from under it
// (spec.md §4.4.1). Returns nil if the connection drops mid-copy.
func (h *Handler) waitForClient(srcHost, destNode string, token int64) (*protocol.Message, int64) {
	refreshAfter := h.cfg.MaxWaitCopy / 2
	for {
		msg, err := h.conn.Decode()
		if err != nil {
			return nil, token
		}
		if msg.Kind != protocol.Ping {
			return &msg, token
		}
		if time.Duration(time.Now().Unix()-token)*time.Second > refreshAfter {
			if nt := h.sched.UpdateToken(srcHost, destNode, token); nt != 0 {
				token = nt
			}
		}
	}
}

// handleGetLocations implements spec.md §4.4.2, counting attempts (not
// just FILE_OK replies) against locateLimit per cm-server.py's foundCounter.
func (h *Handler) handleGetLocations(msg protocol.Message) {
	originPath := msg.Fields[0]
	limit, _ := strconv.Atoi(msg.Fields[3])

	if !h.idx.HasFile(originPath) {
		h.send(protocol.New(protocol.Exit))
		return
	}

	locs := h.idx.GetAllLocations(originPath)
	attempted := 0
	for _, loc := range locs {
		if loc.Host == h.clientHost {
			h.checkLocal(originPath, loc)
		} else {
			_, abort := h.checkRemote(originPath, loc)
			if abort {
				return
			}
		}
		attempted++
		if attempted == limit {
			break
		}
	}
	h.send(protocol.New(protocol.Exit))
}

// handleRegisterCopy implements spec.md §4.4.3.
func (h *Handler) handleRegisterCopy(msg protocol.Message) (retry bool) {
	originPath, sizeStr, mtimeStr, destServer := msg.Fields[0], msg.Fields[1], msg.Fields[2], msg.Fields[3]
	size, _ := strconv.ParseInt(sizeStr, 10, 64)
	mtime, _ := strconv.ParseInt(mtimeStr, 10, 64)

	token := h.sched.StartCopyFromServer(destServer, h.clientHost, originPath)
	if token == 0 {
		if err := h.send(protocol.New(protocol.Wait, strconv.FormatInt(int64(h.cfg.ClientWait/time.Second), 10))); err != nil {
			return false
		}
		return true
	}
	if err := h.send(protocol.New(protocol.FileOK)); err != nil {
		h.sched.EndCopy(destServer, h.clientHost, token)
		return false
	}
	reply, token := h.waitForClient(destServer, h.clientHost, token)
	h.sched.EndCopy(destServer, h.clientHost, token)
	if reply != nil && reply.Kind == protocol.CopyOK {
		h.idx.AddLocation(originPath, index.Location{
			OriginPath: originPath,
			Size:       size,
			Mtime:      mtime,
			Host:       h.clientHost,
			Path:       reply.Fields[0],
		})
	}
	return false
}

func (h *Handler) handleHaveFile(msg protocol.Message) {
	size, _ := strconv.ParseInt(msg.Fields[1], 10, 64)
	mtime, _ := strconv.ParseInt(msg.Fields[2], 10, 64)
	h.idx.AddLocation(msg.Fields[0], index.Location{
		OriginPath: msg.Fields[0],
		Size:       size,
		Mtime:      mtime,
		Host:       h.clientHost,
		Path:       msg.Fields[3],
	})
}

func (h *Handler) handleDeletedFile(msg protocol.Message) {
	size, _ := strconv.ParseInt(msg.Fields[1], 10, 64)
	mtime, _ := strconv.ParseInt(msg.Fields[2], 10, 64)
	h.idx.RemoveLocation(msg.Fields[0], index.Location{
		OriginPath: msg.Fields[0],
		Size:       size,
		Mtime:      mtime,
		Host:       h.clientHost,
		Path:       msg.Fields[3],
	})
}

func (h *Handler) handleIsActive(msg protocol.Message) {
	dest := msg.Fields[0]
	var reply protocol.Message
	if h.sched.IsActiveTransfer(h.clientHost, dest) {
		reply = protocol.New(protocol.Wait, strconv.FormatInt(int64(h.cfg.ClientWait/time.Second), 10))
	} else {
		reply = protocol.New(protocol.FileOK)
	}
	h.send(reply)
}

func (h *Handler) send(msg protocol.Message) error {
	if err := h.conn.Encode(msg); err != nil {
		return errors.Wrapf(err, "session %s: encode %s", h.sid, msg.Kind)
	}
	return nil
}
