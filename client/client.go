// Package client implements ClientProtocol, the mirror state machine that
// negotiates with a coordinator SessionHandler over one REQUEST_FILE
// exchange (spec.md §4.5), grounded directly on
// original_source/fetcher.py's CacheFetcher.handleMessage dispatch and
// client.py's _fetchFile driver loop.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package client

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rwth-i6/cache-manager/client/fsops"
	"github.com/rwth-i6/cache-manager/cmn/nlog"
	"github.com/rwth-i6/cache-manager/protocol"
)

// CopyOutcome is the richer of the two variants original_source's ssh/NFS
// backends return for a copy attempt (DESIGN.md Open Question §9(a)):
// Retryable distinguishes "the coordinator-directed copy failed but an
// unsupervised cp of the origin might still work" from "the source is
// simply gone", so callers never retry a copy that can't possibly succeed
// (§9(b)).
type CopyOutcome struct {
	OK        bool
	Retryable bool
}

// Config is the subset of ClientConfig the protocol needs.
type Config struct {
	SocketTimeout time.Duration
	ClientWait    time.Duration
}

// Protocol drives one coordinator connection's REQUEST_FILE/GET_LOCATIONS
// exchanges. Not safe for concurrent use by multiple goroutines issuing
// fetches at once on the same Protocol -- one connection, one caller at a
// time, matching spec.md §4.5/§5 (the ping thread is the sole exception,
// and it only ever writes PING).
type Protocol struct {
	conn   *protocol.Conn
	fs     fsops.FileSystem
	remote fsops.RemoteFileSystem
	cfg    Config
}

func New(conn *protocol.Conn, fs fsops.FileSystem, remote fsops.RemoteFileSystem, cfg Config) *Protocol {
	return &Protocol{conn: conn, fs: fs, remote: remote, cfg: cfg}
}

// SendKeepAlive marks the session as long-lived (client.py's non-"single"
// mode): the coordinator will keep serving REQUEST_FILE/GET_LOCATIONS
// messages on this connection instead of closing after one.
func (p *Protocol) SendKeepAlive() error {
	return p.conn.Encode(protocol.New(protocol.KeepAlive))
}

func (p *Protocol) SendExit() error {
	return p.conn.Encode(protocol.New(protocol.Exit))
}

// FetchFile requests a local copy of fi (an origin-server file), returning
// the usable local path and whether the exchange finished: a cache hit, a
// completed copy, or a FALLBACK reply, which returns the original origin
// path with ok true. A false result (no free space, no usable destination,
// a lost connection, an EXIT from the coordinator) also returns the origin
// path, so the caller always gets a usable path.
func (p *Protocol) FetchFile(fi fsops.FileInfo, destination string, locateLimit int) (result string, ok bool) {
	if _, err := os.Stat(destination); err == nil {
		if wait := p.isActive(destination); wait > 0 {
			for wait > 0 {
				nlog.Infof("client: %s transfer in progress, waiting %ds", destination, wait)
				time.Sleep(time.Duration(wait) * time.Second)
				wait = p.isActive(destination)
			}
		}
	}

	exists, canCopy, removed := p.fs.DestinationExists(fi, destination)
	for _, r := range removed {
		nlog.Infof("client: removed stale %s", r)
		p.sendFileRemoved(fi, r)
	}
	if exists && !canCopy {
		nlog.Errorf("client: cannot copy file to %s", destination)
		return fi.Path, false
	}
	if exists && len(removed) == 0 {
		nlog.Infof("client: using existing file %s", destination)
		p.fs.SetATime(destination)
		p.sendFileLocation(fi, destination)
		return destination, true
	}

	if ok, _ := p.fs.CheckFreeSpace(fi.Size, destination); !ok {
		nlog.Warningf("client: not enough free space for %s", destination)
		return fi.Path, false
	}

	fileServer := p.fs.GetFileServer(fi.Path)
	if err := p.conn.Encode(protocol.New(protocol.RequestFile,
		fi.Path, strconv.FormatInt(fi.Size, 10), strconv.FormatInt(fi.Mtime, 10),
		fileServer, destination, strconv.Itoa(locateLimit))); err != nil {
		nlog.Errorf("client: request %s: %v", fi.Path, err)
		return fi.Path, false
	}

	for {
		msg, err := p.conn.Decode()
		if err != nil {
			nlog.Errorf("client: no connection to coordinator: %v", err)
			return fi.Path, false
		}
		result, done, term := p.handleMessage(fi, destination, msg)
		if term {
			return fi.Path, false
		}
		if done {
			return result, true
		}
	}
}

// handleMessage implements fetcher.py's CacheFetcher.handleMessage: one
// incoming coordinator message produces zero or one reply and either
// finishes the exchange (done) or asks the caller to keep reading.
func (p *Protocol) handleMessage(fi fsops.FileInfo, destination string, msg protocol.Message) (result string, done, terminate bool) {
	switch msg.Kind {
	case protocol.CheckLocal:
		if p.checkLocal(fi, msg.Fields[0]) {
			p.conn.Encode(protocol.New(protocol.FileOK))
			return msg.Fields[0], true, false
		}
		p.conn.Encode(protocol.New(protocol.FileNotOK))
		return "", false, false

	case protocol.CheckRemote:
		host, remotePath := msg.Fields[0], msg.Fields[1]
		if p.checkRemote(fi, host, remotePath) {
			p.remote.BrandFile(host, remotePath)
			p.conn.Encode(protocol.New(protocol.FileOK))
		} else {
			p.conn.Encode(protocol.New(protocol.FileNotOK))
		}
		return "", false, false

	case protocol.CopyFromNode:
		host, remotePath := msg.Fields[0], msg.Fields[1]
		outcome := p.copyFromNode(host, remotePath, destination)
		if outcome.OK {
			p.conn.Encode(protocol.New(protocol.CopyOK, destination))
			return destination, true, false
		}
		p.conn.Encode(protocol.New(protocol.CopyFailed))
		return "", false, false

	case protocol.CopyFromServer:
		outcome := p.copyFromServer(fi, destination)
		if outcome.OK {
			p.conn.Encode(protocol.New(protocol.CopyOK, destination))
			return destination, true, false
		}
		p.conn.Encode(protocol.New(protocol.CopyFailed))
		return "", false, false

	case protocol.Fallback:
		nlog.Infof("client: no local cache available for %s", fi.Path)
		return fi.Path, true, false

	case protocol.Wait:
		secs, _ := strconv.Atoi(msg.Fields[0])
		nlog.Infof("client: no copy slot available, waiting %ds", secs)
		time.Sleep(time.Duration(secs) * time.Second)
		fileServer := p.fs.GetFileServer(fi.Path)
		p.conn.Encode(protocol.New(protocol.RequestFile,
			fi.Path, strconv.FormatInt(fi.Size, 10), strconv.FormatInt(fi.Mtime, 10),
			fileServer, destination, "9999"))
		return "", false, false

	case protocol.Exit:
		return "", false, true

	default:
		nlog.Errorf("client: unknown message received: %s", msg.Kind)
		return fi.Path, true, false
	}
}

func (p *Protocol) checkLocal(fi fsops.FileInfo, path string) bool {
	check, err := p.fs.GetFileInfo(path)
	if err != nil {
		return false
	}
	return check.Size == fi.Size && check.Mtime == fi.Mtime
}

func (p *Protocol) checkRemote(fi fsops.FileInfo, host, path string) bool {
	size, mtime, ok := p.remote.GetFileStat(host, path)
	if !ok {
		return false
	}
	return size == fi.Size && mtime == fi.Mtime
}

// copyFromNode drives one peer-to-peer copy, keeping the coordinator
// connection alive with PINGs for the duration (spec.md §4.5/§5).
func (p *Protocol) copyFromNode(host, remotePath, destination string) CopyOutcome {
	nlog.Infof("client: copying %s:%s", host, remotePath)
	pt := p.startPingThread()
	ok, msg := p.remote.CopyFile(host, remotePath, destination)
	pt.stop()
	if !ok {
		nlog.Errorf("client: cannot copy %s:%s to %s: %s", host, remotePath, destination, msg)
		return CopyOutcome{OK: false, Retryable: true}
	}
	p.fs.SetATime(destination)
	return CopyOutcome{OK: true}
}

// copyFromServer drives the origin copy. A failed outcome is Retryable
// unless the source itself is gone; handleMessage replies COPY_FAILED in
// either case and does not pass Retryable on to FetchFile's caller.
func (p *Protocol) copyFromServer(fi fsops.FileInfo, destination string) CopyOutcome {
	nlog.Infof("client: copying %s", fi.Path)
	pt := p.startPingThread()
	ok, msg := p.remote.CopyUsingCp(fi.Path, destination)
	pt.stop()
	if !ok {
		nlog.Errorf("client: cannot copy %s to %s: %s", fi.Path, destination, msg)
		_, statErr := os.Stat(fi.Path)
		retryable := !os.IsNotExist(statErr)
		return CopyOutcome{OK: false, Retryable: retryable}
	}
	p.fs.SetATime(destination)
	return CopyOutcome{OK: true}
}

func (p *Protocol) isActive(destination string) int {
	if err := p.conn.Encode(protocol.New(protocol.IsActive, destination)); err != nil {
		return 0
	}
	msg, err := p.conn.Decode()
	if err != nil {
		nlog.Errorf("client: connection reset")
		return 0
	}
	if msg.Kind != protocol.Wait {
		return 0
	}
	secs, _ := strconv.Atoi(msg.Fields[0])
	return secs
}

func (p *Protocol) sendFileLocation(fi fsops.FileInfo, destination string) {
	p.conn.Encode(protocol.New(protocol.HaveFile,
		fi.Path, strconv.FormatInt(fi.Size, 10), strconv.FormatInt(fi.Mtime, 10), destination))
}

func (p *Protocol) sendFileRemoved(fi fsops.FileInfo, destination string) {
	p.conn.Encode(protocol.New(protocol.DeletedCopy,
		fi.Path, strconv.FormatInt(fi.Size, 10), strconv.FormatInt(fi.Mtime, 10), destination))
}

// GetLocations implements spec.md §4.5's use of CHECK_REMOTE as a
// "location found" signal (as opposed to fetch's "not local" use, per
// DESIGN.md Open Question §9(c) -- kept as two call paths sharing a wire
// message, not unified).
func (p *Protocol) GetLocations(fi fsops.FileInfo, limit int) (found []string, ok bool) {
	// KEEP_ALIVE precedes every GET_LOCATIONS so the coordinator's session
	// loop doesn't disconnect after this one sub-exchange (client.py's
	// _findLocations sends it immediately before each request).
	if err := p.conn.Encode(protocol.New(protocol.KeepAlive)); err != nil {
		return nil, false
	}
	if err := p.conn.Encode(protocol.New(protocol.GetLocations,
		fi.Path, strconv.FormatInt(fi.Size, 10), strconv.FormatInt(fi.Mtime, 10), strconv.Itoa(limit))); err != nil {
		return nil, false
	}
	for {
		msg, err := p.conn.Decode()
		if err != nil {
			return found, false
		}
		switch msg.Kind {
		case protocol.CheckLocal:
			if p.checkLocal(fi, msg.Fields[0]) {
				p.conn.Encode(protocol.New(protocol.FileOK))
				found = append(found, msg.Fields[0])
			} else {
				p.conn.Encode(protocol.New(protocol.FileNotOK))
			}
		case protocol.CheckRemote:
			host, remotePath := msg.Fields[0], msg.Fields[1]
			if p.checkRemote(fi, host, remotePath) {
				p.remote.BrandFile(host, remotePath)
				p.conn.Encode(protocol.New(protocol.FileOK))
				found = append(found, host+":"+remotePath)
			} else {
				p.conn.Encode(protocol.New(protocol.FileNotOK))
			}
		case protocol.Exit:
			return found, true
		default:
			return found, false
		}
	}
}

// CopyToServer uploads a local file onto a mounted file server, the
// inverse of FetchFile: it registers the intended copy with the
// coordinator via REGISTER_COPY, waits for a transfer slot, performs the
// actual bytes-on-disk copy itself once granted, and reports back so the
// coordinator can record (or refuse to record) the new replica. Grounded
// on client.py's CmClient._copyFile/_copySingleFile/_copyBundleFile.
// tryAgain tells the caller whether an unsupervised local cp is still a
// reasonable fallback (source exists, only the coordinator exchange
// failed) versus pointless (isBundle, or the source itself is missing).
func (p *Protocol) CopyToServer(fs fsops.FileSystem, source, destination string, register, isBundle bool) (ok, tryAgain bool) {
	fi, err := fs.GetFileInfo(source)
	if err != nil {
		nlog.Errorf("client: file not found %q", source)
		return false, false
	}
	if isBundle {
		if st, err := os.Stat(destination); err != nil || !st.IsDir() {
			nlog.Errorf("client: destination %s is not a directory", destination)
			return false, false
		}
	}

	fileServer := fs.GetFileServer(destination)
	request := protocol.New(protocol.RegisterCopy,
		source, strconv.FormatInt(fi.Size, 10), strconv.FormatInt(fi.Mtime, 10), fileServer)
	if err := p.conn.Encode(request); err != nil {
		nlog.Errorf("client: register copy: %v", err)
		return false, true
	}

	for {
		msg, err := p.conn.Decode()
		if err != nil {
			nlog.Errorf("client: register copy: no reply from coordinator: %v", err)
			return false, true
		}
		switch msg.Kind {
		case protocol.Wait:
			secs, _ := strconv.Atoi(msg.Fields[0])
			nlog.Infof("client: no copy slot available, waiting %ds", secs)
			time.Sleep(time.Duration(secs) * time.Second)
			if err := p.conn.Encode(request); err != nil {
				nlog.Errorf("client: register copy retry: %v", err)
				return false, true
			}
		case protocol.FileOK:
			var result bool
			var reply protocol.Message
			if !isBundle {
				result, reply = p.copySingleFile(source, destination, register)
			} else {
				result, reply = p.copyBundleFile(source, destination)
			}
			if err := p.conn.Encode(reply); err != nil {
				nlog.Errorf("client: register copy reply: %v", err)
				return false, true
			}
			return result, false
		default:
			nlog.Errorf("client: unexpected message during register copy: %s", msg.Kind)
			return false, true
		}
	}
}

func (p *Protocol) copySingleFile(source, destination string, register bool) (ok bool, reply protocol.Message) {
	pt := p.startPingThread()
	err := fsops.CopyLocal(source, destination)
	pt.stop()
	if err != nil {
		nlog.Errorf("client: cannot copy %s to %s: %v", source, destination, err)
		return false, protocol.New(protocol.CopyFailed)
	}
	nlog.Infof("client: copied %s to %s", source, destination)
	if !register {
		return true, protocol.New(protocol.CopyFailed)
	}
	return true, protocol.New(protocol.CopyOK, destination)
}

// copyBundleFile copies every member listed in the bundle manifest
// `source` into the directory `destination`, always replying COPY_FAILED
// (client.py's comment: "force a copy failed such that the server does
// not register the bundle file location as cache copy").
func (p *Protocol) copyBundleFile(source, destination string) (ok bool, reply protocol.Message) {
	pt := p.startPingThread()
	defer pt.stop()

	f, err := os.Open(source)
	if err != nil {
		nlog.Errorf("client: cannot open bundle %s: %v", source, err)
		return false, protocol.New(protocol.CopyFailed)
	}
	defer f.Close()

	cnt, fail := 0, 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		item := strings.TrimSpace(sc.Text())
		if item == "" {
			continue
		}
		dst := filepath.Join(destination, filepath.Base(item))
		if err := fsops.CopyLocal(item, dst); err != nil {
			nlog.Errorf("client: cannot copy %s to %s: %v", item, dst, err)
			fail++
			continue
		}
		nlog.Infof("client: copied %s to %s", item, dst)
		cnt++
	}
	nlog.Infof("client: copied %d files, %d errors", cnt, fail)
	nlog.Warningf("client: local copies not registered in database")
	return fail == 0, protocol.New(protocol.CopyFailed)
}

// pingThread emits PING every SocketTimeout/2 to keep the coordinator
// connection from idling out during a long copy (spec.md §4.5/§5). Modeled
// on fetcher.py's PingThread (a thread with a stop event), translated to a
// goroutine with a stop channel.
type pingThread struct {
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func (p *Protocol) startPingThread() *pingThread {
	pt := &pingThread{stopCh: make(chan struct{})}
	interval := p.cfg.SocketTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	pt.wg.Add(1)
	go func() {
		defer pt.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-pt.stopCh:
				return
			case <-t.C:
				if err := p.conn.Encode(protocol.New(protocol.Ping)); err != nil {
					nlog.Warningf("client: ping: %v", err)
					return
				}
			}
		}
	}()
	return pt
}

func (pt *pingThread) stop() {
	close(pt.stopCh)
	pt.wg.Wait()
}
