// Package fsops defines the client-side FileSystem and RemoteFileSystem
// collaborators (spec.md §6) and a local-disk implementation of each.
// These are deliberately the system's external edge: spec.md §1 places
// "the local filesystem layer (disk-free computation, LRU-style deletion
// of old local files, remote stat via ssh, flock-guarded copy invocation)"
// out of scope for the coordinator/ClientProtocol core, but a client
// binary still needs a concrete instance to drive.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package fsops

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rwth-i6/cache-manager/cmn/cos"
	"github.com/rwth-i6/cache-manager/cmn/nlog"
)

// FileInfo is the (path, size, mtime) triple exchanged on the wire for
// both REQUEST_FILE and GET_LOCATIONS.
type FileInfo struct {
	Path  string
	Size  int64
	Mtime int64
}

// FileSystem is the client's local-disk collaborator (spec.md §6).
type FileSystem interface {
	GetFileInfo(path string) (FileInfo, error)
	GetFileServer(originPath string) string
	DiskFree(dir string) (uint64, error)
	DiskUsage(dir string) (uint64, error)
	CheckFreeSpace(size int64, dest string) (ok bool, removed []string)
	DestinationExists(fi FileInfo, dest string) (exists, canCopy bool, removed []string)
	SetATime(path string) error
	Destination(originPath string) (string, error)
}

// RemoteFileSystem is the client's collaborator for stat/copy against a
// peer node or file server (spec.md §6). Implementations over ssh+scp and
// over NFS are both permitted; ClientProtocol is agnostic.
type RemoteFileSystem interface {
	IsHostAlive(host string) bool
	GetFileStat(host, path string) (size, mtime int64, ok bool)
	CopyFile(host, src, dst string) (ok bool, msg string)
	CopyUsingCp(src, dst string) (ok bool, msg string)
	BrandFile(host, path string) error
}

// MountTable maps a shared file-server path prefix to the host serving it,
// longest-prefix-wins, per GetFileServer's "prefix-match against mount
// table" contract.
type MountTable []MountEntry

type MountEntry struct {
	Prefix string
	Host   string
}

// LocalFileSystem is the default FileSystem: a cache directory on local
// disk, LRU'd by mtime when space is tight (spec.md §6's
// "checkFreeSpace... which may delete old cached files").
type LocalFileSystem struct {
	CacheDir string
	MinFree  int64 // bytes; below this, oldest cached files are evicted
	MaxUsage int   // percent; stored from config, not consulted by CheckFreeSpace
	MinAge   time.Duration
	Mounts   MountTable
}

// Destination computes the cache-local path for an origin path, creating
// its parent directory (spec.md §6), mirroring client.py's static
// getDestination helper.
func (fs *LocalFileSystem) Destination(originPath string) (string, error) {
	dest := filepath.Join(fs.CacheDir, originPath)
	dest = filepath.Clean(dest)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	return dest, nil
}

func (fs *LocalFileSystem) GetFileInfo(path string) (FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Path: path, Size: st.Size(), Mtime: st.ModTime().Unix()}, nil
}

func (fs *LocalFileSystem) GetFileServer(originPath string) string {
	best := ""
	bestLen := -1
	for _, m := range fs.Mounts {
		if strings.HasPrefix(originPath, m.Prefix) && len(m.Prefix) > bestLen {
			best, bestLen = m.Host, len(m.Prefix)
		}
	}
	return best
}

func (fs *LocalFileSystem) DiskFree(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

func (fs *LocalFileSystem) DiskUsage(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	used := (st.Blocks - st.Bfree) * uint64(st.Bsize)
	return used, nil
}

// CheckFreeSpace reports whether size bytes fit while leaving MinFree bytes
// free, evicting the oldest files under CacheDir (respecting MinAge) until
// they do or nothing more can be reclaimed. MaxUsage is not taken into
// account.
func (fs *LocalFileSystem) CheckFreeSpace(size int64, dest string) (ok bool, removed []string) {
	free, err := fs.DiskFree(fs.CacheDir)
	if err != nil {
		nlog.Warningf("fsops: disk free on %s: %v", fs.CacheDir, err)
		return false, nil
	}
	if free >= uint64(size)+uint64(fs.MinFree) {
		return true, nil
	}

	candidates := fs.evictionCandidates()
	now := time.Now()
	for _, c := range candidates {
		if now.Sub(c.modTime) < fs.MinAge {
			break // candidates are oldest-first; once we hit one too young, so is everything after
		}
		if err := cos.RemoveFile(c.path); err != nil {
			nlog.Warningf("fsops: evict %s: %v", c.path, err)
			continue
		}
		removed = append(removed, c.path)
		free += uint64(c.size)
		if free >= uint64(size)+uint64(fs.MinFree) {
			return true, removed
		}
	}
	return free >= uint64(size)+uint64(fs.MinFree), removed
}

type cacheEntry struct {
	path    string
	size    int64
	modTime time.Time
}

func (fs *LocalFileSystem) evictionCandidates() []cacheEntry {
	var entries []cacheEntry
	_ = filepath.Walk(fs.CacheDir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		entries = append(entries, cacheEntry{path: p, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].modTime.Before(entries[j].modTime) })
	return entries
}

// DestinationExists reports whether dest already holds a valid, matching
// copy (exists, canCopy==true, nothing removed), a stale copy (exists,
// removed containing dest, canCopy==true meaning the caller may now fetch
// fresh), or nothing (exists==false).
func (fs *LocalFileSystem) DestinationExists(fi FileInfo, dest string) (exists, canCopy bool, removed []string) {
	st, err := os.Stat(dest)
	if err != nil {
		return false, true, nil
	}
	if st.Size() == fi.Size && st.ModTime().Unix() == fi.Mtime {
		return true, true, nil
	}
	if err := cos.RemoveFile(dest); err != nil {
		return true, false, nil
	}
	return true, true, []string{dest}
}

// SetATime bumps path's access time without disturbing its mtime, which
// REQUEST_FILE's size/mtime comparison depends on remaining stable.
func (fs *LocalFileSystem) SetATime(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chtimes(path, time.Now(), st.ModTime())
}

// CopyLocal copies src to dst on the local machine, preserving dst's mtime
// and mode from src (shutil.copy2's contract), for the register-copy path
// where a client uploads a local file onto a mounted file server.
func CopyLocal(src, dst string) error {
	st, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := localCopy(src, dst); err != nil {
		return err
	}
	if err := os.Chmod(dst, st.Mode().Perm()); err != nil {
		return err
	}
	return os.Chtimes(dst, time.Now(), st.ModTime())
}
