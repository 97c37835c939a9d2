// Package bundle implements bundle-file fan-out: a bundle file lists one
// origin path per line, and fetching it fetches every listed file and
// writes a new bundle file pointing at their local copies. Grounded on
// original_source/client.py's CmClient._fetchBundle/_getBundleSourceFiles.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package bundle

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rwth-i6/cache-manager/client"
	"github.com/rwth-i6/cache-manager/client/fsops"
	"github.com/rwth-i6/cache-manager/cmn/cos"
	"github.com/rwth-i6/cache-manager/cmn/nlog"
)

// Suffix is the extension IsBundleFile checks for, matching the
// original's ".bundle" convention.
const Suffix = ".bundle"

// IsBundleFile reports whether path looks like a bundle manifest rather
// than a plain origin file.
func IsBundleFile(path string) bool {
	return strings.HasSuffix(path, Suffix)
}

// sourceFiles reads one origin path per non-blank line of bundleFile,
// resolving each to its real path and summing the sizes FileSystem can
// currently see (client.py's _getBundleSourceFiles).
func sourceFiles(fs fsops.FileSystem, bundleFile string) (files []string, totalSize int64, err error) {
	f, err := os.Open(bundleFile)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		real, err := filepath.EvalSymlinks(line)
		if err != nil {
			real = line
		}
		files = append(files, real)
		if fi, err := fs.GetFileInfo(real); err == nil {
			totalSize += fi.Size
		}
	}
	return files, totalSize, sc.Err()
}

// Fetch fetches every file listed in bundleFile and writes a new bundle
// file of their local paths, returning that new file's path and whether
// caching succeeded. If conjunct is true, any single failed member
// fails the whole bundle and nothing is cached; otherwise partially
// cached bundles still succeed, listing the origin path for any member
// that could not be cached.
func Fetch(p *client.Protocol, fs fsops.FileSystem, bundleFile string, conjunct bool, locateLimit int) (result string, ok bool) {
	real, err := filepath.EvalSymlinks(bundleFile)
	if err != nil {
		real = bundleFile
	}
	if cos.Stat(real) != nil {
		nlog.Errorf("bundle: file not found %q", real)
		p.SendExit()
		return real, false
	}

	destination, err := fs.Destination(real)
	if err != nil {
		nlog.Errorf("bundle: cannot create destination directory: %v", err)
		p.SendExit()
		return real, false
	}
	for cos.Stat(destination) == nil {
		host, _ := os.Hostname()
		destination = fmt.Sprintf("%s%s.%d.bundle", strings.TrimSuffix(destination, Suffix), host, time.Now().UnixNano())
	}

	out, err := cos.CreateFile(destination)
	if err != nil {
		nlog.Errorf("bundle: cannot open destination file %s: %v", destination, err)
		p.SendExit()
		return real, false
	}

	p.SendKeepAlive()

	srcFiles, totalSize, err := sourceFiles(fs, real)
	if err != nil {
		out.Close()
		os.Remove(destination)
		nlog.Errorf("bundle: reading %s: %v", real, err)
		p.SendExit()
		return real, false
	}

	if conjunct {
		if free, _ := fs.CheckFreeSpace(totalSize, destination); !free || len(srcFiles) == 0 {
			nlog.Infof("bundle: not enough free space, result is not cached")
			out.Close()
			os.Remove(destination)
			p.SendExit()
			return real, false
		}
	}

	var dstFiles []string
	nCached, nFailed := 0, 0
	for _, src := range srcFiles {
		dst, fetched := fetchOne(p, fs, src, locateLimit)
		if !fetched {
			nlog.Warningf("bundle: cannot cache bundle content: %s", src)
			dst = src
			nFailed++
			if conjunct {
				break
			}
		} else {
			nCached++
		}
		dstFiles = append(dstFiles, dst)
	}
	p.SendExit()

	if nFailed == len(srcFiles) || (conjunct && nCached != len(srcFiles)) {
		out.Close()
		os.Remove(destination)
		nlog.Errorf("bundle: caching of bundle archive failed")
		return real, false
	}

	w := bufio.NewWriter(out)
	for _, d := range dstFiles {
		fmt.Fprintln(w, d)
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return real, false
	}
	if err := out.Close(); err != nil {
		return real, false
	}
	return destination, true
}

// fetchOne stats one bundle member, computes its cache destination and
// hands both to FetchFile.
func fetchOne(p *client.Protocol, fs fsops.FileSystem, originPath string, locateLimit int) (string, bool) {
	fi, err := fs.GetFileInfo(originPath)
	if err != nil {
		nlog.Errorf("bundle: file not found %q", originPath)
		return originPath, false
	}
	destination, err := fs.Destination(originPath)
	if err != nil {
		nlog.Errorf("bundle: cannot create destination directory: %v", err)
		return originPath, false
	}
	return p.FetchFile(fi, destination, locateLimit)
}
