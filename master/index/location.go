// Package index implements the coordinator's LocationIndex: a concurrent
// catalogue of which hosts hold a valid cached replica of which origin
// files (spec.md §4.2), persisted as a gzip-compressed msgp snapshot.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package index

// Location is one replica: the origin path it caches, its size and origin
// mtime at the time of caching, the host holding it, and the local path on
// that host where the bytes actually live (the Path that SessionHandler
// hands back in CHECK_LOCAL/CHECK_REMOTE/COPY_FROM_NODE -- the original
// cache-manager's own Location carries only path/size/mtime/host, origin
// path being implicit as the enclosing record's map key; OriginPath is
// denormalized onto the struct here because spec.md's own handleRequest
// algorithm constructs Locations standalone, outside any record). Two
// Locations are equal iff OriginPath/Size/Mtime/Host/Path all match
// (spec.md §3's "four fields" describes equality within one record, where
// OriginPath is constant; Path is the field actually distinguishing two
// replicas on the same host).
type Location struct {
	OriginPath string
	Size       int64
	Mtime      int64
	Host       string
	Path       string
}

func (l Location) equal(o Location) bool {
	return l.OriginPath == o.OriginPath && l.Size == o.Size && l.Mtime == o.Mtime &&
		l.Host == o.Host && l.Path == o.Path
}

// record is the set of Locations currently believed valid for one origin
// path, plus the atime driving eviction (spec.md §3).
type record struct {
	locs  []Location
	atime int64
}

func (r *record) indexOf(loc Location) int {
	for i := range r.locs {
		if r.locs[i].equal(loc) {
			return i
		}
	}
	return -1
}
