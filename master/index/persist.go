// Package index: gzip-compressed msgp persistence for LocationIndex, with
// fallback to the legacy bare-list (pre-atime) and legacy raw (non-gzip)
// formats on load.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package index

import (
	"bufio"
	"compress/gzip"
	"io"
	"os"

	"github.com/seiflotfy/cuckoofilter"
	"github.com/tinylib/msgp/msgp"

	"github.com/rwth-i6/cache-manager/cmn/cos"
	"github.com/rwth-i6/cache-manager/cmn/nlog"
)

// Snapshot writes the index to file if it has changed since the last
// successful snapshot. If nothing changed it returns nil immediately
// without touching the file (spec.md §4.2).
func (li *LocationIndex) Snapshot(path string) error {
	li.mu.Lock()
	if !li.changed {
		li.mu.Unlock()
		return nil
	}
	clone := li.cloneLocked()
	li.mu.Unlock()

	err := cos.WriteAtomic(path, func(f *os.File) error {
		gw := gzip.NewWriter(f)
		mw := msgp.NewWriterBuf(gw, make([]byte, 0, 4096))
		if err := clone.encodeMsg(mw); err != nil {
			return err
		}
		if err := mw.Flush(); err != nil {
			return err
		}
		return gw.Close()
	})
	if err != nil {
		return err
	}

	li.mu.Lock()
	li.changed = false
	li.mu.Unlock()
	return nil
}

// wireIndex is the plain value snapshot produces/consumes; encode/decode
// happen outside the LocationIndex lock.
type wireIndex struct {
	paths []string
	recs  []record
}

func (li *LocationIndex) cloneLocked() *wireIndex {
	w := &wireIndex{
		paths: make([]string, 0, len(li.records)),
		recs:  make([]record, 0, len(li.records)),
	}
	for path, rec := range li.records {
		locs := make([]Location, len(rec.locs))
		copy(locs, rec.locs)
		w.paths = append(w.paths, path)
		w.recs = append(w.recs, record{locs: locs, atime: rec.atime})
	}
	return w
}

func (w *wireIndex) encodeMsg(mw *msgp.Writer) error {
	if err := mw.WriteArrayHeader(uint32(len(w.paths))); err != nil {
		return err
	}
	for i, path := range w.paths {
		rec := w.recs[i]
		if err := mw.WriteMapHeader(3); err != nil {
			return err
		}
		if err := mw.WriteString("path"); err != nil {
			return err
		}
		if err := mw.WriteString(path); err != nil {
			return err
		}
		if err := mw.WriteString("atime"); err != nil {
			return err
		}
		if err := mw.WriteInt64(rec.atime); err != nil {
			return err
		}
		if err := mw.WriteString("locs"); err != nil {
			return err
		}
		if err := mw.WriteArrayHeader(uint32(len(rec.locs))); err != nil {
			return err
		}
		for _, l := range rec.locs {
			if err := mw.WriteMapHeader(4); err != nil {
				return err
			}
			if err := mw.WriteString("size"); err != nil {
				return err
			}
			if err := mw.WriteInt64(l.Size); err != nil {
				return err
			}
			if err := mw.WriteString("mtime"); err != nil {
				return err
			}
			if err := mw.WriteInt64(l.Mtime); err != nil {
				return err
			}
			if err := mw.WriteString("host"); err != nil {
				return err
			}
			if err := mw.WriteString(l.Host); err != nil {
				return err
			}
			if err := mw.WriteString("local_path"); err != nil {
				return err
			}
			if err := mw.WriteString(l.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load replaces the index's contents from file, trying gzip first and
// falling back to a raw (non-gzip) stream if the header doesn't match; the
// decoded entries are interpreted generically so that both the current
// per-path-record format and the legacy flat list of bare locations
// (original_source's dbutil.py) load cleanly.
func (li *LocationIndex) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if peek, err := br.Peek(2); err == nil && peek[0] == 0x1f && peek[1] == 0x8b {
		gr, err := gzip.NewReader(br)
		if err != nil {
			return err
		}
		defer gr.Close()
		r = gr
	} else {
		nlog.Warningf("index: %s is not gzip-compressed, loading as a legacy raw stream", path)
	}

	mr := msgp.NewReaderBuf(r, make([]byte, 4096))
	records, err := decodeGeneric(mr)
	if err != nil {
		return err
	}

	li.mu.Lock()
	li.records = records
	li.filter = rebuildFilter(records)
	li.changed = false
	li.mu.Unlock()
	return nil
}

func decodeGeneric(mr *msgp.Reader) (map[string]*record, error) {
	n, err := mr.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*record, n)
	for i := uint32(0); i < n; i++ {
		entry, err := mr.ReadMapStrIntf(nil)
		if err != nil {
			return nil, err
		}
		if locsRaw, ok := entry["locs"]; ok {
			// current format: {"path", "atime", "locs": [...]}
			path, _ := entry["path"].(string)
			atime := toInt64(entry["atime"])
			locsIfc, _ := locsRaw.([]interface{})
			rec := &record{atime: atime, locs: make([]Location, 0, len(locsIfc))}
			for _, locIfc := range locsIfc {
				m, _ := locIfc.(map[string]interface{})
				rec.locs = append(rec.locs, Location{
					OriginPath: path,
					Size:       toInt64(m["size"]),
					Mtime:      toInt64(m["mtime"]),
					Host:       toString(m["host"]),
					Path:       toString(m["local_path"]),
				})
			}
			out[path] = rec
			continue
		}

		// legacy bare-location format: {"origin_path", "size", "mtime", "host", "path"}
		path := toString(entry["origin_path"])
		loc := Location{
			OriginPath: path,
			Size:       toInt64(entry["size"]),
			Mtime:      toInt64(entry["mtime"]),
			Host:       toString(entry["host"]),
			Path:       toString(entry["path"]),
		}
		rec, ok := out[path]
		if !ok {
			rec = &record{atime: now()}
			out[path] = rec
		}
		rec.locs = append(rec.locs, loc)
	}
	return out, nil
}

func rebuildFilter(records map[string]*record) *cuckoo.Filter {
	f := cuckoo.NewFilter(1 << 20)
	for path := range records {
		f.InsertUnique([]byte(path))
	}
	return f
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}
