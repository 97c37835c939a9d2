// Package index implements the coordinator's LocationIndex.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package index_test

import (
	"compress/gzip"
	"os"
	"path/filepath"

	"github.com/tinylib/msgp/msgp"

	"github.com/rwth-i6/cache-manager/master/index"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type fakeScheduler struct {
	free map[string]bool
}

func (f fakeScheduler) HasFreeSlot(host string) bool { return f.free[host] }

var _ = Describe("LocationIndex", func() {
	var li *index.LocationIndex

	BeforeEach(func() {
		li = index.New()
	})

	It("reports hasFile only after a location is added", func() {
		Expect(li.HasFile("/origin/a")).To(BeFalse())
		li.AddLocation("/origin/a", index.Location{OriginPath: "/origin/a", Size: 1, Mtime: 2, Host: "node1"})
		Expect(li.HasFile("/origin/a")).To(BeTrue())
	})

	It("does not duplicate an equal location", func() {
		loc := index.Location{OriginPath: "/origin/a", Size: 1, Mtime: 2, Host: "node1"}
		li.AddLocation("/origin/a", loc)
		li.AddLocation("/origin/a", loc)
		Expect(li.GetAllLocations("/origin/a")).To(HaveLen(1))
	})

	It("drops the record once its last location is removed", func() {
		loc := index.Location{OriginPath: "/origin/a", Size: 1, Mtime: 2, Host: "node1"}
		li.AddLocation("/origin/a", loc)
		li.RemoveLocation("/origin/a", loc)
		Expect(li.HasFile("/origin/a")).To(BeFalse())
		Expect(li.GetAllLocations("/origin/a")).To(BeNil())
	})

	Describe("GetLocation", func() {
		BeforeEach(func() {
			li.AddLocation("/origin/a", index.Location{OriginPath: "/origin/a", Size: 1, Mtime: 2, Host: "node1"})
			li.AddLocation("/origin/a", index.Location{OriginPath: "/origin/a", Size: 1, Mtime: 2, Host: "node2"})
		})

		It("prefers the preferred host when present", func() {
			loc, ok := li.GetLocation("/origin/a", "node2", nil)
			Expect(ok).To(BeTrue())
			Expect(loc.Host).To(Equal("node2"))
		})

		It("restricts to hosts with a free slot when a scheduler is given", func() {
			sched := fakeScheduler{free: map[string]bool{"node2": true}}
			for i := 0; i < 10; i++ {
				loc, ok := li.GetLocation("/origin/a", "nonexistent", sched)
				Expect(ok).To(BeTrue())
				Expect(loc.Host).To(Equal("node2"))
			}
		})

		It("falls back to any location when no host has a free slot", func() {
			sched := fakeScheduler{free: map[string]bool{}}
			loc, ok := li.GetLocation("/origin/a", "nonexistent", sched)
			Expect(ok).To(BeTrue())
			Expect(loc.Host).To(Or(Equal("node1"), Equal("node2")))
		})
	})

	It("purges records whose atime is older than the threshold", func() {
		li.AddLocation("/origin/old", index.Location{OriginPath: "/origin/old", Size: 1, Mtime: 2, Host: "node1"})
		n := li.PurgeOlderThan(1 << 62) // far in the future: everything is "older"
		Expect(n).To(Equal(1))
		Expect(li.HasFile("/origin/old")).To(BeFalse())
	})

	It("reports accurate stats", func() {
		li.AddLocation("/origin/a", index.Location{OriginPath: "/origin/a", Size: 1, Mtime: 2, Host: "node1"})
		li.AddLocation("/origin/a", index.Location{OriginPath: "/origin/a", Size: 1, Mtime: 2, Host: "node2"})
		li.AddLocation("/origin/b", index.Location{OriginPath: "/origin/b", Size: 1, Mtime: 2, Host: "node1"})
		recs, locs := li.Stat()
		Expect(recs).To(Equal(2))
		Expect(locs).To(Equal(3))
	})

	Describe("Snapshot/Load round trip", func() {
		It("restores every location after a snapshot and reload", func() {
			li.AddLocation("/origin/a", index.Location{OriginPath: "/origin/a", Size: 1, Mtime: 2, Host: "node1"})
			li.AddLocation("/origin/b", index.Location{OriginPath: "/origin/b", Size: 3, Mtime: 4, Host: "node2"})

			dir, err := os.MkdirTemp("", "index-*")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(dir)
			path := filepath.Join(dir, "snapshot.db")

			Expect(li.Snapshot(path)).To(Succeed())

			loaded := index.New()
			Expect(loaded.Load(path)).To(Succeed())
			Expect(loaded.HasFile("/origin/a")).To(BeTrue())
			Expect(loaded.HasFile("/origin/b")).To(BeTrue())
			recs, locs := loaded.Stat()
			Expect(recs).To(Equal(2))
			Expect(locs).To(Equal(2))
		})

		It("skips writing when nothing changed since the last snapshot", func() {
			dir, err := os.MkdirTemp("", "index-*")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(dir)
			path := filepath.Join(dir, "snapshot.db")

			Expect(li.Snapshot(path)).To(Succeed())
			_, err = os.Stat(path)
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("loads the legacy bare-location format", func() {
			dir, err := os.MkdirTemp("", "index-*")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(dir)
			path := filepath.Join(dir, "legacy.db")

			f, err := os.Create(path)
			Expect(err).NotTo(HaveOccurred())
			gw := gzip.NewWriter(f)
			mw := msgp.NewWriterBuf(gw, make([]byte, 0, 1024))
			Expect(mw.WriteArrayHeader(1)).To(Succeed())
			Expect(mw.WriteMapHeader(4)).To(Succeed())
			Expect(mw.WriteString("origin_path")).To(Succeed())
			Expect(mw.WriteString("/origin/legacy")).To(Succeed())
			Expect(mw.WriteString("size")).To(Succeed())
			Expect(mw.WriteInt64(42)).To(Succeed())
			Expect(mw.WriteString("mtime")).To(Succeed())
			Expect(mw.WriteInt64(100)).To(Succeed())
			Expect(mw.WriteString("host")).To(Succeed())
			Expect(mw.WriteString("node9")).To(Succeed())
			Expect(mw.Flush()).To(Succeed())
			Expect(gw.Close()).To(Succeed())
			Expect(f.Close()).To(Succeed())

			loaded := index.New()
			Expect(loaded.Load(path)).To(Succeed())
			Expect(loaded.HasFile("/origin/legacy")).To(BeTrue())
			locs := loaded.GetAllLocations("/origin/legacy")
			Expect(locs).To(HaveLen(1))
			Expect(locs[0].Host).To(Equal("node9"))
		})
	})
})
