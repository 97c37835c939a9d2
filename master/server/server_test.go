// Package server runs the coordinator process.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rwth-i6/cache-manager/cmn/config"
	"github.com/rwth-i6/cache-manager/master/index"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("portAddr", func() {
	It("formats a bare port as a listen address", func() {
		Expect(portAddr(10322)).To(Equal(":10322"))
	})
})

var _ = Describe("Server ticks", func() {
	var (
		dir string
		cfg *config.MasterConfig
		s   *Server
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "server-*")
		Expect(err).NotTo(HaveOccurred())
		cfg = config.DefaultMasterConfig()
		cfg.DBFile = filepath.Join(dir, "index.db")
		cfg.MaxAge = time.Hour
		s = New(cfg)
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("snapshotTick writes the index to DBFile and reschedules itself", func() {
		s.idx.AddLocation("/origin/a", index.Location{
			OriginPath: "/origin/a", Size: 1, Mtime: 1, Host: "h", Path: "/local/a",
		})
		next := s.snapshotTick()
		Expect(next).To(Equal(cfg.DBSaveInterval))
		_, err := os.Stat(cfg.DBFile)
		Expect(err).NotTo(HaveOccurred())
	})

	It("cleanupTick purges records older than MaxAge", func() {
		// A negative MaxAge puts the purge threshold in the future, so the
		// record added just now already counts as older than MaxAge.
		cfg.MaxAge = -time.Minute
		s.idx.AddLocation("/origin/old", index.Location{
			OriginPath: "/origin/old", Size: 1, Mtime: 1, Host: "h", Path: "/local/old",
		})
		next := s.cleanupTick()
		Expect(next).To(Equal(cfg.CleanupInterval))
		Expect(s.idx.HasFile("/origin/old")).To(BeFalse())
	})

	It("statsTick does not panic and reschedules itself", func() {
		Expect(s.statsTick()).To(Equal(cfg.StatInterval))
	})
})
