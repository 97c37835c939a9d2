// Package sched implements the coordinator's TransferScheduler.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sched_test

import (
	"time"

	"github.com/rwth-i6/cache-manager/master/sched"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("TransferScheduler", func() {
	var s *sched.TransferScheduler

	BeforeEach(func() {
		s = sched.New(2, 1, time.Minute)
	})

	It("grants up to MAX_COPY_SERVER slots per file server", func() {
		tok1 := s.StartCopyFromServer("fs1", "node1", "/dst/a")
		Expect(tok1).NotTo(BeZero())
		tok2 := s.StartCopyFromServer("fs1", "node2", "/dst/b")
		Expect(tok2).NotTo(BeZero())
		Expect(tok1).NotTo(Equal(tok2))

		tok3 := s.StartCopyFromServer("fs1", "node3", "/dst/c")
		Expect(tok3).To(BeZero())
	})

	It("refuses a second concurrent write to the same destination", func() {
		tok := s.StartCopyFromServer("fs1", "node1", "/dst/a")
		Expect(tok).NotTo(BeZero())
		Expect(s.IsActiveTransfer("node1", "/dst/a")).To(BeTrue())

		dup := s.StartCopyFromNode("peer", "node1", "/dst/a")
		Expect(dup).To(BeZero())
	})

	It("frees a slot and clears the active marker on EndCopy", func() {
		tok := s.StartCopyFromServer("fs1", "node1", "/dst/a")
		Expect(tok).NotTo(BeZero())
		s.EndCopy("fs1", "node1", tok)
		Expect(s.IsActiveTransfer("node1", "/dst/a")).To(BeFalse())
		Expect(s.HasFreeSlot("fs1")).To(BeTrue())

		tok2 := s.StartCopyFromServer("fs1", "node1", "/dst/a")
		Expect(tok2).NotTo(BeZero())
	})

	It("reports a free slot for a host it has never seen", func() {
		Expect(s.HasFreeSlot("unknown-host")).To(BeTrue())
	})

	It("reclaims a token once it exceeds MAX_WAIT_COPY", func() {
		s = sched.New(1, 1, -1*time.Second) // everything is immediately expired
		tok := s.StartCopyFromServer("fs1", "node1", "/dst/a")
		Expect(tok).NotTo(BeZero())
		// any subsequent call triggers reclaimExpired internally
		Expect(s.HasFreeSlot("fs1")).To(BeTrue())
		Expect(s.IsActiveTransfer("node1", "/dst/a")).To(BeFalse())
	})

	It("swaps in a fresh token via UpdateToken without losing the destination reservation", func() {
		tok := s.StartCopyFromServer("fs1", "node1", "/dst/a")
		Expect(tok).NotTo(BeZero())
		newTok := s.UpdateToken("fs1", "node1", tok)
		Expect(newTok).NotTo(BeZero())
		Expect(s.IsActiveTransfer("node1", "/dst/a")).To(BeTrue())

		// the old token no longer refers to a live transfer
		Expect(s.UpdateToken("fs1", "node1", tok)).To(BeZero())

		s.EndCopy("fs1", "node1", newTok)
		Expect(s.IsActiveTransfer("node1", "/dst/a")).To(BeFalse())
	})
})
