// Package hk provides a mechanism for registering cleanup functions which
// are invoked at specified intervals.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package hk_test

import (
	"sync/atomic"
	"time"

	"github.com/rwth-i6/cache-manager/hk"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Housekeeper", func() {
	It("invokes a registered callback repeatedly at its interval", func() {
		var n int64
		hk.Reg("t1", func() time.Duration {
			atomic.AddInt64(&n, 1)
			return 20 * time.Millisecond
		}, 5*time.Millisecond)
		defer hk.Unreg("t1")

		Eventually(func() int64 { return atomic.LoadInt64(&n) }, time.Second, 5*time.Millisecond).
			Should(BeNumerically(">=", 2))
	})

	It("unregisters a callback once it returns <= 0", func() {
		var n int64
		hk.Reg("t2", func() time.Duration {
			atomic.AddInt64(&n, 1)
			return 0
		}, 2*time.Millisecond)

		Eventually(func() int64 { return atomic.LoadInt64(&n) }, time.Second, 2*time.Millisecond).
			Should(Equal(int64(1)))
		Consistently(func() int64 { return atomic.LoadInt64(&n) }, 50*time.Millisecond, 5*time.Millisecond).
			Should(Equal(int64(1)))
	})
})
