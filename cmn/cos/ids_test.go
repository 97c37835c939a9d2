// Package cos provides common low-level types and utilities shared by the
// coordinator and the client.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos_test

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/rwth-i6/cache-manager/cmn/cos"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("ids", func() {
	BeforeEach(func() {
		cos.InitIDs(42)
	})

	It("generates ids of the documented length", func() {
		id := cos.GenSessionID()
		Expect(len(id)).To(BeNumerically(">=", cos.LenShortID-2))
	})

	It("does not repeat a tie-breaker across consecutive calls", func() {
		a := cos.GenTie()
		b := cos.GenTie()
		Expect(a).NotTo(Equal(b))
		Expect(a).To(HaveLen(3))
	})

	It("hashes the same host to the same digest", func() {
		Expect(cos.HostDigest("node1")).To(Equal(cos.HostDigest("node1")))
		Expect(cos.HostDigest("node1")).NotTo(Equal(cos.HostDigest("node2")))
	})
})

var _ = Describe("Errs", func() {
	It("deduplicates identical errors and caps at 4", func() {
		var e cos.Errs
		for i := 0; i < 10; i++ {
			e.Add(errors.New("boom"))
		}
		Expect(e.Cnt()).To(Equal(1))

		for i := 0; i < 10; i++ {
			e.Add(errors.New("boom-distinct"))
		}
		Expect(e.Cnt()).To(BeNumerically("<=", 4))
	})
})

var _ = Describe("WriteAtomic", func() {
	It("never leaves a truncated file where a good one used to be", func() {
		dir, err := os.MkdirTemp("", "cos-atomic-*")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "snapshot")
		Expect(cos.WriteAtomic(path, func(f *os.File) error {
			_, err := f.WriteString("v1")
			return err
		})).To(Succeed())

		failing := errors.New("write failed")
		err = cos.WriteAtomic(path, func(f *os.File) error {
			f.WriteString("partial")
			return failing
		})
		Expect(err).To(Equal(failing))

		b, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(b)).To(Equal("v1"))
	})
})
