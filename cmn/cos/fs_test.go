// Package cos provides common low-level types and utilities shared by the
// coordinator and the client.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos_test

import (
	"os"
	"path/filepath"

	"github.com/rwth-i6/cache-manager/cmn/cos"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseBool", func() {
	It("accepts the documented truthy/falsy spellings", func() {
		for _, s := range []string{"true", "YES", "1", "on"} {
			v, err := cos.ParseBool(s)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeTrue())
		}
		for _, s := range []string{"false", "NO", "0", "off", ""} {
			v, err := cos.ParseBool(s)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeFalse())
		}
	})

	It("rejects anything else", func() {
		_, err := cos.ParseBool("maybe")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ParseDurationSec", func() {
	It("parses a bare integer as seconds", func() {
		n, err := cos.ParseDurationSec("30")
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(30))
	})

	It("rejects an empty or non-integer value", func() {
		_, err := cos.ParseDurationSec("")
		Expect(err).To(HaveOccurred())
		_, err = cos.ParseDurationSec("soon")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("file helpers", func() {
	It("CreateFile truncates an existing file", func() {
		dir, err := os.MkdirTemp("", "cos-fs-*")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "f")
		Expect(os.WriteFile(path, []byte("old contents"), 0o644)).To(Succeed())

		f, err := cos.CreateFile(path)
		Expect(err).NotTo(HaveOccurred())
		f.Close()

		b, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(BeEmpty())
	})

	It("RemoveFile is a no-op when the file is already gone", func() {
		Expect(cos.RemoveFile(filepath.Join(os.TempDir(), "cos-fs-does-not-exist"))).To(Succeed())
	})

	It("Stat reports existence via the error return", func() {
		dir, err := os.MkdirTemp("", "cos-fs-*")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "f")
		Expect(cos.Stat(path)).NotTo(Succeed())
		Expect(os.WriteFile(path, nil, 0o644)).To(Succeed())
		Expect(cos.Stat(path)).To(Succeed())
	})
})
