// Package client implements ClientProtocol, the client-side half of the
// fetch/copy/locate wire protocol.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package client_test

import (
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rwth-i6/cache-manager/client"
	"github.com/rwth-i6/cache-manager/client/fsops"
	"github.com/rwth-i6/cache-manager/protocol"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// fakeFS is a minimal, in-memory-driven fsops.FileSystem double: tests set
// its fields to script DestinationExists/CheckFreeSpace outcomes directly,
// the way a hand-rolled test double would in the teacher's own test style.
type fakeFS struct {
	info           fsops.FileInfo
	infoErr        error
	fileServer     string
	freeSpaceOK    bool
	destExists     bool
	destCanCopy    bool
	destRemoved    []string
	setATimeCalled []string
}

func (f *fakeFS) GetFileInfo(path string) (fsops.FileInfo, error) { return f.info, f.infoErr }
func (f *fakeFS) GetFileServer(string) string                     { return f.fileServer }
func (f *fakeFS) DiskFree(string) (uint64, error)                 { return 1 << 40, nil }
func (f *fakeFS) DiskUsage(string) (uint64, error)                { return 0, nil }
func (f *fakeFS) CheckFreeSpace(int64, string) (bool, []string)   { return f.freeSpaceOK, nil }
func (f *fakeFS) DestinationExists(fsops.FileInfo, string) (bool, bool, []string) {
	return f.destExists, f.destCanCopy, f.destRemoved
}
func (f *fakeFS) SetATime(path string) error {
	f.setATimeCalled = append(f.setATimeCalled, path)
	return nil
}
func (f *fakeFS) Destination(originPath string) (string, error) { return originPath + ".local", nil }

// fakeRemote is a minimal fsops.RemoteFileSystem double.
type fakeRemote struct {
	statSize, statMtime int64
	statOK              bool
	copyOK              bool
	copyMsg             string
	branded             []string
}

func (r *fakeRemote) IsHostAlive(string) bool { return true }
func (r *fakeRemote) GetFileStat(string, string) (int64, int64, bool) {
	return r.statSize, r.statMtime, r.statOK
}
func (r *fakeRemote) CopyFile(host, src, dst string) (bool, string) { return r.copyOK, r.copyMsg }
func (r *fakeRemote) CopyUsingCp(src, dst string) (bool, string)    { return r.copyOK, r.copyMsg }
func (r *fakeRemote) BrandFile(host, path string) error {
	r.branded = append(r.branded, host+":"+path)
	return nil
}

func newProtocol(fs fsops.FileSystem, remote fsops.RemoteFileSystem) (*client.Protocol, *protocol.Conn) {
	serverSide, clientSide := net.Pipe()
	serverConn := protocol.NewConn(serverSide, time.Second)
	p := client.New(protocol.NewConn(clientSide, time.Second), fs, remote,
		client.Config{SocketTimeout: 200 * time.Millisecond, ClientWait: time.Second})
	return p, serverConn
}

var _ = Describe("Protocol.FetchFile", func() {
	It("returns the existing destination on a cache hit without requesting a copy", func() {
		fi := fsops.FileInfo{Path: "/origin/a", Size: 10, Mtime: 100}
		fs := &fakeFS{info: fi, destExists: true, destCanCopy: true}
		p, srv := newProtocol(fs, &fakeRemote{})

		// A cache hit still sends HAVE_FILE to refresh the coordinator's
		// record; drain it so Encode doesn't block on the unbuffered pipe.
		go srv.Decode()

		result, ok := p.FetchFile(fi, "/cache/a", 9999)
		Expect(ok).To(BeTrue())
		Expect(result).To(Equal("/cache/a"))
		Expect(fs.setATimeCalled).To(ContainElement("/cache/a"))
	})

	It("returns the origin path, not ok, when free space can't be made", func() {
		fi := fsops.FileInfo{Path: "/origin/b", Size: 10, Mtime: 100}
		fs := &fakeFS{info: fi, destExists: false, freeSpaceOK: false}
		p, _ := newProtocol(fs, &fakeRemote{})

		result, ok := p.FetchFile(fi, "/cache/b", 9999)
		Expect(ok).To(BeFalse())
		Expect(result).To(Equal("/origin/b"))
	})

	It("drives the COPY_FROM_SERVER/COPY_OK cascade to a successful fetch", func() {
		fi := fsops.FileInfo{Path: "/origin/c", Size: 10, Mtime: 100}
		fs := &fakeFS{info: fi, destExists: false, freeSpaceOK: true, fileServer: "fs1"}
		p, srv := newProtocol(fs, &fakeRemote{copyOK: true})

		done := make(chan struct{})
		go func() {
			defer close(done)
			msg, err := srv.Decode()
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(protocol.RequestFile))
			Expect(msg.Fields[0]).To(Equal("/origin/c"))

			Expect(srv.Encode(protocol.New(protocol.CopyFromServer))).To(Succeed())
			reply, err := srv.Decode()
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Kind).To(Equal(protocol.CopyOK))
			Expect(reply.Fields[0]).To(Equal("/cache/c"))
		}()

		result, ok := p.FetchFile(fi, "/cache/c", 9999)
		<-done
		Expect(ok).To(BeTrue())
		Expect(result).To(Equal("/cache/c"))
	})

	It("falls back to the origin path on FALLBACK", func() {
		fi := fsops.FileInfo{Path: "/origin/d", Size: 10, Mtime: 100}
		fs := &fakeFS{info: fi, destExists: false, freeSpaceOK: true}
		p, srv := newProtocol(fs, &fakeRemote{})

		go func() {
			srv.Decode()
			srv.Encode(protocol.New(protocol.Fallback))
		}()

		result, ok := p.FetchFile(fi, "/cache/d", 9999)
		Expect(ok).To(BeTrue())
		Expect(result).To(Equal("/origin/d"))
	})
})

var _ = Describe("Protocol.GetLocations", func() {
	It("sends KEEP_ALIVE before every GET_LOCATIONS so the session survives", func() {
		fi := fsops.FileInfo{Path: "/origin/e", Size: 1, Mtime: 1}
		fs := &fakeFS{info: fi}
		p, srv := newProtocol(fs, &fakeRemote{})

		go func() {
			msg, err := srv.Decode()
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(protocol.KeepAlive))

			msg, err = srv.Decode()
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(protocol.GetLocations))

			srv.Encode(protocol.New(protocol.CheckLocal, "/cache/e"))
			srv.Decode() // FILE_OK/FILE_NOT_OK reply
			srv.Encode(protocol.New(protocol.Exit))
		}()

		found, ok := p.GetLocations(fi, 10)
		Expect(ok).To(BeTrue())
		Expect(found).To(ContainElement("/cache/e"))
	})
})

var _ = Describe("Protocol.CopyToServer", func() {
	It("performs the local copy once the coordinator grants FILE_OK", func() {
		dir, err := os.MkdirTemp("", "client-copy-*")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)

		src := filepath.Join(dir, "src")
		Expect(os.WriteFile(src, []byte("hello"), 0o644)).To(Succeed())
		dst := filepath.Join(dir, "dst")

		fi := fsops.FileInfo{Path: src, Size: 5, Mtime: 100}
		fs := &fakeFS{info: fi, fileServer: "fs1"}
		p, srv := newProtocol(fs, &fakeRemote{})

		go func() {
			msg, err := srv.Decode()
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(protocol.RegisterCopy))
			srv.Encode(protocol.New(protocol.FileOK))
			reply, err := srv.Decode()
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Kind).To(Equal(protocol.CopyOK))
		}()

		ok, tryAgain := p.CopyToServer(fs, src, dst, true, false)
		Expect(ok).To(BeTrue())
		Expect(tryAgain).To(BeFalse())

		b, err := os.ReadFile(dst)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(b)).To(Equal("hello"))
	})

	It("always replies COPY_FAILED for a bundle upload even on success", func() {
		dir, err := os.MkdirTemp("", "client-bundle-*")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)

		member := filepath.Join(dir, "member")
		Expect(os.WriteFile(member, []byte("x"), 0o644)).To(Succeed())
		bundleFile := filepath.Join(dir, "b.bundle")
		Expect(os.WriteFile(bundleFile, []byte(member+"\n"), 0o644)).To(Succeed())
		destDir := filepath.Join(dir, "out")
		Expect(os.MkdirAll(destDir, 0o755)).To(Succeed())

		fi := fsops.FileInfo{Path: bundleFile, Size: 1, Mtime: 1}
		fs := &fakeFS{info: fi}
		p, srv := newProtocol(fs, &fakeRemote{})

		go func() {
			srv.Decode()
			srv.Encode(protocol.New(protocol.FileOK))
			reply, err := srv.Decode()
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Kind).To(Equal(protocol.CopyFailed))
		}()

		ok, _ := p.CopyToServer(fs, bundleFile, destDir, true, true)
		Expect(ok).To(BeTrue())

		b, err := os.ReadFile(filepath.Join(destDir, "member"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(b)).To(Equal("x"))
	})
})
