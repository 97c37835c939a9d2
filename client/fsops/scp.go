// scp.go: a minimal SCP (RFC-less, but widely compatible) source-protocol
// client run over an ssh.Client session, used by CopyFile instead of
// shelling out to a local scp binary.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package fsops

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
)

// scpFrom pulls remoteSrc from host (via an already-dialed ssh.Client)
// into localDst, speaking the "scp -f" source-side protocol directly.
func scpFrom(c *ssh.Client, remoteSrc, localDst string, timeout time.Duration) error {
	sess, err := c.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return err
	}

	cmd := fmt.Sprintf("scp -f %s", shellQuote(remoteSrc))
	if err := sess.Start(cmd); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- receiveSCP(stdin, stdout, localDst) }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		return sess.Wait()
	case <-time.After(timeout):
		sess.Signal(ssh.SIGKILL)
		return fmt.Errorf("scp: %s: timed out after %s", remoteSrc, timeout)
	}
}

func receiveSCP(stdin io.Writer, stdout io.Reader, localDst string) error {
	r := bufio.NewReader(stdout)
	ack(stdin)

	line, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	var mode uint32
	var size int64
	var name string
	if _, err := fmt.Sscanf(line, "C%o %d %s", &mode, &size, &name); err != nil {
		return fmt.Errorf("scp: unexpected control line %q: %w", line, err)
	}
	ack(stdin)

	if err := os.MkdirAll(filepath.Dir(localDst), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(localDst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(mode))
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, size); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	// trailing zero byte terminator
	if _, err := r.ReadByte(); err != nil && err != io.EOF {
		return err
	}
	ack(stdin)
	return nil
}

func ack(w io.Writer) { w.Write([]byte{0}) }

// localCopy copies src to dst on the local machine, used for origin-server
// copies over a shared/NFS-mounted file server where no ssh hop is needed.
func localCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
