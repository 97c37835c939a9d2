// cm-client is the client command line tool: get a local cached copy of a
// file, locate existing copies, print the would-be destination without
// fetching, or push a local file onto a file server. Mirrors
// original_source/cm-client.py's option set.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/rwth-i6/cache-manager/client"
	"github.com/rwth-i6/cache-manager/client/bundle"
	"github.com/rwth-i6/cache-manager/client/fsops"
	"github.com/rwth-i6/cache-manager/cmn/config"
	"github.com/rwth-i6/cache-manager/cmn/nlog"
	"github.com/rwth-i6/cache-manager/protocol"
)

func main() {
	var (
		configFile   = flag.String("config", "", "path to an alternative client config file")
		locate       = flag.Bool("l", false, "retrieve locations of local copies instead of fetching")
		locateLimit  = flag.Int("ll", 9999, "stop locating after N copies per file (implies -l)")
		maxLoc       = flag.Int("m", 0, "only check N remote copies when fetching (0: use default)")
		destOnly     = flag.Bool("d", false, "print the would-be destination and exit, without fetching")
		doCopy       = flag.Bool("cp", false, "copy a local file onto a file server instead of fetching")
		noRegister   = flag.Bool("n", false, "with -cp, don't register the uploaded copy")
		forceBundle  = flag.Bool("bundle", false, "treat the argument(s) as bundle file(s)")
		conjunct     = flag.Bool("conjunct", false, "with bundles, cache every member or none")
		noBundle     = flag.Bool("nobundle", false, "ignore the special meaning of *.bundle files")
	)
	flag.Parse()
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "ll" {
			*locate = true
		}
	})
	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: cm-client [options] <filename> [destination]")
		os.Exit(1)
	}

	cfg := config.DefaultClientConfig()
	cfgPath := *configFile
	if cfgPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfgPath = filepath.Join(home, ".cmclient")
		}
	}
	if cfgPath != "" {
		if err := config.Load(cfgPath, cfg); err != nil {
			nlog.Warningf("cm-client: loading %s: %v, using defaults", cfgPath, err)
		}
	}
	if *noBundle {
		cfg.IgnoreBundle = true
	}
	cfg.CacheDir = config.ExpandCacheDir(cfg.CacheDir)

	fs := &fsops.LocalFileSystem{
		CacheDir: cfg.CacheDir,
		MinFree:  cfg.MinFree,
		MaxUsage: cfg.MaxUsage,
		MinAge:   cfg.MinAge,
	}

	if *destOnly {
		dest, err := fs.Destination(realpath(args[0]))
		if err != nil {
			nlog.Errorf("cm-client: %v", err)
			os.Exit(1)
		}
		fmt.Println(dest)
		return
	}

	nc, err := net.DialTimeout("tcp", net.JoinHostPort(cfg.MasterHost, strconv.Itoa(cfg.MasterPort)), cfg.SocketTimeout)
	if err != nil {
		nlog.Errorf("cm-client: cannot connect to %s:%d: %v", cfg.MasterHost, cfg.MasterPort, err)
		os.Exit(1)
	}
	defer nc.Close()
	conn := protocol.NewConn(nc, cfg.SocketTimeout)

	remote := fsops.NewSSHRemoteFileSystem(sshConfig(cfg.StatTimeout), cfg.StatTimeout)
	defer remote.Close()

	proto := client.New(conn, fs, remote, client.Config{SocketTimeout: cfg.SocketTimeout, ClientWait: 10 * time.Second})

	switch {
	case *doCopy:
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: cm-client -cp <source> <destination>")
			os.Exit(1)
		}
		isBundle := *forceBundle || (!cfg.IgnoreBundle && bundle.IsBundleFile(args[0]))
		ok, tryAgain := proto.CopyToServer(fs, realpath(args[0]), realpath(args[1]), !*noRegister, isBundle)
		if !ok && tryAgain {
			if err := fsops.CopyLocal(realpath(args[0]), realpath(args[1])); err != nil {
				nlog.Errorf("cm-client: cannot copy %s to %s: %v", args[0], args[1], err)
			} else {
				nlog.Infof("cm-client: copied %s to %s (unsupervised)", args[0], args[1])
				ok = true
			}
		}
		if !ok {
			os.Exit(1)
		}

	case *locate:
		lim := *locateLimit
		if *maxLoc > 0 {
			lim = *maxLoc
		}
		n := 0
		for _, f := range args {
			fi, err := fs.GetFileInfo(realpath(f))
			if err != nil {
				nlog.Errorf("cm-client: file not found %q", f)
				continue
			}
			locs, _ := proto.GetLocations(fi, lim)
			for _, l := range locs {
				fmt.Println(l)
			}
			n += len(locs)
		}
		proto.SendExit()
		fmt.Fprintf(os.Stderr, "%d locations found\n", n)

	default:
		lim := 9999
		if *maxLoc > 0 {
			lim = *maxLoc
		}
		filename := args[0]
		isBundle := *forceBundle || (!cfg.IgnoreBundle && bundle.IsBundleFile(filename))
		var result string
		var ok bool
		if isBundle {
			result, ok = bundle.Fetch(proto, fs, realpath(filename), *conjunct, lim)
		} else {
			fi, err := fs.GetFileInfo(realpath(filename))
			if err != nil {
				nlog.Errorf("cm-client: file not found %q", filename)
				os.Exit(1)
			}
			dest, err := fs.Destination(realpath(filename))
			if err != nil {
				nlog.Errorf("cm-client: %v", err)
				os.Exit(1)
			}
			result, ok = proto.FetchFile(fi, dest, lim)
		}
		fmt.Println(result)
		if !ok {
			os.Exit(1)
		}
	}
}

func realpath(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

// sshConfig builds an ssh.ClientConfig relying on the running user's
// ssh-agent for authentication, the way cluster nodes in a trusted
// internal network typically reach each other. Host keys are not verified
// (InsecureIgnoreHostKey); the user's ssh config and known_hosts are not
// read.
func sshConfig(timeout time.Duration) *ssh.ClientConfig {
	user := os.Getenv("USER")
	var authMethods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if agentConn, err := net.Dial("unix", sock); err == nil {
			ac := agent.NewClient(agentConn)
			authMethods = append(authMethods, ssh.PublicKeysCallback(ac.Signers))
		}
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
}
