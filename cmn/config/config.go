// Package config loads MasterConfig and ClientConfig from plain
// `key = value` text files. The format and its quirks (comments with `#`,
// quoted strings, warn-and-skip on an unrecognized key) are carried over
// from the Python cache-manager's shared.Configuration.read: a config file
// and the code reading it evolve independently, and a typo in the file
// should never be fatal.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rwth-i6/cache-manager/cmn/cos"
	"github.com/rwth-i6/cache-manager/cmn/nlog"
)

// MasterConfig holds the coordinator's tunables (spec.md §6).
type MasterConfig struct {
	Port            int           `cfg:"PORT"`
	ConnectionQueue int           `cfg:"CONNECTION_QUEUE"`
	MaxCopyServer   int           `cfg:"MAX_COPY_SERVER"`
	MaxCopyNode     int           `cfg:"MAX_COPY_NODE"`
	DBFile          string        `cfg:"DB_FILE"`
	DBSaveInterval  time.Duration `cfg:"DB_SAVE_INTERVAL"`
	StatInterval    time.Duration `cfg:"STAT_INTERVAL"`
	CleanupInterval time.Duration `cfg:"CLEANUP_INTERVAL"`
	SocketTimeout   time.Duration `cfg:"SOCKET_TIMEOUT"`
	MaxWaitCopy     time.Duration `cfg:"MAX_WAIT_COPY"`
	ClientWait      time.Duration `cfg:"CLIENT_WAIT"`
	MaxAge          time.Duration `cfg:"MAX_AGE"`
}

// ClientConfig holds the client-side tunables (spec.md §6).
type ClientConfig struct {
	MasterHost    string        `cfg:"MASTER_HOST"`
	MasterPort    int           `cfg:"MASTER_PORT"`
	CacheDir      string        `cfg:"CACHE_DIR"`
	MinFree       int64         `cfg:"MIN_FREE"`
	MaxUsage      int           `cfg:"MAX_USAGE"`
	MinAge        time.Duration `cfg:"MIN_AGE"`
	SocketTimeout time.Duration `cfg:"SOCKET_TIMEOUT"`
	StatTimeout   time.Duration `cfg:"STAT_TIMEOUT"`
	IgnoreBundle  bool          `cfg:"IGNORE_BUNDLE"`
}

// DefaultMasterConfig mirrors settings.generic.py's ServerConfiguration.
func DefaultMasterConfig() *MasterConfig {
	return &MasterConfig{
		Port:            10322,
		ConnectionQueue: 256,
		MaxCopyServer:   20,
		MaxCopyNode:     1,
		DBFile:          "/var/lib/cache-manager/index.db",
		DBSaveInterval:  60 * time.Second,
		StatInterval:    10 * time.Second,
		CleanupInterval: 60 * time.Second,
		SocketTimeout:   30 * time.Minute,
		MaxWaitCopy:     10 * time.Minute,
		ClientWait:      10 * time.Second,
		MaxAge:          14 * 24 * time.Hour,
	}
}

// DefaultClientConfig mirrors settings.generic.py's ClientDefaultConfiguration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		MasterHost:    "master",
		MasterPort:    10322,
		CacheDir:      "/var/tmp/$(USER)",
		MinFree:       100 * 1024 * 1024,
		MaxUsage:      10,
		MinAge:        24 * time.Hour,
		SocketTimeout: 2 * time.Minute,
		StatTimeout:   20 * time.Second,
		IgnoreBundle:  false,
	}
}

// Load reads path into dst, a pointer to a MasterConfig or ClientConfig.
// Unknown keys are logged and skipped, never fatal; a missing file leaves
// dst at its caller-supplied defaults, also not fatal (shared.py's
// Configuration.read returns false rather than raising on ENOENT).
func Load(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			nlog.Warningf("config: %s not found, using defaults", path)
			return nil
		}
		return err
	}
	defer f.Close()

	fields, err := tagIndex(dst)
	if err != nil {
		return err
	}

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			nlog.Warningf("config: %s:%d: missing '=', ignoring line", path, lineNo)
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := unquote(strings.TrimSpace(line[eq+1:]))

		fv, ok := fields[key]
		if !ok {
			nlog.Warningf("config: %s:%d: unknown setting %q", path, lineNo, key)
			continue
		}
		if err := setField(fv, val); err != nil {
			nlog.Errorf("config: %s:%d: cannot parse %q for %s: %v", path, lineNo, val, key, err)
		}
	}
	return sc.Err()
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func tagIndex(dst any) (map[string]reflect.Value, error) {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("config: Load needs a pointer to a struct, got %T", dst)
	}
	v = v.Elem()
	t := v.Type()
	out := make(map[string]reflect.Value, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("cfg")
		if tag == "" {
			continue
		}
		out[tag] = v.Field(i)
	}
	return out, nil
}

func setField(fv reflect.Value, val string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(val)
	case reflect.Bool:
		b, err := cos.ParseBool(val)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int64:
		if fv.Type() == reflect.TypeOf(time.Duration(0)) {
			secs, err := cos.ParseDurationSec(val)
			if err != nil {
				return err
			}
			fv.SetInt(int64(time.Duration(secs) * time.Second))
			return nil
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Int:
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		fv.SetInt(int64(n))
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}

// ExpandCacheDir substitutes the $(USER) and $(HOST) placeholders documented
// in ClientConfig.CacheDir (e.g. "/var/tmp/$(USER)",
// "/var/autofs/net/$(HOST)/$(USER)").
func ExpandCacheDir(dir string) string {
	if strings.Contains(dir, "$(USER)") {
		dir = strings.ReplaceAll(dir, "$(USER)", currentUser())
	}
	if strings.Contains(dir, "$(HOST)") {
		dir = strings.ReplaceAll(dir, "$(HOST)", currentHost())
	}
	return dir
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func currentHost() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}
