// Package nlog is the cache-manager logger: leveled, timestamped, written
// to stderr or, once SetOutputFile is called, to a size-rotated file (error
// lines then go to both).
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

const sevChars = "IWE"

var (
	mu      sync.Mutex
	file    *os.File
	written int64

	toStderr = true // no file configured: everything goes to stderr
	minSev   = sevInfo

	logDir, aisrole, title string
	host, _                = os.Hostname()
	pid                    = os.Getpid()
)

// MaxSize is the rotation threshold for the optional file sink.
var MaxSize int64 = 4 * 1024 * 1024

func SetLogDirRole(dir, role string) { logDir, aisrole = dir, role }
func SetTitle(s string)              { title = s }

// SetMinSeverity restricts output to sev and above; default is info (everything).
func SetMinSeverity(s string) {
	switch strings.ToLower(s) {
	case "warn", "warning":
		minSev = sevWarn
	case "err", "error":
		minSev = sevErr
	default:
		minSev = sevInfo
	}
}

// SetOutputFile opens (or creates) a file sink that replaces stderr for
// info and warning lines; error lines are written to both.
func SetOutputFile(path string) error {
	mu.Lock()
	defer mu.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	toStderr = false
	written = 0
	return nil
}

func Infof(format string, args ...any)    { logf(sevInfo, format, args...) }
func Infoln(args ...any)                  { logln(sevInfo, args...) }
func Warningf(format string, args ...any) { logf(sevWarn, format, args...) }
func Warningln(args ...any)               { logln(sevWarn, args...) }
func Errorf(format string, args ...any)   { logf(sevErr, format, args...) }
func Errorln(args ...any)                 { logln(sevErr, args...) }

func logf(sev severity, format string, args ...any) {
	if sev < minSev {
		return
	}
	write(sev, fmt.Sprintf(format, args...))
}

func logln(sev severity, args ...any) {
	if sev < minSev {
		return
	}
	write(sev, fmt.Sprintln(args...))
}

func write(sev severity, msg string) {
	line := formatHdr(sev) + strings.TrimSuffix(msg, "\n") + "\n"
	mu.Lock()
	defer mu.Unlock()
	if toStderr || sev >= sevErr {
		os.Stderr.WriteString(line)
	}
	if file != nil {
		n, err := file.WriteString(line)
		if err == nil {
			written += int64(n)
			if written >= MaxSize {
				rotate()
			}
		}
	}
}

// under mu
func rotate() {
	if file == nil {
		return
	}
	file.Close()
	now := time.Now()
	name := filepath.Join(logDir, fmt.Sprintf("%s.%s.%04d%02d%02d-%02d%02d%02d.%d.log",
		sname(), host, now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second(), pid))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		file = nil
		toStderr = true
		return
	}
	file = f
	written = 0
}

func sname() string {
	if aisrole != "" {
		return aisrole
	}
	return "cache-manager"
}

func formatHdr(sev severity) string {
	var b strings.Builder
	b.WriteByte(sevChars[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(3); ok {
		if idx := strings.LastIndexByte(fn, filepath.Separator); idx >= 0 {
			fn = fn[idx+1:]
		}
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
	if title != "" {
		b.WriteByte('[')
		b.WriteString(title)
		b.WriteString("] ")
	}
	return b.String()
}
