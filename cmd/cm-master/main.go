// cm-master is the coordinator entrypoint: parse flags, load
// MasterConfig, and run master/server until interrupted.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rwth-i6/cache-manager/cmn/config"
	"github.com/rwth-i6/cache-manager/cmn/nlog"
	"github.com/rwth-i6/cache-manager/master/server"
)

func main() {
	var (
		configFile = flag.String("config", "/etc/cache-manager/cm-server.conf", "path to the coordinator config file")
		logDir     = flag.String("log_dir", "", "directory for log files; stderr if empty")
		logLevel   = flag.String("log_level", "info", "minimum severity logged (info, warning, error)")
	)
	flag.Parse()

	nlog.SetTitle("cm-master")
	nlog.SetMinSeverity(*logLevel)
	if *logDir != "" {
		if err := os.MkdirAll(*logDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cm-master: cannot create log dir %s: %v\n", *logDir, err)
			os.Exit(1)
		}
		nlog.SetLogDirRole(*logDir, "master")
		if err := nlog.SetOutputFile(filepath.Join(*logDir, "cm-master.log")); err != nil {
			fmt.Fprintf(os.Stderr, "cm-master: cannot open log file in %s: %v\n", *logDir, err)
			os.Exit(1)
		}
	}

	cfg := config.DefaultMasterConfig()
	if err := config.Load(*configFile, cfg); err != nil {
		nlog.Errorf("cm-master: loading %s: %v", *configFile, err)
		os.Exit(1)
	}

	srv := server.New(cfg)
	if err := srv.Run(context.Background()); err != nil {
		nlog.Errorf("cm-master: %v", err)
		os.Exit(1)
	}
}
