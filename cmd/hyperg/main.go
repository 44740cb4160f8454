/*
File Name:  main.go
Copyright:  2019 Golem Factory
Author:     Golem Factory

hyperg is the content-addressed file-transfer daemon. It serves registered
bundles to peers over TCP and exposes a local JSON control plane for
registering, checking and downloading bundles.
*/

package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	transfer "github.com/golemfactory/simple-transfer"
	"github.com/golemfactory/simple-transfer/webapi"
)

func main() {
	var (
		configFile    = flag.String("config", "Config.yaml", "configuration file")
		dataDir       = flag.String("db", "", "data directory")
		host          = flag.String("host", "", "IP address to listen on for peers")
		port          = flag.Int("port", 0, "TCP port to listen on for peers")
		rpcHost       = flag.String("rpc-host", "", "IP address for the control plane to listen on")
		rpcPort       = flag.Int("rpc-port", 0, "TCP port for the control plane to listen on")
		sweepInterval = flag.Int("sweep-interval", 0, "catalog sweep interval in seconds")
		sweepLifetime = flag.Int("sweep-lifetime", 0, "default lifetime of shares in seconds")
		logFile       = flag.String("logfile", "", "log to file")
		logLevel      = flag.String("loglevel", "", "default logging level")
	)
	flag.Parse()

	backend, status, err := transfer.Init(*configFile, func(config *transfer.Config) {
		if *dataDir != "" {
			config.DataDirectory = *dataDir
		}
		if *host != "" || *port != 0 {
			config.Listen = overrideEndpoint(config.Listen, *host, *port)
		}
		if *rpcHost != "" || *rpcPort != 0 {
			config.ListenRPC = overrideEndpoint(config.ListenRPC, *rpcHost, *rpcPort)
		}
		if *sweepInterval != 0 {
			config.SweepInterval = *sweepInterval
		}
		if *sweepLifetime != 0 {
			config.SweepLifetime = *sweepLifetime
		}
		if *logFile != "" {
			config.LogFile = *logFile
		}
		if *logLevel != "" {
			config.LogLevel = *logLevel
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialization error (status %d): %v\n", status, err)
		os.Exit(status)
	}

	if err := backend.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "cannot listen on '%s': %v\n", backend.Config.Listen, err)
		os.Exit(transfer.ExitErrorListen)
	}

	if webapi.Start(backend, []string{backend.Config.ListenRPC}, 0, 0) == nil {
		os.Exit(transfer.ExitParamWebapiInvalid)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	backend.Terminate()
	os.Exit(transfer.ExitGraceful)
}

// overrideEndpoint replaces host and/or port of a host:port endpoint.
func overrideEndpoint(endpoint, host string, port int) string {
	currentHost, currentPort := endpoint, ""
	if h, p, err := net.SplitHostPort(endpoint); err == nil {
		currentHost, currentPort = h, p
	}
	if host != "" {
		currentHost = host
	}
	if port != 0 {
		currentPort = strconv.Itoa(port)
	}
	return net.JoinHostPort(currentHost, currentPort)
}
