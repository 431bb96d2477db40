// Command pipesocksd runs the pipe-reachable SOCKS5 bridge: it binds
// the duplex endpoint, then wires the frame codec, pipe-instance
// manager, worker/router, SOCKS originator, and TCP multiplexer
// together and blocks until interrupted.
//
// Host-OS service lifecycle, single-instance enforcement, and
// install/uninstall tooling are explicitly out of this core's scope
// (spec.md §1) and are not implemented here; this binary is the
// minimal foreground harness the core needs to run standalone.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"pipesocks/internal/infrastructure/epoll"
	"pipesocks/internal/pipeserver"
	"pipesocks/internal/socksorigin"
	"pipesocks/internal/tcpmux"
	"pipesocks/internal/worker"
	"pipesocks/pkg/exitcode"
	"pipesocks/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	pipePath := flag.String("pipe", "/tmp/pipesocksd.sock", "path of the duplex endpoint peers connect to")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "emit JSON logs instead of text")
	flag.Parse()

	log := logger.Setup(logger.Options{
		Level: logger.ParseLevel(*logLevel),
		JSON:  *logJSON,
	})

	w := worker.New(log)

	pipeLoop, err := epoll.New()
	if err != nil {
		log.Error("failed to create pipe event loop", "err", err)
		return exitcode.Error
	}

	pipeSrv, err := pipeserver.New(log, w, pipeLoop, *pipePath)
	if err != nil {
		log.Error("failed to start pipe server", "err", err, "path", *pipePath)
		return exitcode.Error
	}
	w.SetPipe(pipeSrv)

	readLoop, err := epoll.New()
	if err != nil {
		log.Error("failed to create multiplexer read loop", "err", err)
		return exitcode.Error
	}
	writeLoop, err := epoll.New()
	if err != nil {
		log.Error("failed to create multiplexer write loop", "err", err)
		return exitcode.Error
	}

	origin := socksorigin.New(log, w)
	mux := tcpmux.New(log, origin, readLoop, writeLoop)
	origin.SetMux(mux)
	w.SetSocks(origin)

	log.Info("pipesocksd listening", "pipe", *pipePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig)
	case <-w.Stopped():
		log.Info("worker stopped itself (uninstall_self), shutting down")
	}

	origin.Stop()
	mux.Stop()
	pipeSrv.Stop()
	w.Stop()

	return exitcode.OK
}
