package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wsshrelay/wsshrelay/relay"
)

func main() {
	logLevelName := flag.String("log-level", "info", "log level: panic, fatal, error, warning, info, debug, trace")
	idleTimeout := flag.Duration("idle-timeout", 60*time.Second, "how long a session may go without a frontend attaching before it is reaped")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [-log-level=<level>] [-idle-timeout=<duration>] <bind-port> [external-redirect]\n", os.Args[0])
		os.Exit(1)
	}

	bindPort := args[0]
	externalHost := ""
	if len(args) == 2 {
		externalHost = args[1]
	}

	var logLevel relay.LogLevel
	if err := logLevel.FromString(*logLevelName); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	logger := relay.NewLogger("wsshrelay", logLevel)

	server := relay.NewServer(logger, relay.Config{
		ExternalHost: externalHost,
		IdleTimeout:  *idleTimeout,
		Debug:        logLevel >= relay.LogLevelDebug,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.ILogf("received signal %s, shutting down", sig)
		cancel()
	}()

	if err := server.Run(ctx, "0.0.0.0", bindPort); err != nil {
		logger.ELogf("server exited with error: %s", err)
		os.Exit(1)
	}
}
