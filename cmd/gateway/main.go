// gateway is the multi-protocol edge gateway daemon. It accepts GraphQL,
// JSON-RPC 2.0, and Cap'n Proto requests, normalizes them into canonical
// tool calls, and serves them locally or off-loads them to the least-loaded
// cluster peer.
//
// Exit codes:
//
//	0  normal shutdown
//	1  fatal configuration error
//	2  bind failure
//	3  unrecoverable discovery failure at startup (no static upstreams
//	   and no local service configured)
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gateway/internal/kernel"
	"gateway/pkg/config"
	"gateway/pkg/logx"
)

const (
	exitOK          = 0
	exitConfig      = 1
	exitBind        = 2
	exitNoDiscovery = 3
)

// shutdownDrain bounds how long in-flight requests may finish on SIGTERM.
const shutdownDrain = 20 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	logger := logx.NewLogger("gateway")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration: %v", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	k, err := kernel.New(ctx, cfg, kernel.Options{})
	if err != nil {
		logger.Error("startup: %v", err)
		return exitConfig
	}

	if err := k.Start(); err != nil {
		k.Stop(time.Second)
		if isBindError(err) {
			logger.Error("bind: %v", err)
			return exitBind
		}
		logger.Error("startup: %v", err)
		return exitConfig
	}

	// A node with no local handler is pure off-load: it must find at
	// least one upstream at startup or it can serve nothing.
	if !cfg.LocalService {
		bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		found := k.BootstrapDiscovery(bootCtx)
		cancel()
		if !found {
			logger.Error("no upstreams discovered and no local service configured")
			k.Stop(time.Second)
			return exitNoDiscovery
		}
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")
	k.Stop(shutdownDrain)
	return exitOK
}

// isBindError distinguishes listener failures from other startup errors.
func isBindError(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "bind") || strings.Contains(msg, "address already in use")
}
