// Command mcpsentinel-proxy is the STDIO MCP proxy binary: launched by a
// desktop client in place of the real MCP server, it spawns the real
// server as a child process and relays JSON-RPC between the client's own
// stdin/stdout and the child, verifying every message against a running
// mcpsentinel-server instance over HTTP. With MCP_TARGET_URL set, it
// delegates to the remote-bridge mode instead: command/args are ignored
// and the proxy relays stdin/stdout against a remote MCP server over
// HTTP+SSE.
//
// The observer identity and verification server address come from the
// environment; argv[1:] is the command to spawn in local mode, and the
// child's exit code propagates on the way out.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mcpsentinel/proxy/internal/logging"
	"github.com/mcpsentinel/proxy/internal/settings"
	"github.com/mcpsentinel/proxy/internal/target"
	"github.com/mcpsentinel/proxy/internal/transport/remotebridge"
	"github.com/mcpsentinel/proxy/internal/transport/stdio"
	pkgconfig "github.com/mcpsentinel/proxy/pkg/config"
)

func main() {
	pkgconfig.LoadEnv()
	cfg := settings.Load()
	log := logging.NewStdio(cfg.Debug)
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.TargetURL != "" {
		bridge := remotebridge.New(remotebridge.Config{
			VerifyBaseURL: "http://" + cfg.Addr(),
			App: remotebridge.ServerInfo{
				AppName: cfg.ObserverAppName,
				Name:    cfg.ObserverServerName,
			},
			TargetURL:      cfg.TargetURL,
			TargetHeaders:  cfg.TargetHeaders,
			APIAccessToken: cfg.APIAccessToken,
			Log:            log,
		})
		code, err := bridge.Run(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mcpsentinel-proxy: %v\n", err)
		}
		os.Exit(code)
	}

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: mcpsentinel-proxy <command> [args...]")
		fmt.Fprintln(os.Stderr, "   or: MCP_TARGET_URL=http://example.com/sse mcpsentinel-proxy")
		os.Exit(1)
	}

	resolved, err := target.Resolve(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcpsentinel-proxy: %v\n", err)
		os.Exit(1)
	}

	proxy := stdio.New(stdio.Config{
		VerifyBaseURL: "http://" + cfg.Addr(),
		App: stdio.ServerInfo{
			AppName: cfg.ObserverAppName,
			Name:    cfg.ObserverServerName,
		},
		Command: resolved,
		Args:    os.Args[2:],
		Log:     log,
	})

	code, err := proxy.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcpsentinel-proxy: %v\n", err)
	}
	os.Exit(code)
}
