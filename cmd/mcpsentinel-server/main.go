// Command mcpsentinel-server is the interception proxy's server binary:
// the stateless-HTTP and bidirectional-SSE MCP transports, the STDIO
// proxy's out-of-band verification API, and the websocket/dashboard
// endpoints, all behind one net/http.Server.
//
// Lifecycle: load env, build the detector fleet once, bind one HTTP
// listener, handle SIGINT/SIGTERM with a bounded graceful Shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mcpsentinel/proxy/internal/bus"
	"github.com/mcpsentinel/proxy/internal/detector/command"
	"github.com/mcpsentinel/proxy/internal/detector/fsexposure"
	"github.com/mcpsentinel/proxy/internal/detector/pii"
	"github.com/mcpsentinel/proxy/internal/detector/semanticgap"
	"github.com/mcpsentinel/proxy/internal/gatekeeper"
	"github.com/mcpsentinel/proxy/internal/httpserver"
	"github.com/mcpsentinel/proxy/internal/journal"
	"github.com/mcpsentinel/proxy/internal/llmclient"
	"github.com/mcpsentinel/proxy/internal/logging"
	"github.com/mcpsentinel/proxy/internal/notifier"
	"github.com/mcpsentinel/proxy/internal/rules"
	"github.com/mcpsentinel/proxy/internal/settings"
	"github.com/mcpsentinel/proxy/internal/state"
	"github.com/mcpsentinel/proxy/internal/transport/httponly"
	"github.com/mcpsentinel/proxy/internal/transport/sse"
	pkgconfig "github.com/mcpsentinel/proxy/pkg/config"
)

// maxInFlightDetections bounds the bus's concurrent detector fan-out.
const maxInFlightDetections = 64

// reapInterval is how often stale PendingCalls/gatekeeper states are swept.
const reapInterval = 30 * time.Second

// shutdownGrace bounds how long the HTTP server's graceful Shutdown waits
// for in-flight requests before forcing close. Open SSE connections are
// closed before Shutdown starts; the detector bus gets a separate fixed
// 200ms window afterwards.
const shutdownGrace = 10 * time.Second

func main() {
	pkgconfig.LoadEnv()
	cfg := settings.Load()
	log := logging.NewServer(cfg.Debug)
	defer log.Sync()

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		log.Fatal("failed to open journal", zap.Error(err))
	}
	defer j.Close()

	hub := notifier.NewHub(log)
	go hub.Run()
	defer hub.Stop()

	holder := state.New(0)

	commandDetector := command.New()
	if cfg.RulesPath != "" {
		words, err := rules.LoadCommandWordlist(cfg.RulesPath)
		if err != nil {
			log.Warn("rules file: command wordlist not loaded", zap.Error(err))
		} else {
			commandDetector = command.NewWithWordlist(words)
			log.Info("loaded operator command wordlist", zap.Int("words", len(words)), zap.String("path", cfg.RulesPath))
		}

		piiRules, err := rules.LoadPIIRules(cfg.RulesPath)
		if err != nil {
			log.Warn("rules file: PII rules not loaded", zap.Error(err))
		} else {
			for _, r := range piiRules {
				if err := j.UpsertCustomRule(context.Background(), r); err != nil {
					log.Warn("failed to seed custom PII rule", zap.String("rule", r.RuleName), zap.Error(err))
				}
			}
			if len(piiRules) > 0 {
				log.Info("seeded operator PII rules", zap.Int("rules", len(piiRules)))
			}
		}
	}

	detectors := []bus.Detector{commandDetector, fsexposure.New(), pii.New(j)}
	if cfg.MistralAPIKey != "" {
		llmCfg := llmclient.DefaultConfig()
		llmCfg.APIKey = cfg.MistralAPIKey
		llm, err := llmclient.New(llmCfg)
		if err != nil {
			log.Warn("semantic-gap judge disabled", zap.Error(err))
		} else {
			mode := semanticgap.ModeInt
			if cfg.SemanticDetail {
				mode = semanticgap.ModeDetail
			}
			detectors = append(detectors, semanticgap.NewWithMode(llm, j, holder, mode))
		}
	} else {
		log.Info("MISTRAL_API_KEY not set, semantic-gap judge disabled")
	}

	b := bus.New(detectors, j, hub, log, maxInFlightDetections)
	gk := gatekeeper.New(b, log)

	httpT := httponly.New(gk, holder, cfg.TargetURL, log)
	sseT := sse.New(gk, holder, cfg.TargetURL, log)
	srv := httpserver.New(gk, holder, hub, log, sseT, httpT)

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: srv.Mux(),
	}

	stopReaper := make(chan struct{})
	go runReaper(gk, holder, log, stopReaper)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		log.Fatal("server failed", zap.Error(err))
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	close(stopReaper)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	for _, c := range holder.AllSSEConnections() {
		c.Close()
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown timed out, forcing close", zap.Error(err))
		_ = httpServer.Close()
	}

	// Give the bus's in-flight detector goroutines a short window to finish
	// writing their journal/notifier side effects before the journal
	// itself closes via the deferred j.Close() above.
	time.Sleep(200 * time.Millisecond)

	fmt.Fprintln(os.Stderr, "mcpsentinel-server stopped")
}

func runReaper(gk *gatekeeper.Gatekeeper, holder *state.Holder, log *zap.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if n := gk.ReapStale(now); n > 0 {
				log.Debug("reaped stale gatekeeper calls", zap.Int("count", n))
			}
			if n := holder.ReapStale(now); n > 0 {
				log.Debug("reaped stale pending calls", zap.Int("count", n))
			}
		}
	}
}
