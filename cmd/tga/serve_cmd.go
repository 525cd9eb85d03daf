package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talos-foundation/tga/pkg/audit"
	"github.com/talos-foundation/tga/pkg/capability"
	"github.com/talos-foundation/tga/pkg/config"
	"github.com/talos-foundation/tga/pkg/observability"
	"github.com/talos-foundation/tga/pkg/runtime"
	"github.com/talos-foundation/tga/pkg/session"
	"github.com/talos-foundation/tga/pkg/store"
)

const sessionSweepInterval = time.Minute

func runServe(_ []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "tga: %v\n", err)
		return 1
	}
	setupLogging(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "tga: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, st, provider, err := buildRuntime(ctx, cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "tga: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()
	if provider != nil {
		defer func() { _ = provider.Shutdown(context.Background()) }()
	}

	report, err := rt.Recover(ctx)
	if err != nil {
		// Integrity violations are fatal: the log is the ground truth
		// for audit and must never be served in a damaged state.
		fmt.Fprintf(stderr, "tga: %v\n", err)
		return 1
	}
	slog.Info("agent ready",
		"identity", cfg.Identity,
		"records", report.Records,
		"traces", report.Traces)

	// The protocol surface that frames tool calls is an external
	// collaborator; it drives the runtime through its exported API. The
	// serve loop owns lifecycle work: periodic session sweeps and
	// shutdown.
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := rt.Sessions().PurgeExpired(); n > 0 {
				slog.Debug("purged expired sessions", "count", n)
			}
			if _, err := st.DeleteExpiredSessions(ctx, time.Now().Unix()); err != nil {
				slog.Warn("session binding sweep failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("shutting down")
			return 0
		}
	}
}

func buildRuntime(ctx context.Context, cfg *config.Config, auditSink io.Writer) (*runtime.Runtime, store.StateStore, *observability.Provider, error) {
	var (
		st  store.StateStore
		err error
	)
	if cfg.DBURL != "" {
		st, err = store.OpenPostgres(ctx, cfg.DBURL)
	} else {
		st, err = store.OpenSQLite(ctx, cfg.DBPath)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	var pub ed25519.PublicKey
	if cfg.SupervisorPublicKey == "" && cfg.DevMode {
		// No key means nothing can verify; dev mode starts anyway with
		// an ephemeral key so the full path stays exercisable.
		pub, _, err = ed25519.GenerateKey(rand.Reader)
		if err == nil {
			slog.Warn("dev mode: using an ephemeral supervisor key; no real capability will verify")
		}
	} else {
		pub, err = capability.ParsePublicKeyPEM([]byte(cfg.SupervisorPublicKey))
	}
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, err
	}
	verifier, err := capability.NewVerifier(capability.Config{
		PublicKey: pub,
		Audience:  cfg.Identity,
		ClockSkew: time.Duration(cfg.ClockSkewSeconds) * time.Second,
	}, st)
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, err
	}

	sessions, err := session.New(cfg.SessionCacheSize)
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.Telemetry
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, err
	}

	rt := runtime.New(st, verifier, sessions, audit.NewLoggerWithWriter(auditSink)).
		WithObserver(provider)
	return rt, st, provider, nil
}
