// Command meshd runs the AgentMesh governance daemon: the identity
// registry, policy engine, audit log, trust engine, and the HTTP API in
// one process.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/audit"
	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/health"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/internal/meshcrypto"
	"github.com/agentmesh/agentmesh/internal/policy"
	"github.com/agentmesh/agentmesh/internal/server"
	"github.com/agentmesh/agentmesh/internal/trust"
	"github.com/agentmesh/agentmesh/internal/webhooks"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("meshd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	configPath := flag.String("config", "", "path to meshd.yaml (default: search configs/, .)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// ── Authority key ────────────────────────────────────────────────────────
	authorityKey, err := loadOrCreateAuthorityKey(cfg.Identity.AuthorityKeyFile, logger)
	if err != nil {
		return fmt.Errorf("authority key: %w", err)
	}

	// ── Audit log ────────────────────────────────────────────────────────────
	startCtx := context.Background()
	storage, closeDB, err := openAuditStorage(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	aud, err := audit.NewLog(startCtx, storage, audit.Options{}, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	logger.Info("audit log ready",
		zap.String("storage", cfg.Audit.Storage),
		zap.Uint64("entries", aud.Len()),
		zap.String("root", aud.Root()),
	)

	// ── Identity registry ────────────────────────────────────────────────────
	reg, err := identity.NewRegistry(authorityKey, identity.Config{
		CredentialTTL:      cfg.Identity.CredentialTTL,
		MaxDelegationDepth: cfg.Identity.MaxDelegationDepth,
	}, logger)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}

	// ── Policy engine ────────────────────────────────────────────────────────
	pol := policy.NewEngine(policy.Config{EvalTimeout: cfg.Policy.EvalTimeout}, logger)
	if cfg.Policy.Dir != "" {
		n, err := loadPolicyDir(pol, cfg.Policy.Dir)
		if err != nil {
			return fmt.Errorf("load policies from %s: %w", cfg.Policy.Dir, err)
		}
		logger.Info("policies loaded", zap.String("dir", cfg.Policy.Dir), zap.Int("count", n))
	}

	// ── Trust engine ─────────────────────────────────────────────────────────
	tr, err := trust.NewEngine(trust.Config{
		Weights:             cfg.Weights(),
		Alpha:               cfg.Alpha(),
		DecayInterval:       cfg.Trust.DecayInterval,
		DecayRate:           cfg.Trust.DecayRate,
		DecayFloor:          cfg.Trust.DecayFloor,
		RevocationThreshold: cfg.Trust.RevocationThreshold,
	}, reg.Known, logger)
	if err != nil {
		return fmt.Errorf("create trust engine: %w", err)
	}

	m := mesh.New(reg, pol, aud, tr, logger)
	defer m.Close() //nolint:errcheck

	// ── Webhooks ─────────────────────────────────────────────────────────────
	hooks := webhooks.NewService(logger)
	hooks.SetMetricsRecorder(server.RecordWebhookDelivery)
	m.SetNotifier(hooks)
	defer hooks.Close()

	// ── Audit integrity checker ──────────────────────────────────────────────
	checker := health.New(aud, health.Config{}, logger)
	checker.SetDispatch(hooks.Dispatch)
	checker.Start()
	defer checker.Stop()

	// ── Credential rotation ──────────────────────────────────────────────────
	rotator := identity.NewRotator(reg, cfg.Identity.CredentialRotationLead, 0,
		func(old, renewed *identity.Credential) {
			logger.Info("credential rotated",
				zap.String("did", renewed.DID),
				zap.Time("expires_at", renewed.ExpiresAt),
			)
		}, logger)
	rotator.Start(context.Background())
	defer rotator.Stop()

	// ── HTTP server ──────────────────────────────────────────────────────────
	approvals := policy.NewApprovalManager(cfg.Policy.ApprovalTimeout, logger)
	srv, err := server.New(m, approvals, server.Config{
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
		AdminSecret:  cfg.Server.AdminSecret,
	}, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	srv.TrackCredentials(rotator)
	srv.EnableWebhooks(hooks)
	srv.SetHealthChecker(checker)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("meshd listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// loadOrCreateAuthorityKey reads the base64-encoded Ed25519 authority key
// from path, generating and persisting a fresh one when the file does not
// exist. An empty path yields an ephemeral key, which makes every restart
// a new authority; fine for development, wrong for production.
func loadOrCreateAuthorityKey(path string, logger *zap.Logger) (ed25519.PrivateKey, error) {
	if path == "" {
		logger.Warn("no authority key file configured, using an ephemeral key")
		_, key, err := meshcrypto.GenerateKeypair()
		return key, err
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		key, derr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if derr != nil {
			return nil, fmt.Errorf("decode %s: %w", path, derr)
		}
		if len(key) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("%s: expected %d key bytes, got %d", path, ed25519.PrivateKeySize, len(key))
		}
		return ed25519.PrivateKey(key), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	_, key, err := meshcrypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist %s: %w", path, err)
	}
	logger.Info("generated new authority key", zap.String("file", path))
	return key, nil
}

// loadPolicyDir loads every YAML and JSON policy document in dir.
func loadPolicyDir(pol *policy.Engine, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		switch filepath.Ext(de.Name()) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, de.Name()))
		if err != nil {
			return n, err
		}
		if _, err := pol.Load(data); err != nil {
			return n, fmt.Errorf("%s: %w", de.Name(), err)
		}
		n++
	}
	return n, nil
}

// openAuditStorage builds the configured audit backend. The returned
// cleanup closes the database pool, when there is one.
func openAuditStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (audit.Storage, func(), error) {
	switch cfg.Audit.Storage {
	case config.AuditStorageMemory:
		return audit.NewMemoryStorage(), nil, nil
	case config.AuditStorageFile:
		fs, err := audit.OpenFileStorage(cfg.Audit.FilePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit file: %w", err)
		}
		return fs, nil, nil
	case config.AuditStoragePostgres:
		pool, err := pgxpool.New(ctx, cfg.Audit.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return audit.NewPostgresStorage(pool, logger), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("audit.storage %q not supported", cfg.Audit.Storage)
	}
}
