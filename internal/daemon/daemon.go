package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ehrlich-b/agentgate/internal/agent"
	"github.com/ehrlich-b/agentgate/internal/audit"
	"github.com/ehrlich-b/agentgate/internal/config"
	"github.com/ehrlich-b/agentgate/internal/logger"
	"github.com/ehrlich-b/agentgate/internal/ntfy"
	"github.com/ehrlich-b/agentgate/internal/ratelimit"
	"github.com/ehrlich-b/agentgate/internal/session"
	"github.com/ehrlich-b/agentgate/internal/transport"
)

// Paths locates the files the gateway reads and writes.
type Paths struct {
	Dir    string
	Config string
}

// Run serves the gateway until SIGINT or SIGTERM. Sessions are restored
// from the snapshot at startup and flushed on the way out.
func Run(cfg *config.Config, paths Paths) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	return Serve(ctx, cfg, paths)
}

// Serve is Run with an explicit lifetime.
func Serve(ctx context.Context, cfg *config.Config, paths Paths) error {
	log := logger.For("daemon")

	root, err := cfg.Root()
	if err != nil {
		return fmt.Errorf("working dir: %w", err)
	}

	auditLog, err := audit.Open(cfg.AuditPath(paths.Dir))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	agentOpts := cfg.AgentOptions()
	agentOpts.Logger = logger.For("agent")
	reg, err := session.New(session.Options{
		Root:         root,
		AllowedRoots: cfg.AllowedRoots,
		DefaultKind:  cfg.DefaultKind(),
		NewBackend: func(kind agent.Kind, dir string) (agent.Backend, error) {
			return agent.New(kind, dir, agentOpts)
		},
		Auditor:         auditLog,
		Logger:          logger.Log,
		PersistInterval: cfg.PersistInterval.D(),
	})
	if err != nil {
		return err
	}
	defer reg.Close()

	// Recover sessions from the previous run
	if n, err := reg.Restore(); err != nil {
		log.Warn("session restore failed", "error", err)
	} else if n > 0 {
		log.Info("sessions restored", "count", n)
	}

	limiter := ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	socket := cfg.SocketPath(paths.Dir)
	var notifier transport.Notifier
	if cfg.Notify.Topic != "" {
		n := ntfy.New(cfg.Notify.Topic, cfg.Notify.Token, cfg.Notify.Events)
		n.MinDuration = cfg.Notify.MinDuration.D()
		n.Log = logger.For("ntfy")
		notifier = n
	}
	srv := transport.NewServer(transport.Options{
		Registry:       reg,
		Audit:          auditLog,
		Limiter:        limiter,
		SocketPath:     socket,
		AllowedUsers:   cfg.AllowedUsers,
		AITimeout:      cfg.AITimeout.D(),
		CommandTimeout: cfg.CommandTimeout.D(),
		KillGrace:      cfg.KillGrace.D(),
		Notifier:       notifier,
		Logger:         logger.Log,
	})
	if len(cfg.AllowedUsers) == 0 {
		log.Warn("allowed_users is empty; every request will be refused")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() {
		errCh <- reg.Run(ctx)
	}()
	go limiter.Run(ctx)
	if paths.Config != "" {
		go func() {
			err := config.Watch(ctx, paths.Config, log, func(next *config.Config) {
				srv.SetAllowedUsers(next.AllowedUsers)
				srv.SetTimeouts(next.AITimeout.D(), next.CommandTimeout.D())
				limiter.SetLimits(next.RateLimit.PerMinute, next.RateLimit.Burst)
			})
			if err != nil {
				log.Warn("config watch disabled", "error", err)
			}
		}()
	}
	go func() {
		log.Info("transport listening", "socket", socket)
		errCh <- srv.ListenAndServe(ctx)
	}()

	log.Info("agentgate started", "root", reg.Root(), "backend", cfg.DefaultBackend, "snapshot", reg.SnapshotPath())

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("daemon error: %w", err)
		}
	}
	cancel()

	if err := reg.Persist(); err != nil {
		log.Warn("final persist failed", "error", err)
	}
	return runErr
}
