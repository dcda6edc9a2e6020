package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/afero"

	"github.com/artpar/deployagent/internal/core/domain"
	"github.com/artpar/deployagent/internal/shell/agent"
	"github.com/artpar/deployagent/internal/shell/builder"
	"github.com/artpar/deployagent/internal/shell/discovery"
	"github.com/artpar/deployagent/internal/shell/gateway"
	"github.com/artpar/deployagent/internal/shell/gitsync"
	"github.com/artpar/deployagent/internal/shell/logsink"
	"github.com/artpar/deployagent/internal/shell/process"
	"github.com/artpar/deployagent/internal/shell/store"
	"github.com/artpar/deployagent/internal/shell/updater"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess          = 0
	ExitConfigError      = 1
	ExitDatabaseError    = 2
	ExitHTTPServerError  = 3
	ExitDeploymentFailed = 4
	// ExitRestart asks the supervisor to relaunch the freshly installed binary.
	ExitRestart = 75
)

// =============================================================================
// Server
// =============================================================================

// Server wires the deployment agent to its HTTP surface and store.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	log        *logsink.Log
	agent      *agent.Agent
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}

	if err := ensureDatabaseDir(cfg.Database.DSN); err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	// Connect to database
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	executable, err := os.Executable()
	if err != nil {
		logger.Warn("could not resolve executable path, self-update disabled", "error", err)
		cfg.Updater.Enabled = false
	}

	runner := process.NewExecRunner(cfg.Build.GracePeriod, logger)
	fs := afero.NewOsFs()
	operatorLog := logsink.New(logger)
	gw := gateway.New(logger)

	a := agent.New(agent.Deps{
		Requests:   gw,
		Syncer:     gitsync.New(runner, gitsync.GoGitInspector{}, cfg.GitsyncConfig(), logger),
		Discoverer: discovery.New(fs, cfg.Discovery, logger),
		Builder:    builder.New(runner, fs, cfg.BuilderConfig(), logger),
		Log:        operatorLog,
		Store:      s,
		Updater:    updater.New(cfg.UpdaterConfig(Version, executable), logger),
	}, agent.Config{
		RepositoryRoot: cfg.Repositories.Root,
		Version:        Version,
	}, logger)

	handler := gateway.NewHandler(gateway.Config{
		Gateway: gw,
		Log:     operatorLog,
		Store:   s,
		Status:  a.State,
		Version: Version,
		Logger:  logger,
	})

	return &Server{
		config: cfg,
		httpServer: &http.Server{
			Addr:         cfg.Server.Address(),
			Handler:      handler.Routes(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		store:  s,
		log:    operatorLog,
		agent:  a,
		logger: logger,
	}, nil
}

// Start serves HTTP and runs the deployment loop until a shutdown signal,
// a fatal error or a restart request.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- s.agent.Run(loopCtx)
	}()

	var result error
	select {
	case <-ctx.Done():
		s.logger.Info("received shutdown signal")
	case err := <-errCh:
		result = &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case err := <-loopDone:
		loopDone <- err
		if errors.Is(err, agent.ErrRestartRequested) {
			result = &ServerError{
				Op:       "Start",
				Err:      err,
				ExitCode: ExitRestart,
			}
		}
	}

	cancelLoop()
	if err := s.Shutdown(context.Background()); err != nil && result == nil {
		result = err
	}
	<-loopDone
	s.closeStore()
	return result
}

// RunOnce handles a single deployment without starting the HTTP server.
func (s *Server) RunOnce(ctx context.Context, req domain.DeploymentRequest) error {
	defer s.closeStore()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := s.agent.Deploy(ctx, req)
	if err := logsink.WriteText(os.Stdout, s.log.Entries()); err != nil {
		s.logger.Warn("failed to print log", "error", err)
	}
	if d.Status != domain.StatusSucceeded {
		return &ServerError{
			Op:       "RunOnce",
			Err:      fmt.Errorf("deployment %s %s: %s", d.ID, d.Status, d.ErrorMessage),
			ExitCode: ExitDeploymentFailed,
		}
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return &ServerError{Op: "Shutdown", Err: err, ExitCode: ExitHTTPServerError}
	}
	return nil
}

// ensureDatabaseDir creates the parent directory of a file DSN.
func ensureDatabaseDir(dsn string) error {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	path, _, _ := strings.Cut(dsn, "?")
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

func (s *Server) closeStore() {
	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}
	s.logger.Info("shutdown complete")
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
