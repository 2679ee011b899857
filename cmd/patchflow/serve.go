package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpserver "github.com/fyrsmithlabs/patchflow/internal/http"
	"github.com/fyrsmithlabs/patchflow/internal/logging"
	"github.com/fyrsmithlabs/patchflow/internal/policy"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

var (
	serveHost          string
	servePort          int
	serveResumeRunning bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from config)")
	serveCmd.Flags().BoolVar(&serveResumeRunning, "resume-running", true, "resume workflows left running by a previous process")
}

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and Prometheus metrics",
	Long: `Serve the workflow API and /metrics until interrupted.

Endpoints:
  GET  /health
  GET  /metrics
  GET  /api/v1/status
  GET  /api/v1/workflows/:id
  POST /api/v1/workflows/:id/approve
  POST /api/v1/workflows/:id/resume
  POST /api/v1/workflows/:id/abort

When policy.file and policy.watch are set, the retry policy is reloaded
whenever the file changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{execute: true, stdoutLogs: true})
	if err != nil {
		return err
	}
	defer a.Close()

	host, port := a.cfg.Server.Host, a.cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}
	srv, err := httpserver.NewServer(a.ctrl, a.logger, &httpserver.Config{
		Host:     host,
		Port:     port,
		Gatherer: prometheus.DefaultGatherer,
		Meter:    a.tel.Meter(httpserver.InstrumentationName),
		States:   a.store,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Policy.File != "" && a.cfg.Policy.Watch {
		w, err := policy.NewWatcher(a.cfg.Policy.File, a.policy, a.logger)
		if err != nil {
			return err
		}
		w.Start(gctx)
		defer w.Stop()
		a.logger.Info(ctx, "watching policy file", zap.String("path", a.cfg.Policy.File))
	}

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if serveResumeRunning {
		if err := a.resumeRunning(gctx, g); err != nil {
			a.logger.Warn(ctx, "failed to list workflows to resume", zap.Error(err))
		}
	}

	return g.Wait()
}

// resumeRunning continues every workflow that was running when a previous
// process stopped. Failures are logged; they do not stop the server.
func (a *app) resumeRunning(ctx context.Context, g *errgroup.Group) error {
	ids, err := a.store.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		st, err := a.store.LoadState(ctx, id)
		if err != nil {
			a.logger.Warn(ctx, "skipping unreadable workflow", zap.String("workflow.id", id), zap.Error(err))
			continue
		}
		if st.Status != workflow.StatusRunning {
			continue
		}
		g.Go(func() error {
			ctx := logging.WithWorkflow(ctx, id)
			a.logger.Info(ctx, "resuming workflow left running")
			if _, err := a.ctrl.Resume(ctx, id); err != nil && ctx.Err() == nil {
				a.logger.Error(ctx, "resume failed", zap.Error(err))
			}
			return nil
		})
	}
	return nil
}
