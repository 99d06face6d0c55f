package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deepresearch-dev/agent/common/logger"
	"github.com/deepresearch-dev/agent/common/otel"
	"github.com/deepresearch-dev/agent/core/config"
	"github.com/deepresearch-dev/agent/internal/httpapi"
	"github.com/deepresearch-dev/agent/internal/session"
)

// newServeCmd exposes the admin surface (session listing + health) over
// HTTP, for an operator watching several batches at once rather than
// tailing one `run` invocation's logs. It never drives a research run
// itself — that stays `run`'s job.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only session admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveAdmin(cmd.Context())
		},
	}
	return cmd
}

func serveAdmin(ctx context.Context) error {
	cfg := config.Load()

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		return cliError{code: exitFailed, err: err}
	}
	defer func() {
		if telemetry != nil {
			_ = telemetry.Shutdown(context.Background())
		}
	}()

	logger.Setup(cfg)

	store, err := session.New(cfg.SessionsDir, cfg.AutosaveDebounce, cfg.StepDigestCap)
	if err != nil {
		return cliError{code: exitFailed, err: fmt.Errorf("opening session store: %w", err)}
	}
	defer func() { _ = store.Close() }()

	router := httpapi.NewRouter(store, httpapi.Config{IsProduction: cfg.IsProduction()})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return cliError{code: exitFailed, err: err}
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return cliError{code: exitFailed, err: err}
		}
		return nil
	}
}
