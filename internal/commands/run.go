package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/deepresearch-dev/agent/common/id"
	"github.com/deepresearch-dev/agent/common/llm"
	"github.com/deepresearch-dev/agent/common/logger"
	"github.com/deepresearch-dev/agent/common/otel"
	"github.com/deepresearch-dev/agent/core/config"
	"github.com/deepresearch-dev/agent/internal/domain"
	"github.com/deepresearch-dev/agent/internal/prompt"
	researcherrors "github.com/deepresearch-dev/agent/internal/research/errors"
	"github.com/deepresearch-dev/agent/internal/research/orchestrator"
	"github.com/deepresearch-dev/agent/internal/research/phase0"
	"github.com/deepresearch-dev/agent/internal/research/phase05"
	"github.com/deepresearch-dev/agent/internal/research/phase1"
	"github.com/deepresearch-dev/agent/internal/research/phase15"
	"github.com/deepresearch-dev/agent/internal/research/phase2"
	"github.com/deepresearch-dev/agent/internal/research/phase3"
	"github.com/deepresearch-dev/agent/internal/research/phase4"
	"github.com/deepresearch-dev/agent/internal/retrieval"
	"github.com/deepresearch-dev/agent/internal/session"
	"github.com/deepresearch-dev/agent/internal/session/eventbus"
	"github.com/deepresearch-dev/agent/internal/uibus"
)

// newEventPublisher connects the redis-backed cross-process event bus.
func newEventPublisher(cfg config.RedisConfig) (*eventbus.RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}
	return eventbus.NewRedisPublisher(client, cfg.Stream), nil
}

func newRunCmd() *cobra.Command {
	var (
		batchID     string
		resume      bool
		sessionID   string
		userTopic   string
		resumePoint string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run (or resume) a research batch through every phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchID == "" {
				return cliError{code: exitFailed, err: fmt.Errorf("--batch is required")}
			}
			if sessionID != "" && sessionID != batchID {
				return cliError{code: exitFailed, err: fmt.Errorf("--session %q must equal --batch %q or be omitted", sessionID, batchID)}
			}
			return runResearch(cmd.Context(), batchID, sessionID, userTopic, resumePoint)
		},
	}

	cmd.Flags().StringVar(&batchID, "batch", "", "batch_id to run (required)")
	cmd.Flags().BoolVar(&resume, "resume", false, "confirm this run is expected to resume an existing session")
	cmd.Flags().StringVar(&sessionID, "session", "", "session_id to resume (defaults to batch_id; must equal --batch when set)")
	cmd.Flags().StringVar(&userTopic, "topic", "", "optional operator-supplied topic to anchor goal discovery")
	cmd.Flags().StringVar(&resumePoint, "resume-point", "", "override the derived resume point (phase0, phase0_5, phase1, phase1_5, phase2, complete)")

	return cmd
}

func runResearch(ctx context.Context, batchID, sessionID, userTopic, resumePoint string) error {
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

	if err := id.Init(1); err != nil {
		return cliError{code: exitFailed, err: fmt.Errorf("initializing id generator: %w", err)}
	}
	runID := id.New()
	slog.InfoContext(ctx, "research run starting", "run_id", runID, "batch_id", batchID, "env", cfg.Env)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if sessionID == "" {
		sessionID = batchID
	}

	store, err := session.New(cfg.SessionsDir, cfg.AutosaveDebounce, cfg.StepDigestCap)
	if err != nil {
		return cliError{code: exitFailed, err: fmt.Errorf("opening session store: %w", err)}
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.ErrorContext(ctx, "closing session store", "error", err)
		}
	}()

	agent, err := llm.NewAgentClient(llm.Config{APIKey: cfg.LLM.APIKey, BaseURL: cfg.LLM.BaseURL, Model: cfg.LLM.Model})
	if err != nil {
		return cliError{code: exitFailed, err: fmt.Errorf("constructing llm client: %w", err)}
	}

	composer := prompt.New(cfg.PromptsDir)
	bus := uibus.NewLocal(nil)
	bus.SetTimeout(cfg.PromptUserTimeout)

	orch, err := buildOrchestrator(store, bus, composer, agent, cfg, batchID)
	if err != nil {
		return cliError{code: exitFailed, err: err}
	}

	if cfg.Redis.Enabled() {
		pub, err := newEventPublisher(cfg.Redis)
		if err != nil {
			return cliError{code: exitFailed, err: fmt.Errorf("connecting event bus: %w", err)}
		}
		orch.Events = pub
		defer func() {
			if err := pub.Close(); err != nil {
				slog.ErrorContext(ctx, "closing event bus", "error", err)
			}
		}()
	}

	runErr := orch.Run(ctx, orchestrator.RunInput{
		BatchID:     batchID,
		UserTopic:   userTopic,
		SessionID:   sessionID,
		ResumePoint: resumePoint,
	})
	if runErr == nil {
		slog.InfoContext(ctx, "research run completed", "run_id", runID, "session_id", sessionID)
		return nil
	}

	if errors.Is(runErr, domain.ErrSessionCorrupt) {
		return cliError{code: exitCorrupt, err: runErr}
	}
	if researcherrors.KindOf(runErr) == researcherrors.KindOperatorCancelled {
		return cliError{code: exitCancelled, err: runErr}
	}
	return cliError{code: exitFailed, err: runErr}
}

// buildOrchestrator wires one orchestrator.Orchestrator for a single run.
// The retrieval backend needs the batch's items up front to answer
// follow-up requests during Phase 3, so it reads the batch directory here;
// the orchestrator's own Phase 0 step reads the same files again (or, on
// resume, reads the equivalent content back from the phase0 artifact) — a
// second read of a handful of JSON files, not a correctness concern.
func buildOrchestrator(store *session.Store, bus uibus.Bus, composer *prompt.Composer, agent llm.AgentClient, cfg config.Config, batchID string) (*orchestrator.Orchestrator, error) {
	items, err := phase0.LoadBatch(context.Background(), cfg.BatchesDir, batchID)
	if err != nil {
		return nil, fmt.Errorf("loading batch: %w", err)
	}

	backend := retrieval.NewBatchBackend(items)
	handler := retrieval.New(backend, nil, retrieval.Budgets{
		TranscriptChars: cfg.RetrievalWordRangeCharBudget,
		CommentsChars:   cfg.RetrievalCommentsCharBudget,
		MetadataChars:   cfg.RetrievalMetadataCharBudget,
	})

	p0 := phase0.New(agent, composer, bus)
	p05 := phase05.New(agent, composer, bus, store)
	p1 := phase1.New(agent, composer, bus, cfg.MaxGoalAmendments)
	p15 := phase15.New(agent, composer, bus)
	p2 := phase2.New(bus)
	p3 := phase3.New(agent, composer, bus, handler, store, cfg.MaxFollowups)
	p4 := phase4.New(agent, composer, bus, store, cfg.ReportsDir)

	return orchestrator.New(store, bus, cfg.BatchesDir, p0, p05, p1, p15, p2, p3, p4), nil
}
