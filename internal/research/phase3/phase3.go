// Package phase3 implements Execute: the core windowed dispatch/retrieval/
// aggregate engine that turns one PlanStep into a StepFinding. It
// generalizes internal/brain/retriever.go's tool-calling loop (stream,
// detect structured blocks, act, continue) into a stateful, persisted,
// multi-window step runner — the teacher's retriever and planner loops are
// both single-shot per invocation, so the window-to-window and
// retrieval-round state machine here is new orchestration composing their
// idioms rather than a direct port of either.
package phase3

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/deepresearch-dev/agent/common/llm"
	"github.com/deepresearch-dev/agent/internal/domain"
	"github.com/deepresearch-dev/agent/internal/prompt"
	researcherrors "github.com/deepresearch-dev/agent/internal/research/errors"
	"github.com/deepresearch-dev/agent/internal/streamparse"
	"github.com/deepresearch-dev/agent/internal/uibus"
)

const (
	// DefaultMaxFollowups caps mid-stream retrieval rounds per window.
	DefaultMaxFollowups = 3

	// windowRetryAttempts is additional attempts beyond the first, for a
	// total of 3 tries per window on LLM transport failure.
	windowRetryAttempts = 2

	maxDigestWords   = 400
	maxInsightsWords = 200
)

// RetrievalResolver is the narrow seam phase3 needs from the retrieval
// handler: resolving one model-issued request against the backing batch.
type RetrievalResolver interface {
	Resolve(ctx context.Context, req domain.RetrievalRequest) (domain.RetrievalResult, error)
}

// Store is the narrow seam phase3 needs from the session store.
type Store interface {
	SavePhaseArtifact(phaseKey domain.PhaseKey, data any, autosave bool) error
	UpdateScratchpad(stepID int, findings json.RawMessage, insights string, confidence float64, sources []string) error
	AppendStepDigest(digest domain.StepDigest) error
}

// Runner executes Phase 3, one PlanStep at a time.
type Runner struct {
	LLM          llm.AgentClient
	Composer     *prompt.Composer
	Bus          uibus.Bus
	Retrieval    RetrievalResolver
	Store        Store
	MaxFollowups int
}

// New returns a Phase 3 Runner. maxFollowups <= 0 defaults to
// DefaultMaxFollowups.
func New(agent llm.AgentClient, composer *prompt.Composer, bus uibus.Bus, retrieval RetrievalResolver, store Store, maxFollowups int) *Runner {
	if maxFollowups <= 0 {
		maxFollowups = DefaultMaxFollowups
	}
	return &Runner{
		LLM:          agent,
		Composer:     composer,
		Bus:          bus,
		Retrieval:    retrieval,
		Store:        store,
		MaxFollowups: maxFollowups,
	}
}

// requestsBlock is a mid-stream JSON object the model emits to ask for more
// source content.
type requestsBlock struct {
	Requests []domain.RetrievalRequest `json:"requests"`
}

// findingsBlock is the JSON object that closes out a window.
type findingsBlock struct {
	Findings   domain.Findings `json:"findings"`
	Confidence float64         `json:"confidence"`
	Sources    []string        `json:"sources"`
}

// RunStep executes one plan step end to end: windowing, per-window
// dispatch/retrieval/aggregation, persistence, and digest emission. A
// session-fatal error (persistent LLM transport failure) propagates to the
// caller so the orchestrator can mark the session failed; any other
// per-window failure is absorbed here and the step continues.
func (r *Runner) RunStep(ctx context.Context, step domain.PlanStep, items []domain.Item, priorDigests []domain.StepDigest) (*domain.StepFinding, error) {
	startedAt := time.Now()

	windows, err := buildWindows(step, items, priorDigests)
	if err != nil {
		return nil, researcherrors.InputInvalid(fmt.Errorf("phase3: step %d: %w", step.StepID, err))
	}

	digestText := renderDigests(priorDigests)
	agg := newAggregator()

	failedWindows := 0
	followupTotal := 0
	retrievalBytesUsed := 0

	for _, w := range windows {
		findings, confidence, sources, followups, bytesUsed, werr := r.dispatchWindow(ctx, step, w, digestText, agg.renderRunning())
		followupTotal += followups
		retrievalBytesUsed += bytesUsed

		if werr != nil {
			if researcherrors.KindOf(werr) == researcherrors.KindSessionFatal {
				return nil, werr
			}
			failedWindows++
			r.Bus.DisplayMessage(ctx, fmt.Sprintf("phase3: step %d window %d/%d failed: %v", step.StepID, w.Index, w.Total, werr), uibus.LevelWarn)
			agg.addWindow(domain.Findings{}, 0, nil)
			continue
		}
		agg.addWindow(findings, confidence, sources)
	}

	agg.cleanup()

	failed := len(windows) > 0 && failedWindows == len(windows)

	finding := domain.StepFinding{
		StepID: step.StepID,
		Findings: domain.Findings{
			Summary:          agg.mergedSummary(),
			PointsOfInterest: agg.pointsOfInterest(),
		},
		Insights:   agg.insightsText(maxInsightsWords),
		Confidence: agg.meanConfidence(),
		Sources:    agg.sourceList(),
	}
	if failed {
		finding.Confidence = 0
	}

	meta := domain.StepArtifactMeta{
		StartedAt:           startedAt.Format(time.RFC3339),
		CompletedAt:         time.Now().Format(time.RFC3339),
		WindowCount:         len(windows),
		FollowupCount:       followupTotal,
		RetrievalBudgetUsed: retrievalBytesUsed,
		Failed:              failed,
	}
	artifact := domain.StepArtifact{Finding: finding, Meta: meta}

	if err := r.Store.SavePhaseArtifact(domain.PhaseStepKey(step.StepID), artifact, true); err != nil {
		return nil, researcherrors.SessionFatal(fmt.Errorf("phase3: persisting step %d artifact: %w", step.StepID, err))
	}

	findingsRaw, err := json.Marshal(finding.Findings)
	if err != nil {
		return nil, researcherrors.SessionFatal(fmt.Errorf("phase3: marshaling step %d findings: %w", step.StepID, err))
	}
	if err := r.Store.UpdateScratchpad(step.StepID, findingsRaw, finding.Insights, finding.Confidence, finding.Sources); err != nil {
		return nil, researcherrors.SessionFatal(fmt.Errorf("phase3: updating scratchpad for step %d: %w", step.StepID, err))
	}

	digest := domain.StepDigest{
		StepID:    step.StepID,
		Text:      condenseDigest(finding, maxDigestWords),
		Timestamp: time.Now(),
	}
	if err := r.Store.AppendStepDigest(digest); err != nil {
		return nil, researcherrors.SessionFatal(fmt.Errorf("phase3: appending digest for step %d: %w", step.StepID, err))
	}

	r.Bus.DisplaySummary(ctx, strconv.Itoa(step.StepID), "phase3_step_complete", artifact)

	return &finding, nil
}

// dispatchWindow runs one window's dispatch/retrieval/finalize loop,
// returning its findings contribution along with the follow-up rounds used
// and the bytes of retrieved content consumed.
func (r *Runner) dispatchWindow(ctx context.Context, step domain.PlanStep, w window, digestText, runningText string) (domain.Findings, float64, []string, int, int, error) {
	messages, err := r.buildDispatchMessages(step, w, digestText, runningText)
	if err != nil {
		return domain.Findings{}, 0, nil, 0, 0, researcherrors.InputInvalid(fmt.Errorf("phase3: composing window prompt: %w", err))
	}

	followups := 0
	bytesUsed := 0
	forcedFinalize := false

	for {
		var gotRequests *requestsBlock
		var gotFindings *findingsBlock

		// A fresh parser and result pointers are installed on every attempt
		// (including backoff retries) so a transport error that interrupts a
		// partially-fed parser never corrupts the next attempt's state.
		attempt := func() (*llm.AgentResponse, error) {
			parser := streamparse.New()
			gotRequests = nil
			gotFindings = nil

			onToken := func(tok string) {
				r.Bus.DisplayStream(ctx, tok)
				for _, raw := range parser.Feed(tok) {
					var peek map[string]json.RawMessage
					if err := json.Unmarshal(raw, &peek); err != nil {
						continue
					}
					if _, ok := peek["requests"]; ok && gotRequests == nil {
						var rb requestsBlock
						if json.Unmarshal(raw, &rb) == nil {
							gotRequests = &rb
						}
						continue
					}
					if _, ok := peek["findings"]; ok && gotFindings == nil {
						var fb findingsBlock
						if json.Unmarshal(raw, &fb) == nil {
							gotFindings = &fb
						}
					}
				}
			}

			return r.LLM.StreamChatWithTools(ctx, llm.AgentRequest{Messages: messages}, onToken)
		}

		resp, serr := r.streamWithRetry(ctx, attempt)
		r.Bus.ClearStreamBuffer(ctx)
		if serr != nil {
			return domain.Findings{}, 0, nil, followups, bytesUsed, serr
		}

		if gotFindings != nil {
			return gotFindings.Findings, gotFindings.Confidence, gotFindings.Sources, followups, bytesUsed, nil
		}

		if gotRequests != nil && len(gotRequests.Requests) > 0 && !forcedFinalize {
			if followups >= r.MaxFollowups {
				messages = append(messages,
					llm.Message{Role: "assistant", Content: resp.Content},
					llm.Message{Role: "user", Content: "No further retrieval is available for this window; finalize your findings now."},
				)
				forcedFinalize = true
				continue
			}

			messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})
			for _, req := range gotRequests.Requests {
				content, n := r.resolveRequest(ctx, req)
				bytesUsed += n
				messages = append(messages, llm.Message{
					Role:    "user",
					Content: fmt.Sprintf("Retrieved content for request %s (%s): %s\nReason: %s", req.ID, req.Method, content, req.Reason),
				})
			}
			followups++
			continue
		}

		// Nothing recognizable closed mid-stream; fall back to whatever the
		// stream produced in full and parse it as a last resort.
		obj, perr := streamparse.ParseFirstObject(resp.Content)
		if perr != nil {
			return domain.Findings{}, 0, nil, followups, bytesUsed,
				researcherrors.PerWindow(fmt.Errorf("phase3: window %d/%d: %w", w.Index, w.Total, streamparse.ErrUnparseable))
		}
		var fb findingsBlock
		if err := json.Unmarshal(obj, &fb); err != nil {
			return domain.Findings{}, 0, nil, followups, bytesUsed,
				researcherrors.PerWindow(fmt.Errorf("phase3: window %d/%d: parsing findings: %w", w.Index, w.Total, err))
		}
		return fb.Findings, fb.Confidence, fb.Sources, followups, bytesUsed, nil
	}
}

// resolveRequest resolves one mid-stream retrieval request, inlining any
// error back as content rather than aborting the window — the enclosing
// step does not abort on a retrieval error.
func (r *Runner) resolveRequest(ctx context.Context, req domain.RetrievalRequest) (string, int) {
	result, err := r.Retrieval.Resolve(ctx, req)
	if err != nil {
		msg := fmt.Sprintf("error resolving request %s: %v", req.ID, err)
		return msg, len(msg)
	}
	return result.Content, len(result.Content)
}

// streamWithRetry retries attempt up to windowRetryAttempts additional
// times (3 attempts total) with exponential backoff, on transport error.
// attempt is responsible for installing fresh per-attempt state (notably a
// new streamparse.Parser) each time it's invoked, since a failed attempt may
// have already streamed a partial, now-discarded response. Exhaustion
// escalates to a session-fatal error per the "persistent transport failure"
// rule.
func (r *Runner) streamWithRetry(ctx context.Context, attempt func() (*llm.AgentResponse, error)) (*llm.AgentResponse, error) {
	var resp *llm.AgentResponse

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), windowRetryAttempts), ctx)
	err := backoff.Retry(func() error {
		var serr error
		resp, serr = attempt()
		return serr
	}, bo)
	if err != nil {
		return nil, researcherrors.SessionFatal(fmt.Errorf("phase3: llm transport exhausted retries: %w", err))
	}
	return resp, nil
}

func (r *Runner) buildDispatchMessages(step domain.PlanStep, w window, digestText, runningText string) ([]llm.Message, error) {
	vars := map[string]string{
		"goal":                   step.Goal,
		"window_content":         w.Content,
		"window_index":           strconv.Itoa(w.Index),
		"window_total":           strconv.Itoa(w.Total),
		"step_digests":           digestText,
		"running_findings":       runningText,
		"retrieval_instructions": retrievalInstructions,
	}
	msgs, err := r.Composer.Compose(string(domain.PhaseKeyExecute), vars)
	if err != nil {
		return nil, err
	}
	return toLLMMessages(msgs), nil
}

const retrievalInstructions = `If you need more source content before finalizing, emit a JSON object of the form {"requests":[{"id":"r1","content_type":"transcript","source_link_id":"...","method":"word_range","parameters":{...},"reason":"..."}]}. When ready, finalize with {"findings":{"summary":"...","points_of_interest":{...}},"confidence":0.0,"sources":["link_id",...]}.`

func toLLMMessages(msgs []prompt.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func condenseDigest(finding domain.StepFinding, maxWords int) string {
	var parts []string
	if finding.Insights != "" {
		parts = append(parts, finding.Insights)
	}
	for i, kc := range finding.Findings.PointsOfInterest.KeyClaims {
		if i >= 5 {
			break
		}
		parts = append(parts, kc.Claim)
	}
	for i, ne := range finding.Findings.PointsOfInterest.NotableEvidence {
		if i >= 3 {
			break
		}
		parts = append(parts, ne.Quote)
	}
	return truncateWords(strings.Join(nonEmpty(parts), "\n"), maxWords)
}

func nonEmpty(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
