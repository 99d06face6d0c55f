package uibus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deepresearch-dev/agent/internal/domain"
)

func newPromptID() string {
	return uuid.NewString()
}

// DefaultPromptTimeout is the hard timeout on PromptUser before it returns
// an empty response.
const DefaultPromptTimeout = 300 * time.Second

// Frame is one broadcast event, replayed to late-joining clients (broadcast
// frames up to ReplayBufferSize entries per batch; priority frames, see
// isPriorityFrame, without limit). Event names mirror the §6 wire frame
// names verbatim so wsadapter can forward Frame.Name unchanged.
type Frame struct {
	Name string
	Data any
}

// ReplayBufferSize bounds the ring buffer of broadcast frames kept for
// late-joining clients; oldest broadcast frames are dropped on overflow.
// research:user_input_required and research:phase_change frames are exempt
// from this bound (see isPriorityFrame) so a pending prompt can never be
// evicted by a flood of research:stream_token frames.
const ReplayBufferSize = 100

// isPriorityFrame reports whether a frame must survive regardless of
// ReplayBufferSize. A client that reconnects after missing a prompt has no
// way to learn one is outstanding except by replay, so prompt frames (and
// phase_change, which a reconnecting client needs to reorient itself) are
// kept outside the bounded ring.
func isPriorityFrame(name string) bool {
	return name == "research:user_input_required" || name == "research:phase_change"
}

// LocalBus is the reference, in-process Bus implementation: broadcast
// frames go into a bounded ring buffer (for wsadapter to replay), and
// PromptUser blocks on a mailbox channel completed by a later call to
// Respond. It has no network dependency and is suitable for CLI-only runs
// and tests.
type LocalBus struct {
	mu      sync.Mutex
	frames  []Frame
	mailbox map[string]chan string
	timeout time.Duration
	onFrame func(Frame)
}

// NewLocal returns a LocalBus. onFrame, if non-nil, is invoked synchronously
// for every emitted frame (wsadapter uses this to fan out over WebSocket
// connections); it may be nil for a pure CLI run where frames are only
// buffered for inspection.
func NewLocal(onFrame func(Frame)) *LocalBus {
	return &LocalBus{
		mailbox: make(map[string]chan string),
		timeout: DefaultPromptTimeout,
		onFrame: onFrame,
	}
}

// SetTimeout overrides DefaultPromptTimeout, mainly for tests.
func (b *LocalBus) SetTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeout = d
}

// Frames returns a snapshot of the buffered broadcast frames, oldest first.
func (b *LocalBus) Frames() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Frame, len(b.frames))
	copy(out, b.frames)
	return out
}

func (b *LocalBus) emit(name string, data any) {
	f := Frame{Name: name, Data: data}
	b.mu.Lock()
	b.frames = append(b.frames, f)
	if !isPriorityFrame(name) {
		b.trimBroadcastLocked()
	}
	cb := b.onFrame
	b.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}

// trimBroadcastLocked drops the oldest non-priority frames until at most
// ReplayBufferSize of them remain, leaving every priority frame (see
// isPriorityFrame) untouched regardless of its position in the buffer.
// b.mu must be held.
func (b *LocalBus) trimBroadcastLocked() {
	broadcastCount := 0
	for _, f := range b.frames {
		if !isPriorityFrame(f.Name) {
			broadcastCount++
		}
	}
	for broadcastCount > ReplayBufferSize {
		for i, f := range b.frames {
			if !isPriorityFrame(f.Name) {
				b.frames = append(b.frames[:i], b.frames[i+1:]...)
				break
			}
		}
		broadcastCount--
	}
}

func (b *LocalBus) DisplayHeader(ctx context.Context, phase domain.PhaseKey, title string) {
	b.emit("workflow:progress", map[string]any{"phase": phase, "title": title})
}

func (b *LocalBus) DisplayMessage(ctx context.Context, text string, level MessageLevel) {
	if level == LevelError {
		b.emit("error", map[string]any{"message": text})
		return
	}
	b.emit("workflow:progress", map[string]any{"message": text, "level": level})
}

func (b *LocalBus) DisplayProgress(ctx context.Context, current, total int, label string) {
	b.emit("workflow:progress", map[string]any{"current": current, "total": total, "label": label})
}

func (b *LocalBus) DisplayStream(ctx context.Context, token string) {
	b.emit("research:stream_token", map[string]any{"token": token})
}

func (b *LocalBus) ClearStreamBuffer(ctx context.Context) {
	b.emit("research:stream_token", map[string]any{"clear": true})
}

func (b *LocalBus) NotifyPhaseChange(ctx context.Context, phase domain.PhaseKey) {
	b.emit("research:phase_change", map[string]any{"phase": phase})
}

func (b *LocalBus) DisplayGoals(ctx context.Context, goals []domain.SuggestedGoal) {
	b.emit("research:goals", map[string]any{"goals": goals})
}

func (b *LocalBus) DisplaySynthesizedGoal(ctx context.Context, goal domain.SynthesizedGoal) {
	b.emit("research:synthesized_goal", map[string]any{"goal": goal})
}

func (b *LocalBus) DisplayPlan(ctx context.Context, plan domain.Plan) {
	b.emit("research:plan", map[string]any{"plan": plan})
}

func (b *LocalBus) DisplaySummary(ctx context.Context, linkID string, kind string, data any) {
	b.emit("phase0:summary", map[string]any{"link_id": linkID, "kind": kind, "data": data})
}

func (b *LocalBus) DisplayReport(ctx context.Context, text string, path string) {
	b.emit("phase4:report_ready", map[string]any{"report": text, "path": path})
}

// PromptUser registers a mailbox for promptID, emits the
// research:user_input_required frame, and blocks until Respond is called
// for the same promptID, ctx is done, or the timeout elapses.
func (b *LocalBus) PromptUser(ctx context.Context, text string, choices []string) (string, error) {
	promptID := newPromptID()

	ch := make(chan string, 1)
	b.mu.Lock()
	b.mailbox[promptID] = ch
	timeout := b.timeout
	b.mu.Unlock()

	b.emit("research:user_input_required", map[string]any{
		"prompt_id": promptID,
		"prompt":    text,
		"choices":   choices,
	})

	defer func() {
		b.mu.Lock()
		delete(b.mailbox, promptID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if len(choices) > 0 && !containsChoice(choices, resp) {
			slog.WarnContext(ctx, "prompt_user response did not match any choice, treating as empty",
				"prompt_id", promptID)
			return "", nil
		}
		return resp, nil
	case <-timer.C:
		slog.WarnContext(ctx, "prompt_user timed out, treating as empty", "prompt_id", promptID)
		return "", nil
	case <-ctx.Done():
		slog.WarnContext(ctx, "prompt_user interrupted by cancellation", "prompt_id", promptID)
		return "", nil
	}
}

// Respond delivers a user_input{prompt_id, response} frame to the waiting
// PromptUser call, if one is still pending. A response for an unknown or
// already-resolved prompt_id is dropped without any log line; wsadapter's
// inbound dispatcher warns only on unknown frame types.
func (b *LocalBus) Respond(promptID, response string) {
	b.mu.Lock()
	ch, ok := b.mailbox[promptID]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- response:
	default:
	}
}

func containsChoice(choices []string, resp string) bool {
	for _, c := range choices {
		if c == resp {
			return true
		}
	}
	return false
}
