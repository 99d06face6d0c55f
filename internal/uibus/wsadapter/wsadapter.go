// Package wsadapter fans a uibus.LocalBus out over WebSocket connections
// using github.com/coder/websocket, and feeds inbound user_input/cancel
// frames back into the core. It is the one place the research core's
// Bus abstraction meets a concrete transport; everything upstream of it
// only ever talks to uibus.Bus.
package wsadapter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/deepresearch-dev/agent/internal/uibus"
)

// inboundFrame is the envelope for client->server frames:
// research:user_input{prompt_id, response} and workflow:cancel.
type inboundFrame struct {
	Type     string `json:"type"`
	PromptID string `json:"prompt_id,omitempty"`
	Response string `json:"response,omitempty"`
}

// outboundFrame is the envelope for server->client frames; Type mirrors
// uibus.Frame.Name verbatim.
type outboundFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans one batch's Bus to every connection subscribed to it. A single
// Hub instance can serve many concurrently running research sessions
// (keyed by batch_id), mirroring the teacher's pattern of one long-lived
// manager guarding a map of per-entity state behind a mutex.
type Hub struct {
	mu    sync.Mutex
	conns map[string][]*conn // batchID -> connections
}

type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string][]*conn)}
}

// Serve accepts ws as a WebSocket connection subscribed to batchID's bus.
// It replays bus's buffered frames, then forwards every subsequent emitted
// frame (via the onFrame callback the caller wired into bus at
// construction — see Attach) until the connection closes or ctx is done.
// onCancel is invoked if the client sends workflow:cancel.
func (h *Hub) Serve(ctx context.Context, batchID string, ws *websocket.Conn, bus *uibus.LocalBus, onCancel func()) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &conn{ws: ws, cancel: cancel}
	h.mu.Lock()
	h.conns[batchID] = append(h.conns[batchID], c)
	h.mu.Unlock()
	defer h.removeConn(batchID, c)

	for _, f := range bus.Frames() {
		if err := wsjson.Write(cctx, ws, outboundFrame{Type: f.Name, Data: f.Data}); err != nil {
			return err
		}
	}

	for {
		var in inboundFrame
		if err := wsjson.Read(cctx, ws, &in); err != nil {
			return err
		}
		switch in.Type {
		case "research:user_input":
			bus.Respond(in.PromptID, in.Response)
		case "workflow:cancel":
			if onCancel != nil {
				onCancel()
			}
		default:
			slog.WarnContext(cctx, "wsadapter: unknown inbound frame type, ignoring", "type", in.Type)
		}
	}
}

func (h *Hub) removeConn(batchID string, target *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.conns[batchID]
	for i, c := range conns {
		if c == target {
			h.conns[batchID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
}

// Attach returns an onFrame callback for uibus.NewLocal that broadcasts
// every emitted frame to batchID's currently connected clients. Delivery
// is best-effort: a write failure on one connection is logged and does not
// block delivery to the others.
func (h *Hub) Attach(batchID string) func(uibus.Frame) {
	return func(f uibus.Frame) {
		h.mu.Lock()
		targets := make([]*conn, len(h.conns[batchID]))
		copy(targets, h.conns[batchID])
		h.mu.Unlock()

		payload := outboundFrame{Type: f.Name, Data: f.Data}
		for _, c := range targets {
			if err := wsjson.Write(context.Background(), c.ws, payload); err != nil {
				slog.Warn("wsadapter: broadcast write failed, dropping for this connection",
					"batch_id", batchID, "frame", f.Name, "error", err)
			}
		}
	}
}
