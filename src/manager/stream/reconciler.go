package stream

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/nodeworks/agent-fleet/src/manager/gateway"
)

// ErrTurnActive means Send was called while a previous turn had not been
// cancelled yet.
var ErrTurnActive = errors.New("stream: turn already active")

// State of the reconciler for one conversation.
type State int

const (
	Idle State = iota
	Streaming
	Reconciling
)

// ToolCall is one tool invocation on a transcript message.
type ToolCall struct {
	Name   string `json:"name,omitempty"`
	Args   string `json:"args,omitempty"`
	Output string `json:"output,omitempty"`
}

// ChatMessage is the consumer-side transcript entry. It is mutated in place
// while streaming and wholly replaced after reconciliation.
type ChatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking,omitempty"`
	Images    []string   `json:"images,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// peerChat is the slice of the gateway adapter the reconciler needs.
type peerChat interface {
	ChatSend(ctx context.Context, sessionKey, message, idempotencyKey string) error
	ChatAbort(ctx context.Context, sessionKey string) error
	ChatHistory(ctx context.Context, sessionKey string, limit int) ([]gateway.RemoteMessage, error)
}

// Reconciler keeps one conversation's transcript responsive during a live
// turn and correct afterwards. The incremental feed is known to omit block
// kinds, so every turn ends with an authoritative history fetch that
// replaces the whole transcript.
type Reconciler struct {
	peer         peerChat
	sessionKey   string
	historyLimit int
	strategy     Strategy

	mu         sync.Mutex
	idle       *sync.Cond
	state      State
	transcript []*ChatMessage
	current    *ChatMessage
	cancelTurn context.CancelFunc
}

func NewReconciler(peer peerChat, sessionKey string, protocolVersion, historyLimit int) *Reconciler {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	r := &Reconciler{
		peer:         peer,
		sessionKey:   sessionKey,
		historyLimit: historyLimit,
		strategy:     StrategyFor(protocolVersion),
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// StateNow returns the current state.
func (r *Reconciler) StateNow() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Transcript returns a copy of the current transcript.
func (r *Reconciler) Transcript() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChatMessage, len(r.transcript))
	for i, m := range r.transcript {
		out[i] = *m
	}
	return out
}

// Send starts a streaming turn. A previous live turn is cancelled first:
// exactly one turn is active per conversation. A send arriving while the
// previous turn is still reconciling waits for the fetch to complete, so the
// new turn starts from the authoritative transcript. The user message and an
// empty assistant record are appended immediately so the UI renders at once.
func (r *Reconciler) Send(ctx context.Context, text string) error {
	r.mu.Lock()
	if r.state == Streaming {
		r.mu.Unlock()
		r.Cancel(ctx)
		r.mu.Lock()
	}
	for r.state == Reconciling {
		r.idle.Wait()
	}
	if r.state != Idle {
		// A concurrent Send won the race for the next turn.
		r.mu.Unlock()
		return ErrTurnActive
	}
	turnCtx, cancel := context.WithCancel(ctx)
	r.cancelTurn = cancel
	r.state = Streaming
	r.transcript = append(r.transcript, &ChatMessage{Role: gateway.RoleUser, Content: text})
	r.current = &ChatMessage{Role: gateway.RoleAssistant}
	r.transcript = append(r.transcript, r.current)
	r.mu.Unlock()

	if err := r.peer.ChatSend(turnCtx, r.sessionKey, text, uuid.NewString()); err != nil {
		// The turn never started remotely; reconcile to restore truth.
		r.finish(ctx)
		return err
	}
	return nil
}

// HandleEvent applies one incremental event. Events for other sessions and
// events arriving outside a live turn are ignored. A done event finishes the
// turn and triggers reconciliation.
func (r *Reconciler) HandleEvent(ctx context.Context, ev ChatEvent) {
	if ev.SessionKey != "" && ev.SessionKey != r.sessionKey {
		return
	}
	r.mu.Lock()
	if r.state != Streaming || r.current == nil {
		r.mu.Unlock()
		return
	}
	if ev.Kind == KindDone {
		r.mu.Unlock()
		r.finish(ctx)
		return
	}
	r.strategy.Apply(r.current, ev)
	r.mu.Unlock()
}

// Cancel aborts the in-flight turn. Already-applied partial content stays
// put; the reconciliation that follows restores correctness.
func (r *Reconciler) Cancel(ctx context.Context) {
	r.mu.Lock()
	if r.state != Streaming {
		r.mu.Unlock()
		return
	}
	cancel := r.cancelTurn
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := r.peer.ChatAbort(ctx, r.sessionKey); err != nil {
		log.Printf("stream %s: abort: %v", r.sessionKey, err)
	}
	r.finish(ctx)
}

// finish moves Streaming → Reconciling → Idle. It runs on every turn end:
// success, error, or cancellation.
func (r *Reconciler) finish(ctx context.Context) {
	r.mu.Lock()
	if r.state != Streaming {
		r.mu.Unlock()
		return
	}
	r.state = Reconciling
	r.current = nil
	r.cancelTurn = nil
	r.mu.Unlock()

	history, err := r.peer.ChatHistory(ctx, r.sessionKey, r.historyLimit)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		// Staleness over breakage: the last streamed state stays visible.
		log.Printf("stream %s: reconcile fetch failed, keeping streamed transcript: %v", r.sessionKey, err)
		r.state = Idle
		r.idle.Broadcast()
		return
	}
	r.transcript = fromHistory(history)
	r.state = Idle
	r.idle.Broadcast()
}

// fromHistory converts authoritative peer history into the transcript shape,
// merging tool results onto their preceding assistant message.
func fromHistory(history []gateway.RemoteMessage) []*ChatMessage {
	var out []*ChatMessage
	var lastAssistant *ChatMessage
	for _, msg := range history {
		switch msg.Role {
		case gateway.RoleUser, gateway.RoleAssistant:
			cm := &ChatMessage{Role: msg.Role}
			for _, b := range msg.Blocks {
				switch b.Type {
				case gateway.BlockText:
					if cm.Content != "" {
						cm.Content += "\n"
					}
					cm.Content += b.Text
				case gateway.BlockThinking:
					if cm.Thinking != "" {
						cm.Thinking += "\n"
					}
					cm.Thinking += b.Text
				case gateway.BlockImage:
					cm.Images = append(cm.Images, b.URL)
				}
			}
			if msg.Role == gateway.RoleAssistant {
				lastAssistant = cm
			}
			out = append(out, cm)
		case gateway.RoleToolResult:
			if lastAssistant == nil {
				continue
			}
			lastAssistant.ToolCalls = append(lastAssistant.ToolCalls, ToolCall{
				Name:   msg.ToolName,
				Output: msg.Output,
			})
		}
	}
	return out
}
