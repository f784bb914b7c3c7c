package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nodeworks/agent-fleet/src/manager/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatPeer struct {
	history     []gateway.RemoteMessage
	historyErr  error
	historyGate chan struct{}
	sendErr     error

	sent    []string
	keys    []string
	aborts  int
	fetches int
}

func (p *fakeChatPeer) ChatSend(_ context.Context, _, message, idempotencyKey string) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, message)
	p.keys = append(p.keys, idempotencyKey)
	return nil
}

func (p *fakeChatPeer) ChatAbort(context.Context, string) error {
	p.aborts++
	return nil
}

func (p *fakeChatPeer) ChatHistory(context.Context, string, int) ([]gateway.RemoteMessage, error) {
	if p.historyGate != nil {
		<-p.historyGate
	}
	p.fetches++
	return p.history, p.historyErr
}

func textMsg(role, text string) gateway.RemoteMessage {
	return gateway.RemoteMessage{
		Role:   role,
		Blocks: []gateway.Block{{Type: gateway.BlockText, Text: text}},
	}
}

func TestSendRendersTurnImmediately(t *testing.T) {
	peer := &fakeChatPeer{}
	r := NewReconciler(peer, "main", 1, 0)

	require.NoError(t, r.Send(context.Background(), "hello"))
	assert.Equal(t, Streaming, r.StateNow())

	transcript := r.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, gateway.RoleUser, transcript[0].Role)
	assert.Equal(t, "hello", transcript[0].Content)
	assert.Equal(t, gateway.RoleAssistant, transcript[1].Role)
	assert.Empty(t, transcript[1].Content)

	require.Len(t, peer.keys, 1)
	assert.NotEmpty(t, peer.keys[0])
}

func TestEventsApplyToCurrentAssistantMessage(t *testing.T) {
	peer := &fakeChatPeer{}
	r := NewReconciler(peer, "main", 1, 0)
	require.NoError(t, r.Send(context.Background(), "hello"))

	r.HandleEvent(context.Background(), ChatEvent{SessionKey: "main", Kind: KindText, Text: "hi "})
	r.HandleEvent(context.Background(), ChatEvent{SessionKey: "main", Kind: KindText, Text: "there"})

	transcript := r.Transcript()
	assert.Equal(t, "hi there", transcript[1].Content)
}

func TestEventsForOtherSessionsAreIgnored(t *testing.T) {
	peer := &fakeChatPeer{}
	r := NewReconciler(peer, "main", 1, 0)
	require.NoError(t, r.Send(context.Background(), "hello"))

	r.HandleEvent(context.Background(), ChatEvent{SessionKey: "other", Kind: KindText, Text: "noise"})

	transcript := r.Transcript()
	assert.Empty(t, transcript[1].Content)
	assert.Equal(t, Streaming, r.StateNow())
}

func TestEventsOutsideTurnAreIgnored(t *testing.T) {
	peer := &fakeChatPeer{}
	r := NewReconciler(peer, "main", 1, 0)

	r.HandleEvent(context.Background(), ChatEvent{SessionKey: "main", Kind: KindText, Text: "stray"})
	assert.Empty(t, r.Transcript())
	assert.Equal(t, Idle, r.StateNow())
}

func TestDoneReplacesTranscriptWithHistory(t *testing.T) {
	peer := &fakeChatPeer{history: []gateway.RemoteMessage{
		textMsg(gateway.RoleUser, "hello"),
		{Role: gateway.RoleAssistant, Blocks: []gateway.Block{
			{Type: gateway.BlockThinking, Text: "deliberating"},
			{Type: gateway.BlockText, Text: "final answer"},
		}},
		{Role: gateway.RoleToolResult, ToolName: "calculator", Output: "42"},
	}}
	r := NewReconciler(peer, "main", 1, 0)
	require.NoError(t, r.Send(context.Background(), "hello"))

	r.HandleEvent(context.Background(), ChatEvent{SessionKey: "main", Kind: KindText, Text: "partial"})
	r.HandleEvent(context.Background(), ChatEvent{SessionKey: "main", Kind: KindDone})

	assert.Equal(t, Idle, r.StateNow())
	assert.Equal(t, 1, peer.fetches)

	transcript := r.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "final answer", transcript[1].Content)
	assert.Equal(t, "deliberating", transcript[1].Thinking)
	require.Len(t, transcript[1].ToolCalls, 1)
	assert.Equal(t, "42", transcript[1].ToolCalls[0].Output)
}

func TestFailedReconcileKeepsStreamedTranscript(t *testing.T) {
	peer := &fakeChatPeer{historyErr: errors.New("peer gone")}
	r := NewReconciler(peer, "main", 1, 0)
	require.NoError(t, r.Send(context.Background(), "hello"))

	r.HandleEvent(context.Background(), ChatEvent{SessionKey: "main", Kind: KindText, Text: "partial"})
	r.HandleEvent(context.Background(), ChatEvent{SessionKey: "main", Kind: KindDone})

	// Staleness over breakage: the streamed content survives.
	assert.Equal(t, Idle, r.StateNow())
	transcript := r.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "partial", transcript[1].Content)
}

func TestCancelAbortsAndReconciles(t *testing.T) {
	peer := &fakeChatPeer{history: []gateway.RemoteMessage{
		textMsg(gateway.RoleUser, "hello"),
	}}
	r := NewReconciler(peer, "main", 1, 0)
	require.NoError(t, r.Send(context.Background(), "hello"))

	r.Cancel(context.Background())

	assert.Equal(t, 1, peer.aborts)
	assert.Equal(t, 1, peer.fetches)
	assert.Equal(t, Idle, r.StateNow())
	assert.Len(t, r.Transcript(), 1)
}

func TestCancelWhenIdleIsNoOp(t *testing.T) {
	peer := &fakeChatPeer{}
	r := NewReconciler(peer, "main", 1, 0)
	r.Cancel(context.Background())
	assert.Zero(t, peer.aborts)
	assert.Zero(t, peer.fetches)
}

func TestSendDuringLiveTurnCancelsPrevious(t *testing.T) {
	peer := &fakeChatPeer{history: []gateway.RemoteMessage{
		textMsg(gateway.RoleUser, "first"),
		textMsg(gateway.RoleAssistant, "answer one"),
	}}
	r := NewReconciler(peer, "main", 1, 0)
	require.NoError(t, r.Send(context.Background(), "first"))
	require.NoError(t, r.Send(context.Background(), "second"))

	assert.Equal(t, 1, peer.aborts)
	assert.Equal(t, []string{"first", "second"}, peer.sent)
	assert.Equal(t, Streaming, r.StateNow())

	// The reconciled history from the aborted turn, plus the new turn.
	transcript := r.Transcript()
	require.Len(t, transcript, 4)
	assert.Equal(t, "second", transcript[2].Content)
}

func TestSendWaitsForReconciliation(t *testing.T) {
	gate := make(chan struct{})
	peer := &fakeChatPeer{
		historyGate: gate,
		history:     []gateway.RemoteMessage{textMsg(gateway.RoleUser, "old")},
	}
	r := NewReconciler(peer, "main", 1, 0)
	require.NoError(t, r.Send(context.Background(), "first"))

	go r.HandleEvent(context.Background(), ChatEvent{SessionKey: "main", Kind: KindDone})
	require.Eventually(t, func() bool { return r.StateNow() == Reconciling },
		time.Second, 5*time.Millisecond)

	sent := make(chan error, 1)
	go func() { sent <- r.Send(context.Background(), "second") }()

	select {
	case <-sent:
		t.Fatal("send started while the previous turn was still reconciling")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-sent)
	assert.Equal(t, Streaming, r.StateNow())

	// The new turn starts from the reconciled transcript.
	transcript := r.Transcript()
	require.Len(t, transcript, 3)
	assert.Equal(t, "old", transcript[0].Content)
	assert.Equal(t, "second", transcript[1].Content)
	assert.Equal(t, gateway.RoleAssistant, transcript[2].Role)
}

func TestFailedSendStillReconciles(t *testing.T) {
	peer := &fakeChatPeer{
		sendErr: gateway.ErrTimeout,
		history: []gateway.RemoteMessage{textMsg(gateway.RoleUser, "old")},
	}
	r := NewReconciler(peer, "main", 1, 0)

	err := r.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, Idle, r.StateNow())
	assert.Equal(t, 1, peer.fetches)

	// Truth restored from the peer, the optimistic rows are gone.
	transcript := r.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, "old", transcript[0].Content)
}
