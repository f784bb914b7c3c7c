package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/nodeworks/agent-fleet/src/manager/gateway"
	"github.com/nodeworks/agent-fleet/src/manager/types"
)

// ErrInProgress means another archive run currently holds the session lock.
var ErrInProgress = errors.New("archive: already running for session")

const defaultFetchLimit = 500

// PeerSession is the slice of the gateway adapter the pipeline needs.
type PeerSession interface {
	ChatHistory(ctx context.Context, sessionKey string, limit int) ([]gateway.RemoteMessage, error)
	SessionsDelete(ctx context.Context, key string) (bool, error)
}

// SnapshotStore is the transactional bulk insert for snapshot rows.
type SnapshotStore interface {
	InsertBatch(ctx context.Context, rows []types.SnapshotMessage) error
}

// SessionStore marks a session inactive once its remote state is gone.
type SessionStore interface {
	MarkInactive(ctx context.Context, sessionKey string) error
}

// Locker serializes archive runs per session.
type Locker interface {
	Acquire(ctx context.Context, sessionKey string) (bool, error)
	Release(ctx context.Context, sessionKey string) error
}

// Events receives pipeline outcomes for observability.
type Events interface {
	Committed(ctx context.Context, instanceID, sessionKey, batchID string, rows int) error
	PeerUnreachable(ctx context.Context, instanceID, sessionKey string)
}

// Pipeline persists everything the peer holds for a conversation before the
// remote state is discarded.
type Pipeline struct {
	Snapshots  SnapshotStore
	Sessions   SessionStore
	Lock       Locker
	Events     Events
	FetchLimit int
}

// Result reports what one archive run did.
type Result struct {
	BatchID         string
	Rows            int
	PeerUnreachable bool
}

// Archive fetches the session's remote history, persists it as one snapshot
// batch, deletes the remote session, and marks the local session inactive.
//
// Peer-unreachable at fetch time is a soft outcome: nothing existed to
// archive, the session is still marked inactive. A DB write failure is fatal
// and leaves the session active.
func (p *Pipeline) Archive(ctx context.Context, peer PeerSession, instanceID, sessionKey string) (Result, error) {
	if p.Lock != nil {
		ok, err := p.Lock.Acquire(ctx, sessionKey)
		if err != nil {
			return Result{}, fmt.Errorf("archive %s: lock: %w", sessionKey, err)
		}
		if !ok {
			return Result{}, ErrInProgress
		}
		defer func() {
			if err := p.Lock.Release(context.WithoutCancel(ctx), sessionKey); err != nil {
				log.Printf("archive %s: release lock: %v", sessionKey, err)
			}
		}()
	}

	limit := p.FetchLimit
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	history, err := peer.ChatHistory(ctx, sessionKey, limit)
	if err != nil {
		if gateway.IsUnreachable(err) {
			log.Printf("archive %s: peer unreachable, nothing to archive: %v", sessionKey, err)
			if p.Events != nil {
				p.Events.PeerUnreachable(ctx, instanceID, sessionKey)
			}
			if err := p.Sessions.MarkInactive(ctx, sessionKey); err != nil {
				return Result{}, fmt.Errorf("archive %s: mark inactive: %w", sessionKey, err)
			}
			return Result{PeerUnreachable: true}, nil
		}
		return Result{}, fmt.Errorf("archive %s: fetch history: %w", sessionKey, err)
	}

	batchID := uuid.NewString()
	rows := Normalize(history, batchID, sessionKey)

	if len(rows) > 0 {
		if err := p.Snapshots.InsertBatch(ctx, rows); err != nil {
			// Session stays active: the archive did not commit.
			return Result{}, fmt.Errorf("archive %s: insert batch: %w", sessionKey, err)
		}
		if p.Events != nil {
			if err := p.Events.Committed(ctx, instanceID, sessionKey, batchID, len(rows)); err != nil {
				log.Printf("archive %s: publish event: %v", sessionKey, err)
			}
		}
	}

	// The batch is durable; remote state may go.
	if _, err := peer.SessionsDelete(ctx, sessionKey); err != nil {
		log.Printf("archive %s: remote delete failed (archive already durable): %v", sessionKey, err)
	}

	if err := p.Sessions.MarkInactive(ctx, sessionKey); err != nil {
		return Result{}, fmt.Errorf("archive %s: mark inactive: %w", sessionKey, err)
	}

	if len(rows) == 0 {
		log.Printf("archive %s: empty remote history, session reset only", sessionKey)
		return Result{}, nil
	}
	log.Printf("archive %s: committed batch %s with %d rows", sessionKey, batchID, len(rows))
	return Result{BatchID: batchID, Rows: len(rows)}, nil
}

// Normalize folds a remote history into snapshot rows. Users start user rows,
// assistants start assistant rows, tool results merge onto the preceding
// assistant row. Order indices are gap-free and ascending within the batch.
func Normalize(history []gateway.RemoteMessage, batchID, sessionKey string) []types.SnapshotMessage {
	var rows []types.SnapshotMessage
	var cur *types.SnapshotMessage

	flush := func() {
		if cur != nil {
			rows = append(rows, *cur)
			cur = nil
		}
	}

	for _, msg := range history {
		switch msg.Role {
		case gateway.RoleUser:
			flush()
			rows = append(rows, types.SnapshotMessage{
				BatchID:    batchID,
				SessionKey: sessionKey,
				OrderIndex: len(rows),
				Role:       gateway.RoleUser,
				Content:    joinText(msg.Blocks, gateway.BlockText),
			})
		case gateway.RoleAssistant:
			flush()
			cur = &types.SnapshotMessage{
				BatchID:    batchID,
				SessionKey: sessionKey,
				OrderIndex: len(rows),
				Role:       gateway.RoleAssistant,
				Content:    joinText(msg.Blocks, gateway.BlockText),
				Thinking:   joinText(msg.Blocks, gateway.BlockThinking),
				ImagesJSON: imageList(msg.Blocks),
			}
		case gateway.RoleToolResult:
			if cur == nil {
				log.Printf("archive %s: tool result with no preceding assistant row, dropped", sessionKey)
				continue
			}
			appendToolCall(cur, types.ToolCall{
				Name:   msg.ToolName,
				Output: toolOutput(msg),
			})
		default:
			log.Printf("archive %s: unknown role %q, dropped", sessionKey, msg.Role)
		}
	}
	flush()
	return rows
}

func joinText(blocks []gateway.Block, kind string) string {
	out := ""
	for _, b := range blocks {
		if b.Type != kind || b.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

func imageList(blocks []gateway.Block) string {
	var urls []string
	for _, b := range blocks {
		if b.Type == gateway.BlockImage && b.URL != "" {
			urls = append(urls, b.URL)
		}
	}
	if len(urls) == 0 {
		return ""
	}
	data, _ := json.Marshal(urls)
	return string(data)
}

func toolOutput(msg gateway.RemoteMessage) string {
	if msg.Output != "" {
		return msg.Output
	}
	return joinText(msg.Blocks, gateway.BlockText)
}

func appendToolCall(row *types.SnapshotMessage, call types.ToolCall) {
	var calls []types.ToolCall
	if row.ToolCallsJSON != "" {
		_ = json.Unmarshal([]byte(row.ToolCallsJSON), &calls)
	}
	calls = append(calls, call)
	data, _ := json.Marshal(calls)
	row.ToolCallsJSON = string(data)
}
