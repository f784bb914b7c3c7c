package gateway

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message roles as the peer reports them in chat.history.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "toolResult"
)

// Block kinds inside a remote message's content list.
const (
	BlockText     = "text"
	BlockThinking = "thinking"
	BlockImage    = "image"
)

// Block is one content block of a remote message.
type Block struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// RemoteMessage is one entry of a peer's conversation history. Content is
// either a bare string or a block list on the wire; both decode into Blocks.
type RemoteMessage struct {
	Role     string  `json:"role"`
	Blocks   []Block `json:"-"`
	ToolName string  `json:"toolName,omitempty"`
	Output   string  `json:"output,omitempty"`
}

func (m *RemoteMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role     string          `json:"role"`
		Content  json.RawMessage `json:"content"`
		ToolName string          `json:"toolName"`
		Output   string          `json:"output"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.ToolName = raw.ToolName
	m.Output = raw.Output
	m.Blocks = nil
	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw.Content, &text); err == nil {
		if text != "" {
			m.Blocks = []Block{{Type: BlockText, Text: text}}
		}
		return nil
	}
	return json.Unmarshal(raw.Content, &m.Blocks)
}

// supportedProtocol is the single wire version this build speaks.
const supportedProtocol = 1

// Adapter wraps a connection with per-method payload validation. Nothing past
// the adapter touches raw frames.
type Adapter struct {
	conn *Conn
}

func NewAdapter(conn *Conn) (*Adapter, error) {
	if v := conn.ProtocolVersion(); v != supportedProtocol {
		return nil, fmt.Errorf("%w: peer speaks v%d, this build speaks v%d",
			ErrUnsupportedProtocol, v, supportedProtocol)
	}
	return &Adapter{conn: conn}, nil
}

// Conn exposes the underlying transport, e.g. for event subscription.
func (a *Adapter) Conn() *Conn { return a.conn }

type configResult struct {
	Config map[string]interface{} `json:"config"`
	Hash   string                 `json:"hash"`
}

// ConfigGet fetches the peer's config document and its current hash.
func (a *Adapter) ConfigGet(ctx context.Context) (map[string]interface{}, string, error) {
	raw, err := a.conn.Request(ctx, "config.get", nil)
	if err != nil {
		return nil, "", err
	}
	var res configResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, "", fmt.Errorf("gateway %s: config.get payload: %w", a.conn.instanceID, err)
	}
	return res.Config, res.Hash, nil
}

// ConfigPatch submits a serialized patch under a hash precondition. On
// success the peer returns the full new document and its new hash.
func (a *Adapter) ConfigPatch(ctx context.Context, raw string, baseHash string) (map[string]interface{}, string, error) {
	payload, err := a.conn.Request(ctx, "config.patch", map[string]interface{}{
		"raw":      raw,
		"baseHash": baseHash,
	})
	if err != nil {
		return nil, "", err
	}
	var res configResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, "", fmt.Errorf("gateway %s: config.patch payload: %w", a.conn.instanceID, err)
	}
	return res.Config, res.Hash, nil
}

// ConfigSchema returns the peer's config schema document verbatim.
func (a *Adapter) ConfigSchema(ctx context.Context) (json.RawMessage, error) {
	return a.conn.Request(ctx, "config.schema", nil)
}

// ChatHistory fetches up to limit most recent messages of a session.
func (a *Adapter) ChatHistory(ctx context.Context, sessionKey string, limit int) ([]RemoteMessage, error) {
	raw, err := a.conn.Request(ctx, "chat.history", map[string]interface{}{
		"sessionKey": sessionKey,
		"limit":      limit,
	})
	if err != nil {
		return nil, err
	}
	var res struct {
		Messages []RemoteMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("gateway %s: chat.history payload: %w", a.conn.instanceID, err)
	}
	return res.Messages, nil
}

// SessionsDelete discards the peer's state for the session.
func (a *Adapter) SessionsDelete(ctx context.Context, key string) (bool, error) {
	raw, err := a.conn.Request(ctx, "sessions.delete", map[string]interface{}{"key": key})
	if err != nil {
		return false, err
	}
	var res struct {
		Deleted bool `json:"deleted"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return false, fmt.Errorf("gateway %s: sessions.delete payload: %w", a.conn.instanceID, err)
	}
	return res.Deleted, nil
}

// ChatSend starts a streaming turn on the session. Stream events follow as
// chat events on the connection.
func (a *Adapter) ChatSend(ctx context.Context, sessionKey, message, idempotencyKey string) error {
	_, err := a.conn.Request(ctx, "chat.send", map[string]interface{}{
		"sessionKey":     sessionKey,
		"message":        message,
		"idempotencyKey": idempotencyKey,
	})
	return err
}

// ChatAbort cancels the session's in-flight turn on the peer.
func (a *Adapter) ChatAbort(ctx context.Context, sessionKey string) error {
	_, err := a.conn.Request(ctx, "chat.abort", map[string]interface{}{"sessionKey": sessionKey})
	return err
}
