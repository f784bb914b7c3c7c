package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteMessageDecodesStringContent(t *testing.T) {
	var msg RemoteMessage
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg))
	assert.Equal(t, RoleUser, msg.Role)
	require.Len(t, msg.Blocks, 1)
	assert.Equal(t, BlockText, msg.Blocks[0].Type)
	assert.Equal(t, "hello", msg.Blocks[0].Text)
}

func TestRemoteMessageDecodesBlockContent(t *testing.T) {
	raw := `{"role":"assistant","content":[
		{"type":"thinking","text":"let me check"},
		{"type":"text","text":"done"},
		{"type":"image","url":"https://x/img.png"}
	]}`
	var msg RemoteMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	require.Len(t, msg.Blocks, 3)
	assert.Equal(t, BlockThinking, msg.Blocks[0].Type)
	assert.Equal(t, "done", msg.Blocks[1].Text)
	assert.Equal(t, "https://x/img.png", msg.Blocks[2].URL)
}

func TestRemoteMessageDecodesToolResult(t *testing.T) {
	raw := `{"role":"toolResult","toolName":"calculator","output":"42","content":null}`
	var msg RemoteMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, RoleToolResult, msg.Role)
	assert.Equal(t, "calculator", msg.ToolName)
	assert.Equal(t, "42", msg.Output)
	assert.Empty(t, msg.Blocks)
}

func TestNewAdapterRejectsUnknownProtocol(t *testing.T) {
	_, err := NewAdapter(&Conn{protocolVersion: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)

	_, err = NewAdapter(&Conn{protocolVersion: 1})
	assert.NoError(t, err)
}

func TestAdapterConfigRoundTrip(t *testing.T) {
	url := fakeGateway(t, 1, func(f frame) *frame {
		switch f.Method {
		case "config.get":
			return okFrame(f.ID, map[string]interface{}{
				"config": map[string]interface{}{"model": "m1"},
				"hash":   "h1",
			})
		case "config.patch":
			params, _ := f.Params.(map[string]interface{})
			if params["baseHash"] != "h1" {
				return failFrame(f.ID, CodeHashConflict, "stale")
			}
			return okFrame(f.ID, map[string]interface{}{
				"config": map[string]interface{}{"model": "m2"},
				"hash":   "h2",
			})
		}
		return nil
	})

	conn, err := dial(context.Background(), "inst-1", url, "secret", 5*time.Second, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	adapter, err := NewAdapter(conn)
	require.NoError(t, err)

	cfg, hash, err := adapter.ConfigGet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m1", cfg["model"])
	assert.Equal(t, "h1", hash)

	cfg, hash, err = adapter.ConfigPatch(context.Background(), `{"model":"m2"}`, "h1")
	require.NoError(t, err)
	assert.Equal(t, "m2", cfg["model"])
	assert.Equal(t, "h2", hash)

	_, _, err = adapter.ConfigPatch(context.Background(), `{}`, "stale-hash")
	require.Error(t, err)
	assert.True(t, IsHashConflict(err))
}

func TestAdapterChatHistoryAndDelete(t *testing.T) {
	url := fakeGateway(t, 1, func(f frame) *frame {
		switch f.Method {
		case "chat.history":
			return okFrame(f.ID, map[string]interface{}{
				"messages": []map[string]interface{}{
					{"role": "user", "content": "hi"},
					{"role": "assistant", "content": []map[string]string{{"type": "text", "text": "hello"}}},
				},
			})
		case "sessions.delete":
			return okFrame(f.ID, map[string]bool{"deleted": true})
		}
		return nil
	})

	conn, err := dial(context.Background(), "inst-1", url, "secret", 5*time.Second, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	adapter, err := NewAdapter(conn)
	require.NoError(t, err)

	history, err := adapter.ChatHistory(context.Background(), "main", 100)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[1].Blocks[0].Text)

	deleted, err := adapter.SessionsDelete(context.Background(), "main")
	require.NoError(t, err)
	assert.True(t, deleted)
}
