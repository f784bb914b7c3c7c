package stream

import "encoding/json"

// Chat event kinds as pushed by the peer during a live turn.
const (
	KindText     = "text"
	KindThinking = "thinking"
	KindToolCall = "tool_call"
	KindImage    = "image"
	KindError    = "error"
	KindDone     = "done"
)

// ChatEvent is one decoded incremental event of a streaming turn.
type ChatEvent struct {
	SessionKey string `json:"sessionKey"`
	Kind       string `json:"kind"`
	Text       string `json:"text,omitempty"`
	MediaURL   string `json:"mediaUrl,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	ToolArgs   string `json:"toolArgs,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DecodeChatEvent parses a chat event payload off the wire.
func DecodeChatEvent(payload json.RawMessage) (ChatEvent, error) {
	var ev ChatEvent
	err := json.Unmarshal(payload, &ev)
	return ev, err
}

// Strategy applies one incremental event to the turn's current assistant
// record. It is keyed by the peer's protocol version because event ordering
// quirks differ between runtime generations.
type Strategy interface {
	Apply(msg *ChatMessage, ev ChatEvent)
}

// StrategyFor picks the event-application strategy for a protocol version.
// Unknown versions fall back to the v1 behaviour.
func StrategyFor(protocolVersion int) Strategy {
	return v1Strategy{}
}

// v1Strategy matches the v1 runtime's event ordering: the runtime narrates
// before calling tools, so a tool_call event retroactively reclassifies all
// content accumulated so far as thinking.
type v1Strategy struct{}

func (v1Strategy) Apply(msg *ChatMessage, ev ChatEvent) {
	switch ev.Kind {
	case KindText:
		msg.Content += ev.Text
	case KindThinking:
		msg.Thinking += ev.Text
	case KindToolCall:
		if msg.Content != "" {
			if msg.Thinking != "" {
				msg.Thinking += "\n"
			}
			msg.Thinking += msg.Content
			msg.Content = ""
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{Name: ev.ToolName, Args: ev.ToolArgs})
	case KindImage:
		msg.Images = append(msg.Images, ev.MediaURL)
	case KindError:
		// Tag, never discard what already streamed.
		msg.Error = ev.Error
	}
}
