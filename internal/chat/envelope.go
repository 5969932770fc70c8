package chat

import "encoding/json"

// flexID decodes identifier fields the server sends as either a JSON string
// or a number.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// envelope covers every inbound frame shape; dispatch is by Type.
type envelope struct {
	Type      string            `json:"type"`
	Data      map[string]any    `json:"data"`
	Message   map[string]any    `json:"message"`
	MessageID flexID            `json:"message_id"`
	Emoji     string            `json:"emoji"`
	UserID    flexID            `json:"user_id"`
	Username  string            `json:"username"`
	IsTyping  bool              `json:"is_typing"`
	Users     []json.RawMessage `json:"users"`
}

// usernames flattens an online_users roster; entries arrive as bare strings
// or as objects carrying username/id.
func (e *envelope) usernames() []string {
	out := make([]string, 0, len(e.Users))
	for _, raw := range e.Users {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Username string `json:"username"`
			ID       flexID `json:"id"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		if obj.Username != "" {
			out = append(out, obj.Username)
		} else if obj.ID != "" {
			out = append(out, string(obj.ID))
		}
	}
	return out
}

type outboundMessage struct {
	Type        string `json:"type"`
	Room        string `json:"room"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	ClientID    string `json:"client_id,omitempty"`
}

type outboundTyping struct {
	Type string `json:"type"`
}

type outboundReaction struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type outboundReadReceipt struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}
