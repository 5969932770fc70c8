package chat

import (
	"encoding/json"
	"strconv"
	"time"
)

// Message is one chat entry as the UI consumes it. Reactions map an emoji to
// the set of user IDs that reacted with it; ReadBy is the set of user IDs that
// acknowledged the message.
type Message struct {
	ID          string
	CreatedAt   time.Time
	SenderID    string
	SenderName  string
	Content     string
	MessageType string
	Reactions   map[string]map[string]struct{}
	ReadBy      map[string]struct{}
}

// Identifier fields in priority order. Server payloads are inconsistent about
// which one they carry.
var identityFields = [...]string{"_id", "id", "pk", "message_id", "client_id"}

// Normalize converts a raw payload into a Message. Returns false when no
// identity field is present.
func Normalize(raw map[string]any) (Message, bool) {
	id := extractIdentity(raw)
	if id == "" {
		return Message{}, false
	}

	msg := Message{
		ID:          id,
		Content:     stringField(raw, "content"),
		MessageType: stringField(raw, "message_type"),
		Reactions:   make(map[string]map[string]struct{}),
		ReadBy:      make(map[string]struct{}),
	}

	for _, key := range []string{"created_at", "createdAt", "timestamp"} {
		if v, ok := raw[key]; ok {
			msg.CreatedAt = parseTimestamp(v)
			break
		}
	}

	if sender, ok := raw["sender"].(map[string]any); ok {
		msg.SenderID = stringify(sender["id"])
		msg.SenderName = stringField(sender, "username")
	}
	if msg.SenderID == "" {
		msg.SenderID = stringify(raw["sender_id"])
	}
	if msg.SenderID == "" {
		msg.SenderID = stringify(raw["user_id"])
	}
	if msg.SenderName == "" {
		msg.SenderName = stringField(raw, "sender_name")
	}
	if msg.SenderName == "" {
		msg.SenderName = stringField(raw, "username")
	}

	if reactions, ok := raw["reactions"].(map[string]any); ok {
		for emoji, users := range reactions {
			list, ok := users.([]any)
			if !ok {
				continue
			}
			set := make(map[string]struct{}, len(list))
			for _, u := range list {
				if id := stringify(u); id != "" {
					set[id] = struct{}{}
				}
			}
			if len(set) > 0 {
				msg.Reactions[emoji] = set
			}
		}
	}
	if readers, ok := raw["read_by"].([]any); ok {
		for _, r := range readers {
			if id := stringify(r); id != "" {
				msg.ReadBy[id] = struct{}{}
			}
		}
	}
	return msg, true
}

// normalizeAll converts a raw batch, dropping entries without identity.
func normalizeAll(items []map[string]any) []Message {
	out := make([]Message, 0, len(items))
	for _, item := range items {
		if msg, ok := Normalize(item); ok {
			out = append(out, msg)
		}
	}
	return out
}

// normalizeBatch decodes a REST message-list response. The endpoint returns
// either a bare array or an object wrapping it under messages/results.
func normalizeBatch(raw json.RawMessage) []Message {
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err == nil {
		return normalizeAll(items)
	}
	var wrapper struct {
		Messages []map[string]any `json:"messages"`
		Results  []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil
	}
	if wrapper.Messages != nil {
		return normalizeAll(wrapper.Messages)
	}
	return normalizeAll(wrapper.Results)
}

func extractIdentity(raw map[string]any) string {
	for _, field := range identityFields {
		if id := stringify(raw[field]); id != "" {
			return id
		}
	}
	return ""
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

// parseTimestamp accepts RFC3339(Nano) strings and epoch milliseconds.
// Unparseable values sort as the zero time.
func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts
		}
		if millis, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(millis)
		}
	case float64:
		return time.UnixMilli(int64(t))
	case json.Number:
		if millis, err := t.Int64(); err == nil {
			return time.UnixMilli(millis)
		}
	}
	return time.Time{}
}

func cloneMessage(in Message) Message {
	cp := in
	if in.Reactions != nil {
		cp.Reactions = make(map[string]map[string]struct{}, len(in.Reactions))
		for emoji, users := range in.Reactions {
			set := make(map[string]struct{}, len(users))
			for id := range users {
				set[id] = struct{}{}
			}
			cp.Reactions[emoji] = set
		}
	}
	if in.ReadBy != nil {
		cp.ReadBy = make(map[string]struct{}, len(in.ReadBy))
		for id := range in.ReadBy {
			cp.ReadBy[id] = struct{}{}
		}
	}
	return cp
}
