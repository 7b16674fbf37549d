// Package domain holds the value types shared by the chat pipeline.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

type Message struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Avatar    string     `json:"avatar,omitempty"`
}

func NewMessage(role Role, content string, now time.Time) Message {
	ts := now.UTC()
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: &ts,
	}
}

// CloneMessages returns a copy that shares no backing array with in.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	copy(out, in)
	return out
}

func LastUser(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func FirstUser(msgs []Message) string {
	for _, m := range msgs {
		if m.Role == RoleUser {
			return m.Content
		}
	}
	return ""
}

// Identity identifies who is talking to a bot. Authenticated users carry a
// UserID; anonymous visitors carry a client-generated SessionToken; embeds
// carry a ClientID together with the ShareKey they were loaded through.
type Identity struct {
	UserID       string `json:"user_id,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ShareKey     string `json:"share_key,omitempty"`
}

func (i Identity) Anonymous() bool {
	return strings.TrimSpace(i.UserID) == ""
}

func (i Identity) Embedded() bool {
	return strings.TrimSpace(i.ClientID) != ""
}

func (i Identity) Validate() error {
	if strings.TrimSpace(i.UserID) == "" && strings.TrimSpace(i.SessionToken) == "" && strings.TrimSpace(i.ClientID) == "" {
		return ErrMissingIdentity
	}
	return nil
}

// Key is a stable string for maps and cache keys.
func (i Identity) Key() string {
	switch {
	case i.UserID != "":
		return "user:" + i.UserID
	case i.ClientID != "":
		return "client:" + i.ClientID + ":" + i.ShareKey
	default:
		return "session:" + i.SessionToken
	}
}
