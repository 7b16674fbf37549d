package memory

import (
	"encoding/json"
	"fmt"
	"strings"

	"botline/internal/domain"
)

const (
	KindFacts   = "facts"
	KindSummary = "summary"
)

// Document is what a bot remembers about one identity. It is either *Facts
// or *Summary.
type Document interface {
	Kind() string
	Empty() bool
	sealed()
}

type Facts struct {
	Name   string   `json:"name,omitempty"`
	Faith  string   `json:"faith,omitempty"`
	Likes  []string `json:"likes,omitempty"`
	Topics []string `json:"topics,omitempty"`
	Facts  []string `json:"facts,omitempty"`
}

func (*Facts) Kind() string { return KindFacts }
func (*Facts) sealed()      {}

func (f *Facts) Empty() bool {
	return f == nil || (f.Name == "" && f.Faith == "" && len(f.Likes) == 0 && len(f.Topics) == 0 && len(f.Facts) == 0)
}

type Summary struct {
	Summary         string   `json:"summary"`
	Topics          []string `json:"topics,omitempty"`
	Preferences     string   `json:"preferences,omitempty"`
	LastInteraction string   `json:"lastInteraction,omitempty"`
}

func (*Summary) Kind() string { return KindSummary }
func (*Summary) sealed()      {}

func (s *Summary) Empty() bool {
	return s == nil || (strings.TrimSpace(s.Summary) == "" && len(s.Topics) == 0 && s.Preferences == "")
}

// Decode normalizes a stored or model-produced JSON object into a Document.
// The shape wins over the stored kind: an object with a summary field is a
// Summary even if it was written as facts.
func Decode(kind, raw string) (Document, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return &Facts{}, nil
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("decode memory document: %w", err)
	}
	if _, ok := keys["summary"]; ok || (kind == KindSummary && len(keys) == 0) {
		return decodeSummary(keys)
	}
	return decodeFacts(keys), nil
}

// Encode returns the kind and JSON form of a document for storage.
func Encode(doc Document) (string, string, error) {
	if doc == nil {
		doc = &Facts{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", "", fmt.Errorf("encode memory document: %w", err)
	}
	return doc.Kind(), string(b), nil
}

// Preamble renders the system message that carries a document into a
// provider request.
func Preamble(doc Document) (domain.Message, error) {
	_, raw, err := Encode(doc)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		Role:    domain.RoleSystem,
		Content: "Previous context about the user: " + raw + "\n\nCurrent conversation:",
	}, nil
}

func decodeSummary(keys map[string]json.RawMessage) (Document, error) {
	s := &Summary{
		Summary:         stringField(keys["summary"]),
		Topics:          listField(keys["topics"]),
		Preferences:     stringField(keys["preferences"]),
		LastInteraction: stringField(keys["lastInteraction"]),
	}
	if s.LastInteraction == "" {
		s.LastInteraction = stringField(keys["last_interaction"])
	}
	return s, nil
}

func decodeFacts(keys map[string]json.RawMessage) *Facts {
	return &Facts{
		Name:   stringField(keys["name"]),
		Faith:  stringField(keys["faith"]),
		Likes:  listField(keys["likes"]),
		Topics: listField(keys["topics"]),
		Facts:  listField(keys["facts"]),
	}
}

// stringField accepts a JSON string or, for preferences written as an
// object, its compact JSON text.
func stringField(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

// listField accepts a JSON array of strings or a single string.
func listField(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		if s := stringField(raw); s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			b, _ := json.Marshal(v)
			s = string(b)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return union(nil, out)
}
