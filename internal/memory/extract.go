package memory

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"botline/internal/domain"
)

// maxListItems bounds each remembered list; the oldest entries are dropped.
const maxListItems = 20

// Extractor derives the next document from the current one and the
// conversation that just completed.
type Extractor interface {
	Extract(ctx context.Context, current Document, conversation []domain.Message, memoryBotID string) (Document, error)
}

var (
	nameRe   = regexp.MustCompile(`(?i)\b(?:my name is|my name's|i am called|i'm called|call me)\s+([\p{L}][\p{L}'-]*)`)
	faithRe  = regexp.MustCompile(`(?i)\bi(?:'m| am)\s+(?:a\s+|an\s+)?(christian|muslim|jewish|hindu|buddhist|sikh|catholic|protestant|orthodox|atheist|agnostic)\b`)
	likesRe  = regexp.MustCompile(`(?i)\bi\s+(?:really\s+)?(?:like|love|enjoy|adore)\s+([^.,!?;\n]+)`)
	topicsRe = regexp.MustCompile(`(?i)\b(?:interested in|talk about|learning about|curious about|tell me about)\s+([^.,!?;\n]+)`)
	factsRe  = regexp.MustCompile(`(?i)\b(i\s+(?:work|live|study|have|was born|grew up)\b[^.!?\n]*)`)
	andRe    = regexp.MustCompile(`(?i)\s*(?:,|\band\b|&)\s*`)
)

// HeuristicExtractor mines the latest user message with regular
// expressions and merges the result into the current document.
type HeuristicExtractor struct {
	Now func() time.Time
}

func (h HeuristicExtractor) Extract(_ context.Context, current Document, conversation []domain.Message, _ string) (Document, error) {
	patch := Mine(domain.LastUser(conversation))
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	return Merge(current, patch, now()), nil
}

// Mine extracts facts from a single user message.
func Mine(text string) *Facts {
	f := &Facts{}
	text = strings.TrimSpace(text)
	if text == "" {
		return f
	}
	if m := nameRe.FindStringSubmatch(text); m != nil {
		f.Name = capitalize(m[1])
	}
	if m := faithRe.FindStringSubmatch(text); m != nil {
		f.Faith = strings.ToLower(m[1])
	}
	for _, m := range likesRe.FindAllStringSubmatch(text, -1) {
		f.Likes = union(f.Likes, splitList(m[1]))
	}
	for _, m := range topicsRe.FindAllStringSubmatch(text, -1) {
		f.Topics = union(f.Topics, splitList(m[1]))
	}
	for _, m := range factsRe.FindAllStringSubmatch(text, -1) {
		if s := strings.TrimSpace(m[1]); s != "" {
			f.Facts = union(f.Facts, []string{s})
		}
	}
	return f
}

// Merge applies patch to current: lists are unioned and scalars are
// overwritten when the patch sets them.
func Merge(current Document, patch *Facts, now time.Time) Document {
	if patch == nil {
		patch = &Facts{}
	}
	switch cur := current.(type) {
	case *Summary:
		out := *cur
		out.Topics = capList(union(union(nil, cur.Topics), append(append([]string{}, patch.Topics...), patch.Likes...)))
		if !patch.Empty() {
			out.LastInteraction = now.UTC().Format(time.RFC3339)
		}
		return &out
	case *Facts:
		if cur == nil {
			return mergeFacts(&Facts{}, patch)
		}
		return mergeFacts(cur, patch)
	default:
		return mergeFacts(&Facts{}, patch)
	}
}

func mergeFacts(cur, patch *Facts) *Facts {
	out := &Facts{
		Name:   cur.Name,
		Faith:  cur.Faith,
		Likes:  capList(union(union(nil, cur.Likes), patch.Likes)),
		Topics: capList(union(union(nil, cur.Topics), patch.Topics)),
		Facts:  capList(union(union(nil, cur.Facts), patch.Facts)),
	}
	if patch.Name != "" {
		out.Name = patch.Name
	}
	if patch.Faith != "" {
		out.Faith = patch.Faith
	}
	return out
}

// union appends the items of b missing from a, comparing case-insensitively.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			k := strings.ToLower(s)
			if s == "" {
				continue
			}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func capList(in []string) []string {
	if len(in) > maxListItems {
		return in[len(in)-maxListItems:]
	}
	return in
}

func splitList(s string) []string {
	parts := andRe.Split(strings.TrimSpace(s), -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), "to "))
		if p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
