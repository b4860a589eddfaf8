// Package prompt assembles the generation input for one turn. Composition is
// pure: the same Input and Budgets always produce the same string, and the
// result never exceeds MaxLength.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nous-labs/attune/pkg/memory"
)

// Ellipsis marks truncated text.
const Ellipsis = "..."

// DefaultPreamble opens every prompt.
const DefaultPreamble = "You are a warm, attentive personal assistant. Use what you know about the user naturally; never invent facts about them."

// Budgets are per-section limits in runes. HistoryMessages caps how many of
// the most recent turns are considered before the character budget applies.
type Budgets struct {
	State           int `json:"state"`
	Profile         int `json:"profile"`
	Facts           int `json:"facts"`
	UserFacts       int `json:"user_facts"`
	Semantic        int `json:"semantic"`
	History         int `json:"history"`
	HistoryMessages int `json:"history_messages"`
	Message         int `json:"message"`
}

// DefaultBudgets returns the standard section limits.
func DefaultBudgets() Budgets {
	return Budgets{
		State:           160,
		Profile:         600,
		Facts:           800,
		UserFacts:       600,
		Semantic:        1200,
		History:         2400,
		HistoryMessages: 8,
		Message:         2000,
	}
}

// Input is everything a prompt can draw from.
type Input struct {
	Message   string
	State     string // tone/emotion guidance for this turn
	History   []memory.Turn
	Semantic  []memory.SemanticRecord
	Facts     []memory.GraphFact
	Profile   memory.UserProfile
	UserFacts []string
}

// Composer holds the preamble and budgets.
type Composer struct {
	preamble string
	budgets  Budgets
}

// New creates a composer. An empty preamble uses DefaultPreamble.
func New(preamble string, b Budgets) *Composer {
	if strings.TrimSpace(preamble) == "" {
		preamble = DefaultPreamble
	}
	return &Composer{preamble: preamble, budgets: b}
}

// Budgets returns the configured limits.
func (c *Composer) Budgets() Budgets { return c.budgets }

type section struct {
	header string
	budget int
	body   func(in Input, budget int) string
}

const (
	sectionSep = "\n\n"
	headerSep  = "\n"
)

// sections are emitted in this order.
func (c *Composer) sections() []section {
	b := c.budgets
	return []section{
		{"## Tone", b.State, func(in Input, n int) string { return Truncate(strings.TrimSpace(in.State), n) }},
		{"## About the user", b.Profile, func(in Input, n int) string { return Truncate(profileText(in.Profile), n) }},
		{"## Known facts", b.Facts, func(in Input, n int) string { return Truncate(factsText(in.Facts), n) }},
		{"## Notes from the user", b.UserFacts, func(in Input, n int) string { return Truncate(bullets(in.UserFacts), n) }},
		{"## Related memories", b.Semantic, func(in Input, n int) string { return Truncate(semanticText(in.Semantic), n) }},
		{"## Recent conversation", b.History, func(in Input, n int) string { return historyText(in.History, b.HistoryMessages, n) }},
		{"## Message", b.Message, func(in Input, n int) string { return Truncate(strings.TrimSpace(in.Message), n) }},
	}
}

// Compose builds the prompt. Sections whose body is empty are left out.
func (c *Composer) Compose(in Input) string {
	var sb strings.Builder
	sb.WriteString(c.preamble)
	for _, s := range c.sections() {
		body := s.body(in, s.budget)
		if body == "" {
			continue
		}
		sb.WriteString(sectionSep)
		sb.WriteString(s.header)
		sb.WriteString(headerSep)
		sb.WriteString(body)
	}
	return sb.String()
}

// Overhead is the fixed template length: preamble plus every header and
// separator.
func (c *Composer) Overhead() int {
	n := utf8.RuneCountInString(c.preamble)
	for _, s := range c.sections() {
		n += utf8.RuneCountInString(sectionSep) + utf8.RuneCountInString(s.header) + utf8.RuneCountInString(headerSep)
	}
	return n
}

// MaxLength is the worst-case Compose output length in runes.
func (c *Composer) MaxLength() int {
	n := c.Overhead()
	for _, s := range c.sections() {
		if s.budget > 0 {
			n += s.budget
		}
	}
	return n
}

// Truncate shortens s to at most n runes, cutting at a word boundary and
// appending Ellipsis. Text with no break before the cut, such as CJK prose
// or a long URL, is cut at a rune boundary instead.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	ell := utf8.RuneCountInString(Ellipsis)
	if n < ell {
		return ""
	}
	runes := []rune(s)
	limit := n - ell
	cut := -1
	if limit < len(runes) && unicode.IsSpace(runes[limit]) {
		cut = limit
	} else {
		for i := limit - 1; i >= 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
	}
	if cut <= 0 {
		hard := strings.TrimRightFunc(string(runes[:limit]), unicode.IsSpace)
		if hard == "" {
			return Ellipsis
		}
		return hard + Ellipsis
	}
	prefix := strings.TrimRightFunc(string(runes[:cut]), func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';' || r == ':'
	})
	if prefix == "" {
		return Ellipsis
	}
	return prefix + Ellipsis
}

// historyText keeps the last k turns, then drops the earliest until the
// block fits. If the newest turn alone is too long it is truncated.
func historyText(turns []memory.Turn, k, budget int) string {
	if budget <= 0 || len(turns) == 0 {
		return ""
	}
	if k > 0 && len(turns) > k {
		turns = turns[len(turns)-k:]
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		role := t.Role
		if role == "" {
			role = "user"
		}
		lines = append(lines, role+": "+text)
	}
	for len(lines) > 1 && utf8.RuneCountInString(strings.Join(lines, "\n")) > budget {
		lines = lines[1:]
	}
	if len(lines) == 0 {
		return ""
	}
	return Truncate(strings.Join(lines, "\n"), budget)
}

func profileText(p memory.UserProfile) string {
	var lines []string
	if p.Name != "" {
		lines = append(lines, "Name: "+p.Name)
	}
	if p.Timezone != "" {
		lines = append(lines, "Timezone: "+p.Timezone)
	}
	if p.Birthday != "" {
		lines = append(lines, "Birthday: "+p.Birthday)
	}
	if len(p.Hobbies) > 0 {
		lines = append(lines, "Hobbies: "+strings.Join(p.Hobbies, ", "))
	}
	for _, k := range sortedKeys(p.Favorites) {
		lines = append(lines, fmt.Sprintf("Favorite %s: %s", k, p.Favorites[k]))
	}
	for _, k := range sortedKeys(p.Preferences) {
		lines = append(lines, fmt.Sprintf("Prefers %s: %s", k, p.Preferences[k]))
	}
	return strings.Join(lines, "\n")
}

func factsText(facts []memory.GraphFact) string {
	lines := make([]string, 0, len(facts))
	for _, f := range facts {
		lines = append(lines, f.String())
	}
	return bullets(lines)
}

func semanticText(recs []memory.SemanticRecord) string {
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, r.Snippet)
	}
	return bullets(lines)
}

func bullets(items []string) string {
	var sb strings.Builder
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("- ")
		sb.WriteString(it)
	}
	return sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
