package prompt

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/attune/pkg/memory"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"fits", "hello world", 20, "hello world"},
		{"word boundary", "the quick brown fox jumps", 15, "the quick..."},
		{"cut lands on space", "the quick brown fox", 12, "the quick..."},
		{"single long word", "supercalifragilistic", 10, "superca..."},
		{"long url", "https://example.com/a/very/long/path", 16, "https://examp..."},
		{"cjk without spaces", "今天天气很好我们去公园散步吧", 8, "今天天气很..."},
		{"budget below marker", "hello world", 2, ""},
		{"zero budget", "hello", 0, ""},
		{"trailing comma dropped", "apples, pears, plums", 17, "apples, pears..."},
		{"multibyte", "café crème brûlée tarte", 14, "café crème..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, utf8.RuneCountInString(got), tt.n)
		})
	}
}

func TestComposeKeepsUnspacedMessage(t *testing.T) {
	b := DefaultBudgets()
	msg := strings.Repeat("我喜欢下棋", b.Message)
	out := New("", b).Compose(Input{Message: msg})

	_, body, ok := strings.Cut(out, "## Message\n")
	require.True(t, ok)
	assert.Equal(t, b.Message, utf8.RuneCountInString(body))
	assert.True(t, strings.HasPrefix(body, "我喜欢下棋"))
	assert.True(t, strings.HasSuffix(body, Ellipsis))
}

func TestComposeOmitsEmptySections(t *testing.T) {
	c := New("", DefaultBudgets())
	out := c.Compose(Input{Message: "What do I like?"})

	assert.True(t, strings.HasPrefix(out, DefaultPreamble))
	assert.Contains(t, out, "## Message\nWhat do I like?")
	for _, h := range []string{"## Tone", "## About the user", "## Known facts", "## Related memories", "## Recent conversation", "## Notes from the user"} {
		assert.NotContains(t, out, h)
	}
}

func TestComposeIncludesContext(t *testing.T) {
	c := New("sys", DefaultBudgets())
	out := c.Compose(Input{
		Message: "What do I like?",
		State:   "The user sounds curious.",
		Profile: memory.UserProfile{Name: "Ada", Hobbies: []string{"hiking", "chess"}, Favorites: map[string]string{"color": "teal"}},
		Facts:   []memory.GraphFact{{Subject: "user", Predicate: "enjoys", Object: "hiking"}},
		History: []memory.Turn{{Role: "user", Text: "I love hiking and chess"}, {Role: "assistant", Text: "Nice!"}},
	})
	assert.Contains(t, out, "Hobbies: hiking, chess")
	assert.Contains(t, out, "Favorite color: teal")
	assert.Contains(t, out, "- user enjoys hiking")
	assert.Contains(t, out, "user: I love hiking and chess\nassistant: Nice!")
	assert.Less(t, strings.Index(out, "## Tone"), strings.Index(out, "## Message"))
}

func TestHistoryDropsEarliestFirst(t *testing.T) {
	turns := []memory.Turn{
		{Role: "user", Text: "first message here"},
		{Role: "assistant", Text: "second"},
		{Role: "user", Text: "third"},
	}
	got := historyText(turns, 10, 40)
	assert.Equal(t, "assistant: second\nuser: third", got)

	got = historyText(turns, 1, 100)
	assert.Equal(t, "user: third", got)

	long := []memory.Turn{{Role: "user", Text: strings.Repeat("word ", 40)}}
	got = historyText(long, 5, 30)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 30)
	assert.True(t, strings.HasSuffix(got, Ellipsis))
}

func randText(r *rand.Rand, maxWords int) string {
	words := []string{"hiking", "chess", "a", "supercalifragilisticexpialidocious", "naïve", "🙂", "tea,", "x", "\n", "long-winded"}
	n := r.Intn(maxWords + 1)
	parts := make([]string, n)
	for i := range parts {
		parts[i] = words[r.Intn(len(words))]
	}
	return strings.Join(parts, " ")
}

func TestComposeNeverExceedsMaxLength(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 300; i++ {
		b := Budgets{
			State:           r.Intn(50),
			Profile:         r.Intn(200),
			Facts:           r.Intn(200),
			UserFacts:       r.Intn(100),
			Semantic:        r.Intn(200),
			History:         r.Intn(300),
			HistoryMessages: r.Intn(6),
			Message:         r.Intn(300),
		}
		c := New("preamble", b)

		in := Input{Message: randText(r, 200), State: randText(r, 30)}
		in.Profile = memory.UserProfile{Name: randText(r, 3), Hobbies: strings.Fields(randText(r, 30))}
		for j := r.Intn(20); j > 0; j-- {
			in.History = append(in.History, memory.Turn{Role: "user", Text: randText(r, 40)})
			in.Facts = append(in.Facts, memory.GraphFact{Subject: "user", Predicate: "enjoys", Object: randText(r, 5)})
			in.Semantic = append(in.Semantic, memory.SemanticRecord{Snippet: randText(r, 30)})
			in.UserFacts = append(in.UserFacts, randText(r, 10))
		}

		out := c.Compose(in)
		if got := utf8.RuneCountInString(out); got > c.MaxLength() {
			t.Fatalf("iteration %d: length %d exceeds bound %d", i, got, c.MaxLength())
		}
	}
}
