package matrix

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestSplitMessageShort(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitMessage("hello", 10))
	assert.Nil(t, splitMessage("", 10))
}

func TestSplitMessagePrefersWhitespace(t *testing.T) {
	s := strings.Repeat("word ", 10) // 50 bytes
	chunks := splitMessage(s, 20)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 20)
		assert.False(t, strings.HasSuffix(c, " "))
		assert.False(t, strings.HasPrefix(c, " "))
	}
	assert.Equal(t, strings.Fields(s), strings.Fields(strings.Join(chunks, " ")))
}

func TestSplitMessageKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("é", 30) // 60 bytes, no whitespace
	chunks := splitMessage(s, 7)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c), "chunk %q", c)
		assert.LessOrEqual(t, len(c), 7)
	}
	assert.Equal(t, s, strings.Join(chunks, ""))
}

func TestIsAllowed(t *testing.T) {
	open := New(Config{DataDir: t.TempDir()})
	assert.True(t, open.isAllowed(id.UserID("@anyone:example.org")))

	closed := New(Config{DataDir: t.TempDir(), AllowedUsers: []string{" @ana:example.org ", ""}})
	assert.True(t, closed.isAllowed(id.UserID("@ana:example.org")))
	assert.False(t, closed.isAllowed(id.UserID("@bo:example.org")))
}

func TestConfigEnabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{Homeserver: "https://m.example.org", UserID: "attune", ServerName: "example.org"}.Enabled())
}
