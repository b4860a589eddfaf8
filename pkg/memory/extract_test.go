package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractHobbies(t *testing.T) {
	ex := NewExtractor().Extract("I love hiking and chess")
	assert.Equal(t, []string{"hiking", "chess"}, ex.Patch.Hobbies)
	require.Len(t, ex.Facts, 2)
	assert.Equal(t, "user enjoys hiking", ex.Facts[0].String())
}

func TestExtractProfileFields(t *testing.T) {
	ex := NewExtractor().Extract("Hi, my name is Robin. My timezone is America/Chicago and my favorite book is Dune. Please be concise.")

	require.NotNil(t, ex.Patch.Name)
	assert.Equal(t, "Robin", *ex.Patch.Name)
	require.NotNil(t, ex.Patch.Timezone)
	assert.Equal(t, "America/Chicago", *ex.Patch.Timezone)
	assert.Equal(t, "Dune", ex.Patch.Favorites["book"])
	assert.Equal(t, "concise", ex.Patch.Preferences["style"])
	assert.Equal(t, PatchVersion, ex.Patch.Version)
}

func TestExtractNotes(t *testing.T) {
	ex := NewExtractor().Extract("Remember that my sister visits on Friday.")
	require.Len(t, ex.Notes, 1)
	assert.Equal(t, "my sister visits on Friday", ex.Notes[0])
}

func TestExtractIgnoresNonHobbies(t *testing.T) {
	cases := []string{
		"What do I like?",
		"I like it when you answer quickly",
		"I like that idea",
		"",
	}
	for _, c := range cases {
		ex := NewExtractor().Extract(c)
		assert.Empty(t, ex.Patch.Hobbies, c)
	}
}

func TestExtractSkipsSensitiveText(t *testing.T) {
	ex := NewExtractor().Extract("my name is Bob and my password is hunter2")
	assert.True(t, ex.IsEmpty())
}
