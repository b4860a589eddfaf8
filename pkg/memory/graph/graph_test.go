package graph

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/attune/pkg/memory"
)

func TestEntityKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Chess", "chess"},
		{"  rock climbing ", "rock_climbing"},
		{"C++ & Go!", "c_go"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, entityKey(tt.in), tt.in)
	}
}

func TestFactParamsDropsBlank(t *testing.T) {
	params := factParams([]memory.GraphFact{
		{Subject: "user", Predicate: "enjoys", Object: " Hiking "},
		{Subject: "user", Predicate: "enjoys", Object: "..."},
		{Subject: "user", Predicate: "", Object: "chess"},
	})
	require.Len(t, params, 1)
	assert.Equal(t, "hiking", params[0]["key"])
	assert.Equal(t, "Hiking", params[0]["object"])
}

func TestStoreAgainstNeo4j(t *testing.T) {
	uri := os.Getenv("ATTUNE_TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("ATTUNE_TEST_NEO4J_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s, err := New(ctx, uri, os.Getenv("ATTUNE_TEST_NEO4J_USER"), os.Getenv("ATTUNE_TEST_NEO4J_PASSWORD"), 10)
	require.NoError(t, err)
	defer s.Close(ctx)

	user := "test-" + time.Now().Format("150405.000000")
	require.NoError(t, s.AddFacts(ctx, user, []memory.GraphFact{
		{Subject: "user", Predicate: "enjoys", Object: "hiking"},
		{Subject: "user", Predicate: "enjoys", Object: "chess"},
	}))
	require.NoError(t, s.AddFacts(ctx, user, []memory.GraphFact{{Subject: "user", Predicate: "enjoys", Object: "Chess"}}))

	facts, err := s.GetFacts(ctx, user)
	require.NoError(t, err)
	assert.Len(t, facts, 2)
}
