package analyzer

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/loomhq/loom/internal/errs"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"bare array", `["x", "y"]`, `["x", "y"]`},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"fenced no lang", "```\n[1, 2]\n```", `[1, 2]`},
		{"leading chatter", `Here is the result: {"a": 1}`, `{"a": 1}`},
		{"trailing chatter", `{"a": 1} Hope that helps!`, `{"a": 1}`},
		{"no json at all", "sorry, cannot help", "sorry, cannot help"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractJSON(tc.in))
		})
	}
}

func TestOperationValid(t *testing.T) {
	assert.True(t, OpAdd.Valid())
	assert.True(t, OpUpdate.Valid())
	assert.True(t, OpDelete.Valid())
	assert.True(t, OpNoop.Valid())
	assert.False(t, Operation("MERGE").Valid())
	assert.False(t, Operation("").Valid())
}

func TestNewClaudeRequiresKey(t *testing.T) {
	_, err := NewClaude("", "claude-sonnet-4-5", time.Second, zerolog.Nop())
	assert.True(t, errs.IsValidation(err))
}
