package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain object", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n[1,2]\n```", `[1,2]`},
		{"prose around object", "Here you go:\n{\"transactions\":[]}\nThanks!", `{"transactions":[]}`},
		{"nested arrays inside object", `x {"t":[1,[2]]} y`, `{"t":[1,[2]]}`},
		{"no json at all", "sorry, I cannot", "sorry, I cannot"},
		{"single line fence is left alone", "```{}```", "```{}```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanJSON(tt.in))
		})
	}
}
