package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_Lookup(t *testing.T) {
	table := New(nil)

	tests := []struct {
		model string
		want  float64
		ok    bool
	}{
		{"gpt-4o", 2.50, true},
		{"gpt-4o-mini-2024-07-18", 0.15, true},
		{"gpt-4o-2024-08-06", 2.50, true},
		{"claude-sonnet-4-20250514", 3.00, true},
		{"openai/gpt-4.1-mini", 0.40, true},
		{"us.anthropic.claude-3-haiku-20240307-v1:0", 3.00, true},
		{"GEMINI-2.0-FLASH", 0.10, true},
		{"unknown-model", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, ok := table.InputPrice(tt.model)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestTable_UpdatePurgesMemo(t *testing.T) {
	table := New(nil)
	_, ok := table.InputPrice("my-local-model")
	require.False(t, ok)

	table.Update(map[string]Price{"my-local-model": {Input: 0.01, Output: 0.02}})
	price, ok := table.InputPrice("my-local-model")
	require.True(t, ok)
	assert.InDelta(t, 0.01, price, 1e-9)
}

func TestTable_OverrideWins(t *testing.T) {
	table := New(map[string]Price{"gpt-4o": {Input: 1, Output: 2}})
	p, ok := table.Lookup("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, Price{Input: 1, Output: 2}, p)
}

func TestTable_Cost(t *testing.T) {
	table := New(map[string]Price{"m": {Input: 2, Output: 10}})
	assert.InDelta(t, 0.012, table.Cost("m", 1000, 1000), 1e-9)
	assert.Zero(t, table.Cost("nope", 1000, 1000))
}
