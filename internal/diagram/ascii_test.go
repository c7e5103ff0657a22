package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderASCII_Linear(t *testing.T) {
	m, err := Build(leadWorkflow(), nil)
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.True(t, strings.HasPrefix(out, "=== Lead Intake ===\n"))
	assert.Contains(t, out, "┌")
	assert.Contains(t, out, "┘")
	assert.Contains(t, out, "▼")
	assert.Contains(t, out, "New lead")
	assert.Contains(t, out, "crm.create_contact")
	assert.Contains(t, out, "review ─[approved]→ mail")
}

func TestRenderASCII_WithStatus(t *testing.T) {
	m := &Model{
		Title: "Test",
		Nodes: []*Node{
			{ID: "a", Label: "a", Type: "x.a", Status: &StatusOverlay{Status: "succeeded", DurationMs: 100}},
			{ID: "b", Label: "b", Type: "x.b", Status: &StatusOverlay{Status: "failed", Attempts: 3}},
			{ID: "c", Label: "c", Type: "x.c", Status: &StatusOverlay{Status: "waiting"}},
			{ID: "d", Label: "d", Type: "x.d", Status: &StatusOverlay{Status: "stopped"}},
		},
		Levels: [][]string{{"a"}, {"b", "c", "d"}},
	}

	out := RenderASCII(m)
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "100ms")
	assert.Contains(t, out, "[FAIL]")
	assert.Contains(t, out, "x3")
	assert.Contains(t, out, "[WAIT]")
	assert.Contains(t, out, "[STOP]")
	assert.NotContains(t, out, "--- branches ---")
}

func TestRenderASCII_LoopNote(t *testing.T) {
	m, err := Build(loopWorkflow(), nil)
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.Contains(t, out, "--- branches ---")
	assert.Contains(t, out, "pause ↺ each (continue)")
	assert.Contains(t, out, "each ─[done]→ report")
}

func TestMakeBox_EqualWidthLines(t *testing.T) {
	box := makeBox(&Node{ID: "n", Label: "a longer label\n(type)", Type: "t"})
	require.Len(t, box.lines, 4)
	for _, line := range box.lines {
		assert.Equal(t, box.width, len([]rune(line)))
	}
}
