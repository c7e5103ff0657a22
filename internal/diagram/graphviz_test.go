package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

func TestRenderImage_PNG(t *testing.T) {
	m, err := Build(loopWorkflow(), nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), m, FormatPNG)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderImage_SVGWithStatus(t *testing.T) {
	records := []*store.NodeExecution{
		{NodeID: "start", Status: schema.NodeStatusSucceeded},
		{NodeID: "crm", Status: schema.NodeStatusFailed},
	}
	m, err := Build(leadWorkflow(), records)
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), m, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "#8b1a1a")
}

func TestRenderImage_UnknownFormat(t *testing.T) {
	_, err := RenderImage(context.Background(), &Model{}, "gif")
	assert.Error(t, err)
}

func TestRender_Formats(t *testing.T) {
	m, err := Build(leadWorkflow(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	body, ct, err := Render(ctx, m, "")
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", ct)
	assert.Contains(t, string(body), "graph TD")

	body, _, err = Render(ctx, m, "ASCII")
	require.NoError(t, err)
	assert.Contains(t, string(body), "┌")

	_, ct, err = Render(ctx, m, "svg")
	require.NoError(t, err)
	assert.Equal(t, "image/svg+xml", ct)

	_, _, err = Render(ctx, m, "pdf")
	assert.Error(t, err)
}
