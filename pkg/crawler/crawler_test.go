package crawler

import (
	"context"
	"log/slog"
	"testing"

	"github.com/dukex/evalflow/pkg/tasks/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulated(t *testing.T) {
	ctx := context.Background()
	crawler := NewSimulated(2, slog.Default())

	_, err := crawler.State(ctx, "eval-crawler")
	require.ErrorIs(t, err, ErrUnknownCrawler)

	require.NoError(t, crawler.Start(ctx, "eval-crawler"))
	require.ErrorIs(t, crawler.Start(ctx, "eval-crawler"), ErrAlreadyRunning)

	var states []string

	for range 4 {
		state, err := crawler.State(ctx, "eval-crawler")
		require.NoError(t, err)

		states = append(states, state)
	}

	assert.Equal(t, []string{StateRunning, StateRunning, StateReady, StateReady}, states)

	require.NoError(t, crawler.Start(ctx, "eval-crawler"))
	assert.Equal(t, 2, crawler.Runs("eval-crawler"))
	assert.Zero(t, crawler.Runs("other"))
}

func TestHandlers(t *testing.T) {
	ctx := context.Background()
	invoker := local.NewInvoker(slog.Default())
	Register(invoker, NewSimulated(1, slog.Default()), "StartCrawler", "GetCrawler")

	out, err := invoker.Invoke(ctx, "StartCrawler", map[string]any{"Name": "eval-crawler"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)

	out, err = invoker.Invoke(ctx, "GetCrawler", map[string]any{"Name": "eval-crawler"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Crawler": map[string]any{"Name": "eval-crawler", "State": StateRunning}}, out)

	out, err = invoker.Invoke(ctx, "GetCrawler", map[string]any{"Name": "eval-crawler"})
	require.NoError(t, err)
	assert.Equal(t, StateReady, out.(map[string]any)["Crawler"].(map[string]any)["State"])

	_, err = invoker.Invoke(ctx, "GetCrawler", map[string]any{})
	require.ErrorIs(t, err, ErrMissingName)
}
