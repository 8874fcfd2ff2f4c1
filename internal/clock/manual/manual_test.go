package manual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockAdvanceAndSet(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	clk := New(start)
	require.True(t, clk.Now().Equal(start))
	require.Equal(t, time.UTC, clk.Now().Location())

	clk.Advance(90 * time.Second)
	require.Equal(t, start.Add(90*time.Second).UTC(), clk.Now())

	later := start.Add(24 * time.Hour)
	clk.Set(later)
	require.Equal(t, later.UTC(), clk.Now())
}
