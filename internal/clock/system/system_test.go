package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
)

var _ jobs.Clock = (*Clock)(nil)

func TestClockReportsWallTimeInUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	require.NotNil(t, clk)

	lower := time.Now().Add(-time.Second)
	now := clk.Now()
	upper := time.Now().Add(time.Second)

	assert.Equal(t, time.UTC, now.Location())
	assert.WithinRange(t, now, lower, upper)
	assert.False(t, clk.Now().Before(now), "wall clock went backwards")
}

func TestClockSinceMeasuresFromGivenTime(t *testing.T) {
	t.Parallel()

	clk := New()
	assert.GreaterOrEqual(t, clk.Since(clk.Now().Add(-time.Minute)), time.Minute)
	assert.Less(t, clk.Since(clk.Now().Add(time.Hour)), time.Duration(0))
}
