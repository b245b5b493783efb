package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pieqf/seisfetch/internal/seisfetch/metrics"
)

func TestAdmit(t *testing.T) {
	config := DefaultConfig()
	tests := map[string]struct {
		active   int
		batch    int
		expected metrics.DispatchDecision
	}{
		"idle":                        {active: 0, batch: 1, expected: metrics.DispatchAccepted},
		"below half capacity":         {active: 4, batch: 1, expected: metrics.DispatchAccepted},
		"half capacity, small batch":  {active: 5, batch: 1, expected: metrics.DispatchDeferred},
		"half capacity, enough":       {active: 5, batch: 2, expected: metrics.DispatchAccepted},
		"seven running, five events":  {active: 7, batch: 5, expected: metrics.DispatchDeferred},
		"seven running, six events":   {active: 7, batch: 6, expected: metrics.DispatchAccepted},
		"seven running, many events":  {active: 7, batch: 60, expected: metrics.DispatchAccepted},
		"nine running, nine events":   {active: 9, batch: 9, expected: metrics.DispatchDeferred},
		"nine running, ten events":    {active: 9, batch: 10, expected: metrics.DispatchAccepted},
		"at capacity":                 {active: 10, batch: 100, expected: metrics.DispatchRefused},
		"above capacity":              {active: 11, batch: 100, expected: metrics.DispatchRefused},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, admit(config, tc.active, tc.batch))
		})
	}
}

func TestMinBatchSize_GrowsWithLoad(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 1, minBatchSize(config, 0))
	assert.Equal(t, 1, minBatchSize(config, 4))
	assert.Equal(t, 2, minBatchSize(config, 5))
	for active := 6; active < config.MaxWorkers; active++ {
		assert.Greater(t, minBatchSize(config, active), minBatchSize(config, active-1))
	}
	assert.Equal(t, 6, minBatchSize(config, 7))
}

func TestNameAllocator(t *testing.T) {
	names := newNameAllocator(3)
	for _, expected := range []int{1, 2, 3} {
		index, ok := names.allocate()
		require.True(t, ok)
		assert.Equal(t, expected, index)
	}
	_, ok := names.allocate()
	assert.False(t, ok)

	names.free(2)
	index, ok := names.allocate()
	require.True(t, ok)
	assert.Equal(t, 2, index)

	names.free(0)
	names.free(4)
	_, ok = names.allocate()
	assert.False(t, ok)
	assert.Equal(t, "STP[2]", workerName(2))
}

func TestAssignmentTable(t *testing.T) {
	table, err := newAssignmentTable()
	require.NoError(t, err)

	require.NoError(t, table.assign("STP[1]", []string{"E2", "E1"}))
	assert.True(t, table.isAssigned("E1"))
	assert.False(t, table.isAssigned("E3"))

	err = table.assign("STP[2]", []string{"E3", "E1"})
	assert.Error(t, err)
	assert.False(t, table.isAssigned("E3"), "a failed assignment must not record anything")

	require.NoError(t, table.assign("STP[2]", []string{"E3"}))
	ids, err := table.assignedTo("STP[1]")
	require.NoError(t, err)
	assert.Equal(t, []string{"E1", "E2"}, ids)

	all, err := table.eventIds()
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"E1": {}, "E2": {}, "E3": {}}, all)

	n, err := table.release("STP[1]")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, table.isAssigned("E1"))
	assert.True(t, table.isAssigned("E3"))
}
