package types

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sokovan-io/sokovan/pkg/resources"
)

func TestJoinKernelStatuses(t *testing.T) {
	tests := []struct {
		name     string
		statuses []KernelStatus
		expected SessionStatus
	}{
		{
			name:     "empty defaults to pending",
			statuses: nil,
			expected: SessionPending,
		},
		{
			name:     "any pending wins",
			statuses: []KernelStatus{KernelRunning, KernelPending},
			expected: SessionPending,
		},
		{
			name:     "all running",
			statuses: []KernelStatus{KernelRunning, KernelRunning},
			expected: SessionRunning,
		},
		{
			name:     "not running unless all running",
			statuses: []KernelStatus{KernelRunning, KernelCreating},
			expected: SessionCreating,
		},
		{
			name:     "all terminated",
			statuses: []KernelStatus{KernelTerminated, KernelTerminated},
			expected: SessionTerminated,
		},
		{
			name:     "terminating over running",
			statuses: []KernelStatus{KernelRunning, KernelTerminating},
			expected: SessionTerminating,
		},
		{
			name:     "terminating while some already terminated",
			statuses: []KernelStatus{KernelTerminated, KernelTerminating},
			expected: SessionTerminating,
		},
		{
			name:     "cancelled mixture is cancelled",
			statuses: []KernelStatus{KernelCancelled, KernelTerminated},
			expected: SessionCancelled,
		},
		{
			name:     "forward mixture follows slowest kernel",
			statuses: []KernelStatus{KernelPrepared, KernelScheduled},
			expected: SessionScheduled,
		},
		{
			name:     "preparing mixture",
			statuses: []KernelStatus{KernelPreparing, KernelPrepared},
			expected: SessionPreparing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, JoinKernelStatuses(tt.statuses))
		})
	}
}

func TestSessionStatusSets(t *testing.T) {
	assert.True(t, SessionRunning.IsOccupying())
	assert.True(t, SessionTerminating.IsOccupying())
	assert.False(t, SessionPending.IsOccupying())
	assert.False(t, SessionTerminated.IsOccupying())

	assert.True(t, SessionTerminated.IsTerminal())
	assert.True(t, SessionCancelled.IsTerminal())
	assert.False(t, SessionTerminating.IsTerminal())
}

func TestPolicyLimitAllows(t *testing.T) {
	cpu4 := resources.NewSlots(map[resources.SlotName]int64{"cpu": 4})
	cpu2 := resources.NewSlots(map[resources.SlotName]int64{"cpu": 2})
	gpu1 := resources.NewSlots(map[resources.SlotName]int64{"cuda.device": 1})

	t.Run("limited treats unspecified as zero", func(t *testing.T) {
		limit := PolicyLimit{Total: cpu4, DefaultForUnspecified: Limited}
		assert.True(t, limit.Allows(cpu2, cpu2))
		assert.False(t, limit.Allows(cpu2, resources.NewSlots(map[resources.SlotName]int64{"cpu": 3})))
		assert.False(t, limit.Allows(nil, gpu1))
	})

	t.Run("unlimited ignores unspecified slots", func(t *testing.T) {
		limit := PolicyLimit{Total: cpu4, DefaultForUnspecified: Unlimited}
		assert.True(t, limit.Allows(nil, gpu1))
		assert.False(t, limit.Allows(cpu2, resources.NewSlots(map[resources.SlotName]int64{"cpu": 3})))
	})
}
