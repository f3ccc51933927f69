package switcher

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebloop/fleetbridge/internal/frame"
)

type fakeActivator struct {
	mu     sync.Mutex
	fail   map[int]bool
	calls  []int
}

func (f *fakeActivator) Activate(ctx context.Context, authIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, authIndex)
	if f.fail[authIndex] {
		return assertErr
	}
	return nil
}

var assertErr = &frame.ActivationFailedError{Stage: "test"}

func TestIncrementUsageSchedulesSwitchAtThreshold(t *testing.T) {
	s := New(Config{SwitchOnUses: 3}, []int{0, 1}, &fakeActivator{})
	_, need := s.IncrementUsage()
	assert.False(t, need)
	_, need = s.IncrementUsage()
	assert.False(t, need)
	n, need := s.IncrementUsage()
	assert.True(t, need)
	assert.Equal(t, 3, n)
}

func TestRecordFailureImmediateSwitchBypassesThreshold(t *testing.T) {
	s := New(Config{FailureThreshold: 5, ImmediateSwitchStatusCodes: map[int]bool{429: true}}, []int{0}, &fakeActivator{})
	shouldSwitch, immediate := s.RecordFailure(429)
	assert.True(t, shouldSwitch)
	assert.True(t, immediate)
}

func TestRecordFailureThresholdSwitch(t *testing.T) {
	s := New(Config{FailureThreshold: 2}, []int{0}, &fakeActivator{})
	shouldSwitch, _ := s.RecordFailure(500)
	assert.False(t, shouldSwitch)
	shouldSwitch, immediate := s.RecordFailure(500)
	assert.True(t, shouldSwitch)
	assert.False(t, immediate)
}

func TestRecordSuccessResetsFailureCount(t *testing.T) {
	s := New(Config{FailureThreshold: 2}, []int{0}, &fakeActivator{})
	s.RecordFailure(500)
	s.RecordSuccess()
	shouldSwitch, _ := s.RecordFailure(500)
	assert.False(t, shouldSwitch, "counter should have reset")
}

func TestSwitchToNextRejectsWhenBusy(t *testing.T) {
	s := New(Config{}, []int{0, 1}, &fakeActivator{})
	s.SetBusyForDirectRecovery(true)

	_, err := s.SwitchToNext(context.Background())
	require.Error(t, err)
	var busyErr *frame.AlreadyInProgressError
	assert.ErrorAs(t, err, &busyErr)
}

func TestSwitchToNextAdvancesAndSkipsFailures(t *testing.T) {
	act := &fakeActivator{fail: map[int]bool{0: true}}
	s := New(Config{}, []int{0, 1, 2}, act)

	idx, err := s.SwitchToNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.False(t, s.IsSystemBusy())
}

func TestSwitchToNextClearsBusyOnTotalFailure(t *testing.T) {
	act := &fakeActivator{fail: map[int]bool{0: true, 1: true, 2: true}}
	s := New(Config{}, []int{0, 1, 2}, act)

	_, err := s.SwitchToNext(context.Background())
	require.Error(t, err)
	assert.False(t, s.IsSystemBusy())
	assert.Equal(t, -1, s.CurrentAuthIndex())
}

func TestSwitchToSpecific(t *testing.T) {
	act := &fakeActivator{}
	s := New(Config{}, []int{0, 1}, act)

	err := s.SwitchToSpecific(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, s.CurrentAuthIndex())
	assert.False(t, s.IsSystemBusy())
}
