// Package switcher implements the Account Switcher: usage/failure
// counters, the immediate-switch status-code fast path, and the
// isSystemBusy interlock. Grounded in the teacher's general pattern of
// a small state-machine struct guarding a busy flag around an
// activation RPC (internal/browser.Manager.ensureBrowserRunning plays
// an analogous role for a single browser instead of a rotation list).
package switcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nebloop/fleetbridge/internal/frame"
	"github.com/nebloop/fleetbridge/internal/logging"
)

// Activator brings an identity to "agent-live" and returns once its
// socket has been observed by the Registry, or an error.
type Activator interface {
	Activate(ctx context.Context, authIndex int) error
}

// Config holds the Switcher's rotation tunables, sourced from
// environment configuration (see SPEC_FULL.md §4.G).
type Config struct {
	SwitchOnUses               int
	FailureThreshold           int
	ImmediateSwitchStatusCodes map[int]bool
	MaxRetries                 int
	RetryDelay                 time.Duration
}

// Switcher owns currentAuthIndex, the usage/failure counters, and the
// isSystemBusy interlock. It is the only component permitted to set or
// clear isSystemBusy, except for the Pipeline's direct-recovery path
// which is the sole sanctioned external setter (see package pipeline).
type Switcher struct {
	mu sync.Mutex

	cfg      Config
	rotation []int // identity indices, ordered and deduplicated by email (see internal/identity.Pool.RotationOrder)

	currentAuthIndex int // -1 means no identity active
	usageCount       int
	failureCount     int
	isSystemBusy     bool

	activator Activator
}

// New creates a Switcher over the given rotation pool (already
// deduplicated by email by the caller / identity package).
func New(cfg Config, rotation []int, activator Activator) *Switcher {
	return &Switcher{
		cfg:              cfg,
		rotation:         rotation,
		currentAuthIndex: -1,
		activator:        activator,
	}
}

// CurrentAuthIndex returns the active identity index, or -1.
func (s *Switcher) CurrentAuthIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentAuthIndex
}

// IsSystemBusy reports the interlock's current value. Readers may
// observe races; any action gated on it must re-check after
// suspension, per the concurrency model.
func (s *Switcher) IsSystemBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSystemBusy
}

// SetBusyForDirectRecovery is the one sanctioned external setter of
// isSystemBusy, used only by the Pipeline's direct-recovery path
// (§4.E.1) which must not call switchToNext (that would self-reject
// against the flag it is about to set).
func (s *Switcher) SetBusyForDirectRecovery(busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isSystemBusy = busy
}

// SetCurrentAuthIndex is used by the direct-recovery path once its own
// activation attempt against the already-current identity succeeds.
func (s *Switcher) SetCurrentAuthIndex(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentAuthIndex = idx
}

// IncrementUsage bumps the per-identity usage counter for a generative
// request and reports whether a background rotation should now be
// scheduled (needsSwitchAfterRequest).
func (s *Switcher) IncrementUsage() (newCount int, needsSwitch bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageCount++
	if s.cfg.SwitchOnUses > 0 && s.usageCount >= s.cfg.SwitchOnUses {
		return s.usageCount, true
	}
	return s.usageCount, false
}

// RecordSuccess resets the failure counter. A request's initial frame
// dequeued successfully implies the attempt succeeded for this
// purpose.
func (s *Switcher) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount = 0
}

// RecordFailure increments the failure counter and reports whether a
// switch should now occur, and whether it must be immediate (status in
// ImmediateSwitchStatusCodes bypasses the failure-threshold count).
func (s *Switcher) RecordFailure(status int) (shouldSwitch, immediate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.cfg.ImmediateSwitchStatusCodes[status] {
		return true, true
	}

	if s.cfg.FailureThreshold > 0 && s.failureCount >= s.cfg.FailureThreshold {
		return true, false
	}
	return false, false
}

// SwitchToNext advances through the rotation list starting from
// (currentAuthIndex+1) mod N, trying each identity in turn via the
// Activator, and returns the first index that activates successfully.
// Fails with AlreadyInProgressError if a switch is already running.
func (s *Switcher) SwitchToNext(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.isSystemBusy {
		s.mu.Unlock()
		return -1, &frame.AlreadyInProgressError{}
	}
	s.isSystemBusy = true
	start := s.currentAuthIndex
	n := len(s.rotation)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isSystemBusy = false
		s.mu.Unlock()
	}()

	if n == 0 {
		s.mu.Lock()
		s.currentAuthIndex = -1
		s.mu.Unlock()
		return -1, fmt.Errorf("rotation pool is empty")
	}

	var lastErr error
	for i := 1; i <= n; i++ {
		pos := mod(startPos(s.rotation, start)+i, n)
		idx := s.rotation[pos]
		if err := s.activator.Activate(ctx, idx); err != nil {
			logging.Warnf("switcher: activation of identity %d failed: %v", idx, err)
			lastErr = err
			continue
		}
		s.mu.Lock()
		s.currentAuthIndex = idx
		s.usageCount = 0
		s.failureCount = 0
		s.mu.Unlock()
		return idx, nil
	}

	s.mu.Lock()
	s.currentAuthIndex = -1
	s.mu.Unlock()
	if lastErr == nil {
		lastErr = fmt.Errorf("no identity in rotation could be activated")
	}
	return -1, lastErr
}

// SwitchToSpecific activates exactly target, with the same busy
// semantics as SwitchToNext but no rotation search.
func (s *Switcher) SwitchToSpecific(ctx context.Context, target int) error {
	s.mu.Lock()
	if s.isSystemBusy {
		s.mu.Unlock()
		return &frame.AlreadyInProgressError{}
	}
	s.isSystemBusy = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isSystemBusy = false
		s.mu.Unlock()
	}()

	if err := s.activator.Activate(ctx, target); err != nil {
		return err
	}

	s.mu.Lock()
	s.currentAuthIndex = target
	s.usageCount = 0
	s.failureCount = 0
	s.mu.Unlock()
	return nil
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// startPos returns the rotation-slice position of authIndex current,
// or -1 if current isn't in the rotation (e.g. no identity active
// yet), so that mod(startPos+1, n) begins at position 0.
func startPos(rotation []int, current int) int {
	for i, idx := range rotation {
		if idx == current {
			return i
		}
	}
	return -1
}
