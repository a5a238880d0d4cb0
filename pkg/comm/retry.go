package comm

import (
	"fmt"

	"github.com/thomasp-ms/azure-ml-federated-learning/pkg/types"
)

// RetryPolicy bounds the receive loop. Faults and session lock losses are
// counted separately and the loop gives up as soon as either bound is
// reached. When the two kinds interleave, a call may therefore poll up to
// MaxFaults+MaxLockLosses-1 times (19 with the defaults). MaxAttempts, when
// positive, caps the combined count as well.
type RetryPolicy struct {
	MaxFaults     int
	MaxLockLosses int
	MaxAttempts   int
}

// DefaultRetryPolicy allows ten of each
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxFaults: 10, MaxLockLosses: 10}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxFaults <= 0 {
		p.MaxFaults = d.MaxFaults
	}
	if p.MaxLockLosses <= 0 {
		p.MaxLockLosses = d.MaxLockLosses
	}
	return p
}

// retryState counts consecutive failures of one receive call
type retryState struct {
	policy     RetryPolicy
	faults     int
	lockLosses int
	lastErr    error
}

func newRetryState(p RetryPolicy) *retryState {
	return &retryState{policy: p.withDefaults()}
}

func (s *retryState) fault(err error) {
	s.faults++
	s.lastErr = err
}

func (s *retryState) lockLost(err error) {
	s.lockLosses++
	s.lastErr = err
}

// reset clears the counters after an empty blocking poll
func (s *retryState) reset() {
	s.faults = 0
	s.lockLosses = 0
	s.lastErr = nil
}

func (s *retryState) exhausted() bool {
	if s.policy.MaxAttempts > 0 && s.faults+s.lockLosses >= s.policy.MaxAttempts {
		return true
	}
	return s.faults >= s.policy.MaxFaults || s.lockLosses >= s.policy.MaxLockLosses
}

func (s *retryState) err(key types.ChannelKey) error {
	return types.WrapError(types.ErrCodeRetriesExhausted,
		fmt.Sprintf("receive on %s gave up after %d faults and %d lost session locks",
			key.SessionID(), s.faults, s.lockLosses),
		s.lastErr)
}
