package persistence

import (
	"context"
	"fmt"
)

// RecoveryReport summarizes what startup recovery (§4.2) repaired.
type RecoveryReport struct {
	StalledEnvelopesReset int
}

// Recover runs once at startup, before the Cortex loop starts. Any row stuck
// in `processing` is reset to `pending` (the previous worker crashed).
func (s *Store) Recover(ctx context.Context) (RecoveryReport, error) {
	n, err := s.ResetStalled(ctx)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("reset stalled envelopes: %w", err)
	}
	return RecoveryReport{StalledEnvelopesReset: n}, nil
}
