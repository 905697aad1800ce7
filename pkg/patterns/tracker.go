// Package patterns tracks reusable interaction patterns: which query shapes
// an agent has handled before, how they were answered, and how well that
// worked out over repeated use.
package patterns

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/merchantos/agentmem-go/pkg/storage"
)

const (
	// DefaultCleanupMinRate is the success rate below which a pattern is a
	// removal candidate.
	DefaultCleanupMinRate = 0.3

	// DefaultCleanupMinUses is the minimum usage count before a
	// low-performing pattern may be removed. Patterns with fewer uses have
	// not had a fair trial yet.
	DefaultCleanupMinUses = 5

	// DefaultSuccessfulMinRate is the success rate at or above which a
	// pattern counts as proven.
	DefaultSuccessfulMinRate = 0.8
)

// Tracker records pattern usage outcomes and feedback, and retires patterns
// that keep failing.
type Tracker struct {
	store  storage.Store
	logger *zap.Logger
}

// NewTracker creates a pattern tracker. A nil logger defaults to no-op.
func NewTracker(store storage.Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, logger: logger}
}

// Record stores a new pattern observed from an interaction.
func (t *Tracker) Record(ctx context.Context, p *storage.Pattern) (*storage.Pattern, error) {
	if p.AgentID == "" || p.QueryPattern == "" {
		return nil, errors.New("patterns: agent id and query pattern are required")
	}
	if err := t.store.InsertPattern(ctx, p); err != nil {
		return nil, fmt.Errorf("Record: %w", err)
	}
	return p, nil
}

// RecordUsage updates a pattern's usage count and running success rate.
//
// The success rate is an online mean over all uses: the count is advanced
// first, then the rate is re-averaged with 1 for a success or 0 for a
// failure. Recording usage against a missing pattern is a silent no-op, so
// telemetry paths never fail a request over a stale pattern id.
func (t *Tracker) RecordUsage(ctx context.Context, patternID int64, success bool) error {
	p, err := t.store.GetPattern(ctx, patternID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			t.logger.Debug("usage recorded for unknown pattern", zap.Int64("pattern_id", patternID))
			return nil
		}
		return fmt.Errorf("RecordUsage: %w", err)
	}

	timesUsed := p.TimesUsed + 1
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	successRate := (p.SuccessRate*float64(timesUsed-1) + outcome) / float64(timesUsed)

	if err := t.store.UpdatePatternStats(ctx, patternID, timesUsed, successRate); err != nil {
		return fmt.Errorf("RecordUsage: %w", err)
	}
	return nil
}

// UpdateFeedback folds an explicit feedback rating into the pattern's
// average feedback score. The first rating becomes the average outright;
// later ratings are blended half-and-half with the current average, so
// recent feedback carries more weight than a uniform mean would give it.
// Missing patterns are a silent no-op, matching RecordUsage.
func (t *Tracker) UpdateFeedback(ctx context.Context, patternID int64, rating float64) error {
	p, err := t.store.GetPattern(ctx, patternID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			t.logger.Debug("feedback recorded for unknown pattern", zap.Int64("pattern_id", patternID))
			return nil
		}
		return fmt.Errorf("UpdateFeedback: %w", err)
	}

	avg := rating
	if p.AvgFeedbackScore != 0 {
		avg = (p.AvgFeedbackScore + rating) / 2
	}

	if err := t.store.UpdatePatternFeedback(ctx, patternID, avg); err != nil {
		return fmt.Errorf("UpdateFeedback: %w", err)
	}
	return nil
}

// ListSuccessful returns the agent's proven patterns, best first.
func (t *Tracker) ListSuccessful(ctx context.Context, agentID string, limit int) ([]*storage.Pattern, error) {
	patterns, err := t.store.ListPatterns(ctx, agentID, DefaultSuccessfulMinRate, limit)
	if err != nil {
		return nil, fmt.Errorf("ListSuccessful: %w", err)
	}
	return patterns, nil
}

// Cleanup hard-deletes the agent's patterns that keep failing: success rate
// below minRate after at least minUses uses. Unlike memories, retired
// patterns carry no provenance worth keeping, so they are removed outright
// rather than deactivated. Returns the number of patterns deleted.
func (t *Tracker) Cleanup(ctx context.Context, agentID string, minRate float64, minUses int) (int, error) {
	if minRate == 0 {
		minRate = DefaultCleanupMinRate
	}
	if minUses == 0 {
		minUses = DefaultCleanupMinUses
	}

	patterns, err := t.store.ListPatterns(ctx, agentID, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("Cleanup: %w", err)
	}

	var ids []int64
	for _, p := range patterns {
		if p.SuccessRate < minRate && p.TimesUsed >= minUses {
			ids = append(ids, p.ID)
		}
	}

	if len(ids) > 0 {
		if err := t.store.DeletePatterns(ctx, ids); err != nil {
			return 0, fmt.Errorf("Cleanup: %w", err)
		}
		t.logger.Info("removed failing patterns",
			zap.String("agent_id", agentID),
			zap.Int("deleted", len(ids)),
		)
	}

	return len(ids), nil
}
