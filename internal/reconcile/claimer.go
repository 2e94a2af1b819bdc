package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Aman-CERP/amanidx/internal/model"
	"github.com/Aman-CERP/amanidx/internal/telemetry"
)

// ClaimStore is the compare-and-swap the Claimer needs.
type ClaimStore interface {
	ClaimRow(ctx context.Context, spec *model.IndexSpec, action model.Action) (bool, error)
}

// Claimer turns drifted rows into claims. A claim is won only when the
// conditional update matched, so concurrent reconcilers never both schedule
// work for the same row version.
type Claimer struct {
	store   ClaimStore
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewClaimer returns a Claimer. metrics may be nil; a nil logger falls back
// to slog.Default().
func NewClaimer(store ClaimStore, metrics *telemetry.Metrics, logger *slog.Logger) *Claimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Claimer{store: store, metrics: metrics, logger: logger}
}

// Claim attempts every drifted row of one document. Rows without drift and
// rows lost to another claimer are left out of the result. On a store error
// the claims already won are returned together with the error.
func (c *Claimer) Claim(ctx context.Context, docID string, rows []*model.IndexSpec) ([]model.Claim, error) {
	claims := make([]model.Claim, 0, len(rows))
	for _, row := range rows {
		if row.DocumentID != docID {
			return claims, fmt.Errorf("claim %s: row belongs to %s", docID, row.DocumentID)
		}
		action, drifted := row.DriftAction()
		if !drifted {
			continue
		}

		won, err := c.store.ClaimRow(ctx, row, action)
		if err != nil {
			return claims, fmt.Errorf("claim %s: %w", row.Key(), err)
		}
		c.metrics.Claim(action, won)
		if !won {
			c.logger.Debug("claim_lost",
				slog.String("document_id", docID),
				slog.String("index_type", string(row.IndexType)),
				slog.Int64("version", row.Version))
			continue
		}
		claims = append(claims, model.Claim{
			IndexType:     row.IndexType,
			Action:        action,
			TargetVersion: row.Version,
		})
	}
	return claims, nil
}
