package fuelwatch

import (
	"context"
	"time"
)

// AcknowledgeAnomaly marks an anomaly acknowledged exactly once. Calling it
// again is a no-op that returns the current state, not an error.
func (service *Service) AcknowledgeAnomaly(ctx context.Context, anomalyID string, actorID *string) (Anomaly, error) {
	anomaly, err := service.store.GetAnomaly(ctx, anomalyID)
	if err != nil {
		return Anomaly{}, err
	}
	if anomaly.Acknowledged {
		return anomaly, nil
	}
	now := service.nowFn()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.MarkAnomalyAcknowledged(ctx, anomalyID, actorID, now); err != nil {
			return err
		}
		_, err := service.writeAudit(ctx, txStore, actorID, actionAnomalyAcknowledged, targetTypeAnomaly, anomalyID, map[string]any{
			"acknowledged_at": now.UTC().Format(time.RFC3339),
		})
		return err
	})
	if operationError != nil {
		return Anomaly{}, operationError
	}
	return service.store.GetAnomaly(ctx, anomalyID)
}

// ResolveAnomaly marks an anomaly resolved exactly once, independent of
// whether it was acknowledged first.
func (service *Service) ResolveAnomaly(ctx context.Context, anomalyID string, actorID *string) (Anomaly, error) {
	anomaly, err := service.store.GetAnomaly(ctx, anomalyID)
	if err != nil {
		return Anomaly{}, err
	}
	if anomaly.Resolved {
		return anomaly, nil
	}
	now := service.nowFn()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.MarkAnomalyResolved(ctx, anomalyID, actorID, now); err != nil {
			return err
		}
		_, err := service.writeAudit(ctx, txStore, actorID, actionAnomalyResolved, targetTypeAnomaly, anomalyID, map[string]any{
			"resolved_at": now.UTC().Format(time.RFC3339),
		})
		return err
	})
	if operationError != nil {
		return Anomaly{}, operationError
	}
	return service.store.GetAnomaly(ctx, anomalyID)
}
