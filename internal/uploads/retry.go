package uploads

import (
	"context"
	"errors"

	"genpipeline/internal/domain"
	"genpipeline/internal/retry"
)

// Confirmer is the subset of Protocol used by ConfirmWithRetry.
type Confirmer interface {
	Confirm(ctx context.Context, workspaceID string, req ConfirmRequest) (*ConfirmResult, error)
}

// ConfirmPolicy is the caller-side backoff for confirm: only transient
// storage errors are retried.
func ConfirmPolicy(base retry.Policy) retry.Policy {
	base.Retryable = func(err error) bool { return errors.Is(err, domain.ErrTransientStorage) }
	return base
}

// ConfirmWithRetry calls Confirm until it succeeds, fails permanently or the
// policy gives up. Confirm is idempotent, so retrying is safe.
func ConfirmWithRetry(ctx context.Context, c Confirmer, workspaceID string, req ConfirmRequest, policy retry.Policy) (*ConfirmResult, error) {
	policy = ConfirmPolicy(policy)
	var res *ConfirmResult
	err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		r, err := c.Confirm(ctx, workspaceID, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
