package seal

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/vledger/internal/ledger"
)

func (c *Coordinator) newBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = 10 * c.retryInterval
	bo.MaxElapsedTime = 0 // bounded by the retry count instead
	return backoff.WithMaxRetries(bo, uint64(c.retries))
}

// durableCall runs op against the durable backend with a per-attempt
// timeout. Only BackendUnavailable failures are retried; a timed-out
// attempt counts as failed, which is safe because every write carries its
// seal_id.
func (c *Coordinator) durableCall(ctx context.Context, op func(ctx context.Context) error) error {
	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		err := op(callCtx)
		if err == nil {
			return nil
		}
		if ledger.IsBackendUnavailable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(c.newBackoff(), ctx))
}
