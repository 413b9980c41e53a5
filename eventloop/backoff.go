package eventloop

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// sendWithBackoff retries send with newDialBackoff's policy until it
// succeeds or ctx is cancelled: the driver's own lifetime (the swap
// reaching a terminal state) is what bounds the retries, so a sender
// keeps retrying across reconnects until the ack arrives or the swap
// terminates.
func sendWithBackoff(ctx context.Context, send func() error) error {
	return backoff.Retry(func() error {
		err := send()
		if err != nil {
			log.Debugf("eventloop: send failed, retrying: %v", err)
		}
		return err
	}, newDialBackoff(ctx))
}

// newDialBackoff returns a bounded exponential back-off policy for the
// long-lived transfer-proof/enc-sig senders: "sender retries on
// reconnect until the ACK arrives or the swap terminates." MaxElapsedTime
// is zero (unbounded) because the caller supplies the bound via ctx — the
// swap's own terminality, not a fixed retry budget, is what stops this.
func newDialBackoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}
