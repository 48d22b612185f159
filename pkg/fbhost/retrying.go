package fbhost

import (
	"context"
	"log/slog"

	"github.com/cenkalti/backoff/v5"

	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

// RetryingAdapter wraps an Adapter and retries the read-only transport
// calls (ListMessages, GetSession) with backoff/v5, the same library the
// teacher reaches for around flaky host/provider transports. AbortSession
// and SendPromptAsync are passed through unwrapped: retrying a mutating
// call risks a duplicate prompt or a double abort, which the spec's
// re-prompt ordering guarantees (§4.11) depend on staying single-shot.
type RetryingAdapter struct {
	inner  Adapter
	policy []backoff.RetryOption
	logger *slog.Logger
}

// WrapRetrying returns a RetryingAdapter around inner using opts as the
// backoff policy for its read-only calls (e.g. backoff.WithMaxTries(3)).
func WrapRetrying(inner Adapter, logger *slog.Logger, opts ...backoff.RetryOption) *RetryingAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingAdapter{inner: inner, policy: opts, logger: logger}
}

func (r *RetryingAdapter) AbortSession(ctx context.Context, session fbtypes.SessionID) error {
	return r.inner.AbortSession(ctx, session)
}

func (r *RetryingAdapter) SendPromptAsync(ctx context.Context, session fbtypes.SessionID, parts []fbtypes.MessagePart, model fbtypes.ModelRef, agent string) error {
	return r.inner.SendPromptAsync(ctx, session, parts, model, agent)
}

func (r *RetryingAdapter) ListMessages(ctx context.Context, session fbtypes.SessionID) ([]fbtypes.Message, error) {
	return backoff.Retry(ctx, func() ([]fbtypes.Message, error) {
		msgs, err := r.inner.ListMessages(ctx, session)
		if err != nil {
			r.logger.Debug("listMessages attempt failed, retrying", "session", session, "error", err)
			return nil, err
		}
		return msgs, nil
	}, r.policy...)
}

func (r *RetryingAdapter) GetSession(ctx context.Context, session fbtypes.SessionID) (SessionInfo, error) {
	return backoff.Retry(ctx, func() (SessionInfo, error) {
		info, err := r.inner.GetSession(ctx, session)
		if err != nil {
			r.logger.Debug("getSession attempt failed, retrying", "session", session, "error", err)
			return SessionInfo{}, err
		}
		return info, nil
	}, r.policy...)
}

func (r *RetryingAdapter) ShowToast(toast Toast) {
	r.inner.ShowToast(toast)
}
