package model

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"goa.design/goa-ai/engine/enginerr"
	"goa.design/goa-ai/engine/telemetry"
)

// RetryOptions configures CompleteWithRetry's backoff and parse-repair
// behavior, grounded on spec.md §4.3/§7: transient failures retry with
// capped exponential backoff; a structured-output parse failure gets one
// corrective retry before the stage is marked skipped.
type RetryOptions struct {
	MaxAttempts    int
	InitialBackoff backoff.BackOff
	Logger         telemetry.Logger
}

// DefaultRetryOptions returns the engine's standard retry policy: four
// attempts total, exponential backoff capped at 10s per attempt.
func DefaultRetryOptions(logger telemetry.Logger) RetryOptions {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 10 * time.Second
	return RetryOptions{MaxAttempts: 4, InitialBackoff: b, Logger: logger}
}

// CompleteWithRetry wraps client.Complete with capped exponential backoff on
// transient errors and a single corrective retry on parse/validation
// failures, per spec.md §4.3 and §7. A response that fails validation again
// after the corrective retry ends the call with a KindParse *enginerr.Error.
// When attempts run out it returns the last error seen: a KindParse
// *enginerr.Error, or the client's own error for a failed call. It returns a
// KindFatal *enginerr.Error if ctx is done while waiting between attempts.
func CompleteWithRetry(ctx context.Context, client Client, req *Request, opts RetryOptions) (*Response, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	bo := opts.InitialBackoff
	if bo == nil {
		bo = backoff.NewExponentialBackOff()
	}
	bo = backoff.WithContext(bo, ctx)

	var lastErr error
	correctiveHintSent := false
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				break
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, enginerr.Wrap(enginerr.KindFatal, "context done while retrying completion", ctx.Err())
			case <-timer.C:
			}
		}

		resp, err := client.Complete(ctx, req)
		if err == nil {
			if verr := ValidateStructured(req.Schema, resp.Structured); verr != nil {
				lastErr = enginerr.Parse(verr)
				if opts.Logger != nil {
					opts.Logger.Warn(ctx, "structured output failed validation", "schema", req.SchemaName, "attempt", attempt, "error", verr)
				}
				if correctiveHintSent {
					return nil, lastErr
				}
				req = withCorrectiveHint(req)
				correctiveHintSent = true
				continue
			}
			return resp, nil
		}

		var ee *enginerr.Error
		if errors.As(err, &ee) && ee.Kind != enginerr.KindTransient {
			// Parse errors and fatal errors are not blindly retried forever;
			// parse errors get one corrective retry handled above via the
			// validation branch, fatal errors propagate immediately.
			if ee.Kind == enginerr.KindFatal {
				return nil, err
			}
		}
		lastErr = err
		if opts.Logger != nil {
			opts.Logger.Warn(ctx, "completion attempt failed", "attempt", attempt, "error", err)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("completion retries exhausted")
	}
	return nil, lastErr
}

func withCorrectiveHint(req *Request) *Request {
	clone := *req
	clone.Messages = append(append([]Message{}, req.Messages...), Message{
		Role:    RoleUser,
		Content: "Your previous output was not valid JSON for the requested schema. Reply again with only valid JSON matching the schema.",
	})
	return &clone
}
