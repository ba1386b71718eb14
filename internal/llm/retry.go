package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
	"github.com/capitalize-ai/meeting-scheduler/pkg/metrics"
)

// RetryClient retries transient provider failures with exponential backoff.
type RetryClient struct {
	next       Client
	maxRetries uint64
	timeout    time.Duration
	newBackOff func() backoff.BackOff
	log        *logger.Logger
}

// NewRetryClient wraps next. Each attempt is bounded by timeout when positive.
func NewRetryClient(next Client, maxRetries int, timeout time.Duration, log *logger.Logger) *RetryClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryClient{
		next:       next,
		maxRetries: uint64(maxRetries),
		timeout:    timeout,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 8 * time.Second
			return b
		},
		log: log.With(zap.String("component", "llm"), zap.String("provider", next.Name())),
	}
}

// Name returns the wrapped provider name.
func (c *RetryClient) Name() string {
	return c.next.Name()
}

// Complete calls the wrapped client until it succeeds, fails permanently, or
// the retry budget runs out.
func (c *RetryClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	attempt := 0
	op := func() (*Response, error) {
		attempt++
		callCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		start := time.Now()
		resp, err := c.next.Complete(callCtx, req)
		metrics.RecordLLMRequest(c.next.Name(), time.Since(start), err)
		if err != nil {
			if ctx.Err() != nil || !Retryable(err) {
				return nil, backoff.Permanent(err)
			}
			c.log.Warn("engine call failed, retrying",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return nil, err
		}
		metrics.RecordLLMTokens(c.next.Name(), resp.TokensIn, resp.TokensOut)
		return resp, nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	return backoff.RetryWithData(op, b)
}

// Retryable reports whether a provider error is worth another attempt:
// rate limits, server errors and transport failures are, other client
// errors are not.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	var aerr *anthropic.Error
	if errors.As(err, &aerr) {
		return retryableStatus(aerr.StatusCode)
	}
	var oerr *openai.APIError
	if errors.As(err, &oerr) {
		return retryableStatus(oerr.HTTPStatusCode)
	}
	var rerr *openai.RequestError
	if errors.As(err, &rerr) {
		return retryableStatus(rerr.HTTPStatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code == 529:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
