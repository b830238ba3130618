package adapter

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const defaultPageSize = 100

type options struct {
	client   HTTPDoer
	pageSize int
	limiter  *rate.Limiter
}

// Option configures an adapter.
type Option func(*options)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(client HTTPDoer) Option {
	return func(o *options) {
		if client != nil {
			o.client = client
		}
	}
}

// WithPageSize overrides the provider page size.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithPacing limits outbound calls to the provider. A nil limiter disables pacing.
func WithPacing(limiter *rate.Limiter) Option {
	return func(o *options) {
		o.limiter = limiter
	}
}

func buildOptions(timeout time.Duration, defaultLimiter *rate.Limiter, opts []Option) options {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	o := options{
		client:   &http.Client{Timeout: timeout},
		pageSize: defaultPageSize,
		limiter:  defaultLimiter,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
