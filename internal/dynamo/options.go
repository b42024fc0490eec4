package dynamo

import (
	"errors"
	"time"
)

// Option is a functional option for configuring a [Client].
type Option func(*Options)

// Options holds the configuration for a [Client].
type Options struct {
	dynamoDBAPI     API
	endpoint        string
	maxBatchRetries int
	initialBackoff  time.Duration
	consistentSteps bool
}

func newOptions() *Options {
	return &Options{
		maxBatchRetries: 5,
		initialBackoff:  50 * time.Millisecond,
		consistentSteps: true,
	}
}

func (o *Options) validate() error {
	if o.maxBatchRetries < 0 {
		return errors.New("max batch retries must not be negative")
	}

	if o.initialBackoff <= 0 {
		return errors.New("initial backoff must be greater than zero")
	}

	return nil
}

// WithAPI sets a custom [API] implementation. This is useful for injecting
// mocks in tests.
func WithAPI(api API) Option {
	return func(o *Options) {
		o.dynamoDBAPI = api
	}
}

// WithEndpoint points the client at a non-AWS endpoint such as DynamoDB Local.
func WithEndpoint(endpoint string) Option {
	return func(o *Options) {
		o.endpoint = endpoint
	}
}

// WithBatchRetries sets how many times unprocessed BatchWriteItem requests
// are retried, and the first backoff delay. The delay doubles per attempt up
// to two seconds.
func WithBatchRetries(maxRetries int, initialBackoff time.Duration) Option {
	return func(o *Options) {
		o.maxBatchRetries = maxRetries
		o.initialBackoff = initialBackoff
	}
}

// WithEventuallyConsistentSteps turns off strongly consistent reads for
// single step lookups. Intended for tables replicated across regions where
// strong reads are unavailable.
func WithEventuallyConsistentSteps() Option {
	return func(o *Options) {
		o.consistentSteps = false
	}
}
