package evees

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/logging"
)

type options struct {
	logger        *logrus.Entry
	debounce      time.Duration
	defaultRemote string
	now           func() time.Time
}

// Option configures clients and the Evees façade.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(o *options) { o.logger = logger }
}

// WithDebounce delays writes of UpdatePerspectiveData by d. Zero writes
// immediately.
func WithDebounce(d time.Duration) Option {
	return func(o *options) { o.debounce = d }
}

// WithDefaultRemote sets the remote new perspectives are created on.
func WithDefaultRemote(id string) Option {
	return func(o *options) { o.defaultRemote = id }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	return o
}
