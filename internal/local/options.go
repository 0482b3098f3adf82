package local

import (
	"github.com/sirupsen/logrus"
	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/identity"
	"github.com/systemshift/evees/internal/logging"
	"github.com/systemshift/evees/internal/pattern"
)

type Option func(*options)

type options struct {
	logger       *logrus.Entry
	cfg          entity.CidConfig
	patterns     *pattern.Registry
	identityPath string
	identity     *identity.Identity
	mirror       entity.Remote
}

func WithLogger(logger *logrus.Entry) Option {
	return func(o *options) { o.logger = logger }
}

// WithCidConfig sets how the remote hashes entities.
func WithCidConfig(cfg entity.CidConfig) Option {
	return func(o *options) { o.cfg = cfg }
}

func WithPatterns(patterns *pattern.Registry) Option {
	return func(o *options) { o.patterns = patterns }
}

// WithIdentityPath sets the identity file Login loads.
func WithIdentityPath(path string) Option {
	return func(o *options) { o.identityPath = path }
}

// WithIdentity logs in with id instead of loading it from disk.
func WithIdentity(id *identity.Identity) Option {
	return func(o *options) { o.identity = id }
}

// WithMirror copies every persisted entity to a second entity remote and
// reads from it on a local miss.
func WithMirror(mirror entity.Remote) Option {
	return func(o *options) { o.mirror = mirror }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   logging.Discard(),
		cfg:      entity.DefaultCidConfig,
		patterns: pattern.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
