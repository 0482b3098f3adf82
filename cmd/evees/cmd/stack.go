package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/systemshift/evees/internal/entity"
	"github.com/systemshift/evees/internal/evees"
	"github.com/systemshift/evees/internal/ipfs"
	"github.com/systemshift/evees/internal/local"
	"github.com/systemshift/evees/internal/logging"
	"github.com/systemshift/evees/internal/merge/strategy"
	"github.com/systemshift/evees/internal/pattern"
	"github.com/systemshift/evees/internal/store"
)

// stack is the client stack every command runs on:
// cache -> buffer -> router -> local remote.
type stack struct {
	logger     *logrus.Entry
	resolver   *entity.Resolver
	local      *local.Remote
	router     *evees.Router
	buffer     *evees.BufferedClient
	cache      *evees.CachedClient
	mutations  evees.MutationStore
	persistent bool
	evees      *evees.Evees
}

func cidConfig() (entity.CidConfig, error) {
	return entity.ParseCidConfig(
		viper.GetInt("cid.version"),
		viper.GetString("cid.codec"),
		viper.GetString("cid.hash"),
		viper.GetString("cid.base"),
	)
}

func openStack(ctx context.Context) (*stack, error) {
	logger := logging.Component(logging.New(viper.GetString("log_level")), "evees")
	cfg, err := cidConfig()
	if err != nil {
		return nil, fmt.Errorf("cid config: %w", err)
	}
	dataDir := viper.GetString("data_dir")
	remoteID := viper.GetString("remote")

	s := &stack{logger: logger}
	s.resolver = entity.NewResolver(entity.WithDefaultCidConfig(cfg), entity.WithResolverLogger(logger))

	patterns := pattern.Default()
	localOpts := []local.Option{
		local.WithLogger(logger),
		local.WithPatterns(patterns),
		local.WithCidConfig(cfg),
		local.WithIdentityPath(viper.GetString("identity")),
	}
	if api := viper.GetString("ipfs_api"); api != "" {
		kubo := ipfs.NewKuboClient(api)
		if kubo.IsAvailable(ctx) {
			localOpts = append(localOpts, local.WithMirror(ipfs.NewRemote(kubo,
				ipfs.WithCidConfig(cfg),
				ipfs.WithPin(true),
				ipfs.WithLogger(logger),
			)))
		} else {
			logger.WithField("api", api).Warn("Kubo not available, mirror disabled")
		}
	}
	s.local, err = local.Open(filepath.Join(dataDir, "remotes", remoteID), remoteID, s.resolver, localOpts...)
	if err != nil {
		return nil, err
	}
	if err := s.local.Login(ctx); err != nil {
		s.local.Close()
		return nil, fmt.Errorf("login: %w", err)
	}

	opts := []evees.Option{
		evees.WithLogger(logger),
		evees.WithDefaultRemote(remoteID),
		evees.WithDebounce(viper.GetDuration("debounce")),
	}
	s.router = evees.NewRouter(s.resolver, []evees.ClientRemote{s.local}, opts...)

	switch viper.GetString("buffer") {
	case "badger":
		bs, err := store.OpenBadgerMutationStore(filepath.Join(dataDir, "buffer"), logger)
		if err != nil {
			s.router.Close()
			s.local.Close()
			return nil, err
		}
		s.mutations = bs
		s.persistent = true
	case "memory", "":
		s.mutations = evees.NewMemoryMutationStore()
	default:
		s.router.Close()
		s.local.Close()
		return nil, fmt.Errorf("%w: unknown buffer %q", evees.ErrConfiguration, viper.GetString("buffer"))
	}

	s.buffer = evees.NewBufferedClient(s.mutations, s.router, s.resolver, patterns, opts...)
	if err := s.buffer.Restore(ctx); err != nil {
		s.close(ctx)
		return nil, err
	}
	s.cache = evees.NewCachedClient(s.buffer, opts...)
	s.evees = evees.New(s.cache, s.resolver, s.router, patterns, opts...)
	if err := s.evees.Ready(ctx); err != nil {
		s.close(ctx)
		return nil, err
	}
	return s, nil
}

type merger interface {
	MergePerspectives(ctx context.Context, toID, fromID string, cfg strategy.Config) (bool, error)
	MergePerspectivesExternal(ctx context.Context, toID, fromID string, cfg strategy.Config) (*evees.Mutation, error)
}

func (s *stack) merger(recursive bool) merger {
	if recursive {
		return strategy.NewRecursiveContext(s.evees)
	}
	return strategy.NewSimple(s.evees)
}

// close writes pending updates, flushes a memory buffer so nothing is lost
// on exit and releases every layer.
func (s *stack) close(ctx context.Context) error {
	var errs []error
	if s.evees != nil {
		if err := s.evees.AwaitPending(ctx); err != nil {
			errs = append(errs, err)
		}
		if !s.persistent {
			if err := s.evees.Flush(ctx, nil); err != nil {
				errs = append(errs, fmt.Errorf("flush: %w", err))
			}
		}
		errs = append(errs, s.evees.Close(ctx))
	}
	if s.buffer != nil {
		s.buffer.Close()
	}
	if c, ok := s.mutations.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	s.router.Close()
	s.local.Close()
	return errors.Join(errs...)
}

// withStack runs fn on an open stack and closes it afterwards.
func withStack(fn func(ctx context.Context, s *stack) error) (err error) {
	ctx := context.Background()
	s, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, s)
}
