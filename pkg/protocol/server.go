package protocol

import (
	"context"

	"github.com/go-logr/logr"

	"hyperseeder/pkg/logstore"
)

// Seeder is the part of the seeder the protocol drives.
type Seeder interface {
	RegisterHypercore(ctx context.Context, key logstore.Key) error
	RemoveHypercore(ctx context.Context, key logstore.Key) error
}

// Authorizer decides whether a remote removal request may be executed.
type Authorizer func(ctx context.Context, event Event) bool

// DenyAll rejects every request.
func DenyAll(context.Context, Event) bool {
	return false
}

type ServerConfig struct {
	RemoveAuthorizer Authorizer
}

func (cfg *ServerConfig) Apply(opts ...ServerOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type ServerOption func(cfg *ServerConfig) error

func WithRemoveAuthorizer(authorizer Authorizer) ServerOption {
	return func(cfg *ServerConfig) error {
		cfg.RemoveAuthorizer = authorizer
		return nil
	}
}

// Serve connects protocol events to the seeder. Removal requests are only
// logged unless an authorizer allows them.
func Serve(p *Protocol, seeder Seeder, opts ...ServerOption) error {
	cfg := ServerConfig{
		RemoveAuthorizer: DenyAll,
	}
	if err := cfg.Apply(opts...); err != nil {
		return err
	}

	p.Subscribe(AddSeed, func(ctx context.Context, event Event) {
		log := logr.FromContextOrDiscard(ctx).WithValues("key", event.Key.Short())
		log.Info("seed add request")
		if err := seeder.RegisterHypercore(ctx, event.Key); err != nil {
			log.Error(err, "could not register log")
		}
	})
	p.Subscribe(RemoveSeed, func(ctx context.Context, event Event) {
		log := logr.FromContextOrDiscard(ctx).WithValues("key", event.Key.Short())
		if !cfg.RemoveAuthorizer(ctx, event) {
			log.Info("seed remove request ignored, removal is disabled until requests can be authorized")
			return
		}
		log.Info("seed remove request")
		if err := seeder.RemoveHypercore(ctx, event.Key); err != nil {
			log.Error(err, "could not remove log")
		}
	})
	return nil
}
