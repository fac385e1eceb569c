// Package bootstrap wires configuration into the shared runtime pieces used
// by the api, worker and rewrite binaries.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/dunamismax/pixelrewrite/internal/capability"
	"github.com/dunamismax/pixelrewrite/internal/config"
	"github.com/dunamismax/pixelrewrite/internal/profile"
	"github.com/dunamismax/pixelrewrite/internal/rewrite"
	"github.com/dunamismax/pixelrewrite/internal/store"
	"github.com/dunamismax/pixelrewrite/internal/thumbor"
	"github.com/rs/zerolog"
)

type Rewriting struct {
	Thumbor    *thumbor.Thumbor
	Registry   *profile.Registry
	Rewriters  profile.Rewriters
	Capability rewrite.FormatCapability
}

func NewRewriting(thumborCfg config.ThumborConfig, rewriteCfg config.RewriteConfig) (Rewriting, error) {
	th, err := thumbor.New(thumborCfg.Host, thumborCfg.Key)
	if err != nil {
		return Rewriting{}, fmt.Errorf("configure thumbor: %w", err)
	}

	registry, err := profile.Load(rewriteCfg.ProfilesFile, rewriteCfg.AlwaysTransform)
	if err != nil {
		return Rewriting{}, fmt.Errorf("load profiles: %w", err)
	}

	capab, err := capability.Parse(rewriteCfg.ModernFormat)
	if err != nil {
		return Rewriting{}, fmt.Errorf("configure format capability: %w", err)
	}

	return Rewriting{
		Thumbor:    th,
		Registry:   registry,
		Rewriters:  registry.Rewriters(th, rewrite.WithCapability(capab)),
		Capability: capab,
	}, nil
}

// JobStore returns a Postgres store when a DSN is configured and an
// in-memory store otherwise. The returned close func is never nil.
func JobStore(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (store.JobStore, func() error, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		logger.Warn().Msg("POSTGRES_DSN is empty, using in-memory job store")
		return store.NewMemoryJobStore(), func() error { return nil }, nil
	}

	pg, err := store.NewPostgresJobStore(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
