package manager

import (
	"context"
	"fmt"

	"drmcore/internal/config"
	"drmcore/internal/device"
	"drmcore/internal/metrics"
	"drmcore/internal/plugin/sealed"
	"drmcore/internal/session"
	"drmcore/internal/storage"
	"drmcore/internal/storage/fs"
	"drmcore/internal/storage/ledger"
	s3store "drmcore/internal/storage/s3"
)

// FromConfig assembles a Manager with the sealed backend over the
// configured ledger and rights store. Close releases the ledger.
func FromConfig(ctx context.Context, cfg config.Config, mt *metrics.Metrics) (*Manager, error) {
	log := cfg.Logger()

	l, err := ledger.Open(cfg.Ledger(log))
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg.Store())
	if err != nil {
		l.Close()
		return nil, err
	}

	var dev device.Identifier
	if cfg.BindDevice {
		dev = device.New(cfg.AppID)
	}

	reg := session.NewRegistry(session.WithLogger(log), session.WithMetrics(mt))
	backend, err := sealed.New(sealed.Options{
		Ledger:              l,
		Store:               store,
		Device:              dev,
		Events:              reg,
		Logger:              log,
		ChunkSize:           cfg.ChunkSize,
		DefaultCount:        cfg.DefaultCount,
		RequireRightsOnOpen: cfg.RequireRightsOnOpen,
		BindDevice:          cfg.BindDevice,
		ConvertMimeTypes:    cfg.ConvertMimeTypes,
	})
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to create sealed backend: %w", err)
	}

	m, err := New(
		WithLogger(log),
		WithMetrics(mt),
		WithRegistry(reg),
		WithBackends(backend),
		WithCloser(l.Close),
	)
	if err != nil {
		l.Close()
		return nil, err
	}
	return m, nil
}

// OpenStore returns the rights blob store named by cfg.Backend.
func OpenStore(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	switch cfg.Backend {
	case "", "fs":
		return fs.New(cfg.Root), nil
	case "s3":
		awsCfg, err := s3store.LoadAWSConfig(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		return s3store.NewClient(ctx, awsCfg, cfg.BucketName, s3store.WithKeyPrefix(cfg.KeyPrefix))
	}
	return nil, fmt.Errorf("unknown rights store %q", cfg.Backend)
}
