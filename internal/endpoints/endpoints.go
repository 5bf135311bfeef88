// Package endpoints builds storage endpoints from configuration.
package endpoints

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/transfer-e2e/internal/config"
	"github.com/guided-traffic/transfer-e2e/internal/storage"
	"github.com/guided-traffic/transfer-e2e/internal/storage/localstore"
	"github.com/guided-traffic/transfer-e2e/internal/storage/miniostore"
	"github.com/guided-traffic/transfer-e2e/internal/storage/s3store"
	"github.com/guided-traffic/transfer-e2e/internal/storage/sftpstore"
)

// Open connects to the endpoint described by ep
func Open(ctx context.Context, side string, ep config.EndpointConfig, t config.TransferConfig, logger *logrus.Logger) (storage.Endpoint, error) {
	entry := logger.WithFields(logrus.Fields{
		"component": ep.Kind + "-store",
		"side":      side,
	})
	ioChunk := int(t.IOChunkBytes.Int64())

	var (
		endpoint storage.Endpoint
		err      error
	)
	switch ep.Kind {
	case config.KindS3:
		endpoint, err = s3store.NewFromConfig(ctx, ep, t, entry)
	case config.KindMinio:
		endpoint, err = miniostore.NewFromConfig(ep, t, entry)
	case config.KindSFTP:
		endpoint, err = sftpstore.Dial(ctx, ep, ioChunk, entry)
	case config.KindLocal:
		endpoint, err = localstore.NewDir(ep.Path, ep.Prefix, ioChunk, entry)
	default:
		return nil, fmt.Errorf("%s: unsupported endpoint kind %q", side, ep.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", side, err)
	}

	entry.Debug("Endpoint ready")
	return endpoint, nil
}

// OpenPair opens source and target, closing the source again when the target
// cannot be opened.
func OpenPair(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (storage.Endpoint, storage.Endpoint, error) {
	src, err := Open(ctx, "source", cfg.Source, cfg.Transfer, logger)
	if err != nil {
		return nil, nil, err
	}
	tgt, err := Open(ctx, "target", cfg.Target, cfg.Transfer, logger)
	if err != nil {
		src.Close()
		return nil, nil, err
	}
	return src, tgt, nil
}
