package main

import (
	"github.com/rs/zerolog"

	"chunkanchor.ai/internal/config"
	"chunkanchor.ai/internal/persistence/r2s3"
)

// buildMirror returns nil when offsite mirroring is disabled. A nil mirror
// accepts and ignores Enqueue.
func buildMirror(cfg config.Offsite, log zerolog.Logger) (*r2s3.Mirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := r2s3.NewClient(r2s3.Config{
		Endpoint:        cfg.Endpoint,
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("bucket", cfg.Bucket).Str("prefix", cfg.Prefix).Msg("offsite mirror enabled")
	return r2s3.NewMirror(client, cfg.Root, cfg.Prefix, r2s3.MirrorOptions{Workers: cfg.Workers}, log), nil
}
