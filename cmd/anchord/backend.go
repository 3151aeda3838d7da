package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"chunkanchor.ai/internal/anchor"
	"chunkanchor.ai/internal/config"
	"chunkanchor.ai/internal/persistence/indexdb"
	"chunkanchor.ai/internal/persistence/r2s3"
	"chunkanchor.ai/internal/persistence/snapshot"
)

type persister interface {
	anchor.Persister
	io.Closer
}

type filePersister struct{ *snapshot.File }

func (filePersister) Close() error { return nil }

// openPersister picks the snapshot backend named by storage.backend. The YAML
// file is backed up once per start before anything can overwrite it, and the
// backup is handed to the offsite mirror.
func openPersister(cfg config.Storage, mirror *r2s3.Mirror, log zerolog.Logger) (persister, error) {
	switch cfg.Backend {
	case config.BackendYAML:
		f := snapshot.NewFile(cfg.Path, cfg.Backups, log)
		if path, err := f.Backup(); err != nil {
			log.Warn().Err(err).Str("path", cfg.Path).Msg("anchors backup failed")
		} else {
			mirror.Enqueue(path)
		}
		return filePersister{f}, nil
	case config.BackendSQLite:
		db, err := indexdb.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		if err := db.PruneSaves(cfg.Backups); err != nil {
			log.Warn().Err(err).Msg("prune save history")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
