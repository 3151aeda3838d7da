package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"chunkanchor.ai/internal/anchor"
)

func (f *File) backupDir() string {
	return filepath.Join(filepath.Dir(f.path), "backups")
}

// Backup copies the current snapshot file into backups/ as a zstd stream
// and prunes old backups. It returns "" when there is nothing to back up or
// backups are disabled.
func (f *File) Backup() (string, error) {
	if f.backups <= 0 {
		return "", nil
	}
	in, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer in.Close()

	dir := f.backupDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, fmt.Sprintf("%s-%s.zst", filepath.Base(f.path), f.now().UTC().Format("20060102-150405.000000000")))
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = out.Close()
		return "", err
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = out.Close()
		return "", err
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	if err := f.prune(); err != nil {
		f.log.Warn().Err(err).Str("dir", dir).Msg("prune anchor backups")
	}
	f.log.Info().Str("backup", dst).Msg("backed up anchors")
	return dst, nil
}

// Backups lists backup files, oldest first.
func (f *File) Backups() ([]string, error) {
	entries, err := os.ReadDir(f.backupDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	prefix := filepath.Base(f.path) + "-"
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || !strings.HasSuffix(e.Name(), ".zst") {
			continue
		}
		out = append(out, filepath.Join(f.backupDir(), e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func (f *File) prune() error {
	all, err := f.Backups()
	if err != nil {
		return err
	}
	for len(all) > f.backups {
		if err := os.Remove(all[0]); err != nil {
			return err
		}
		all = all[1:]
	}
	return nil
}

// ReadBackup decodes a zstd-compressed anchors.yml backup. Invalid records
// are left out.
func ReadBackup(path string) (anchor.Snapshot, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", filepath.Base(path), err)
	}
	snap, _, err := Decode(raw)
	return snap, err
}
