package database

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yourusername/backup-controller/internal/logging"
)

const snapshotsKept = 7

// SnapshotNow copies the live database file into dir as a dated snapshot,
// then prunes down to the most recent snapshotsKept (spec §4.1/§6).
func SnapshotNow(dbPath, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	name := fmt.Sprintf("backup-server-%s.db", time.Now().UTC().Format("2006-01-02"))
	dest := filepath.Join(dir, name)

	if err := copyFile(dbPath, dest); err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}

	return pruneSnapshots(dir)
}

// StartDailySnapshots runs SnapshotNow once immediately and then once every
// 24h until ctx-equivalent stop is signaled via the returned stop func.
func StartDailySnapshots(dbPath, dir string) (stop func()) {
	done := make(chan struct{})

	run := func() {
		if err := SnapshotNow(dbPath, dir); err != nil {
			logging.L().Error("db_snapshot_failed", "error", err)
		} else {
			logging.L().Info("db_snapshot_completed", "dir", dir)
		}
	}

	go func() {
		run()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				run()
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

func pruneSnapshots(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "backup-server-") && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if len(names) <= snapshotsKept {
		return nil
	}

	for _, name := range names[:len(names)-snapshotsKept] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			logging.L().Warn("snapshot_prune_failed", "file", name, "error", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
