package db

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/go/sklog"
	"go.climref.org/infra/go/util"
)

// DefaultMaxBackups is how many timestamped copies of a sqlite database are
// retained before migration.
const DefaultMaxBackups = 5

const backupTimeFormat = "20060102T150405"

// backupSQLite copies an existing sqlite database file aside before a
// migration touches it, then prunes old copies down to maxBackups. A missing
// database file is not an error; there is nothing to back up on first run.
func backupSQLite(path string, now time.Time, maxBackups int) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return skerr.Wrap(err)
	}
	if maxBackups < 1 {
		maxBackups = DefaultMaxBackups
	}
	backup := fmt.Sprintf("%s.%s.backup", path, now.UTC().Format(backupTimeFormat))
	if err := util.CopyFile(path, backup); err != nil {
		return skerr.Wrapf(err, "backing up %s", path)
	}
	sklog.Infof("Backed up %s to %s", path, backup)
	return pruneBackups(path, maxBackups)
}

func pruneBackups(path string, maxBackups int) error {
	matches, err := filepath.Glob(path + ".*.backup")
	if err != nil {
		return skerr.Wrap(err)
	}
	if len(matches) <= maxBackups {
		return nil
	}
	// Timestamps sort lexically; oldest first.
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-maxBackups] {
		if err := os.Remove(old); err != nil {
			return skerr.Wrapf(err, "pruning backup %s", old)
		}
		sklog.Infof("Pruned old backup %s", old)
	}
	return nil
}
