// Package cleanup implements pruning of per-user Claude config directories
// (<data dir>/claude/<user id>) left behind by users without sessions.
package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// UserDirs returns the per-user config root under dataDir.
func UserDirs(dataDir string) string {
	return filepath.Join(dataDir, "claude")
}

// PruneUserDirs removes user directories under root whose user is not in
// active and that have not been modified for minAge. The age check keeps
// files a running bot has just written. If dryRun is true, nothing is
// deleted. Returns the pruned directory names in sorted order.
func PruneUserDirs(root string, active map[int64]bool, minAge time.Duration, dryRun bool) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}

	cutoff := time.Now().Add(-minAge)
	var pruned []string

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		userID, parseErr := strconv.ParseInt(entry.Name(), 10, 64)
		if parseErr != nil {
			// Not a user directory.
			continue
		}
		if active[userID] {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil || info.ModTime().After(cutoff) {
			continue
		}

		if !dryRun {
			path := filepath.Join(root, entry.Name())
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return pruned, fmt.Errorf("removing %s: %w", entry.Name(), rmErr)
			}
		}
		pruned = append(pruned, entry.Name())
	}

	sort.Strings(pruned)
	return pruned, nil
}
