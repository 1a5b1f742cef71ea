// Package dirsnap builds point-in-time file maps of a job directory and
// decides whether a running job's working copy has drifted from its source.
//
// The comparison is a pure map diff over polled snapshots. Deploys replace
// the source tree wholesale, so the supervisor polls, stops the process,
// resyncs, and restarts; it never patches a live working copy in place.
package dirsnap

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileMap maps a case-insensitive, slash-separated relative path to the
// file's last-write timestamp.
//
// Two maps are equal iff they hold the same key set and every shared key
// maps to an identical timestamp.
type FileMap map[string]time.Time

// Snapshot walks dir and returns a FileMap of its regular files.
// A missing or unreadable directory yields an empty map: the caller treats
// "nothing there" and "not readable right now" the same way during a poll.
func Snapshot(dir string) FileMap {
	m := FileMap{}
	root := filepath.Clean(dir)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Skip unreadable subtrees; partial snapshots resolve on a later poll.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		m[Key(rel)] = info.ModTime()
		return nil
	})
	return m
}

// Key normalizes a relative path for FileMap lookup.
func Key(rel string) string {
	return strings.ToLower(filepath.ToSlash(rel))
}

// Changed compares the job's source directory against its working (execution)
// copy and the previous poll's cached working snapshot.
//
// Rules, first match wins:
//  1. a path in source but not in working  -> changed
//  2. a path in both with a different timestamp -> changed
//  3. a path in cached but not in working  -> deleted -> changed
//  4. paths only in working (added next to the running copy) are ignored
//
// The reason names the affected relative path; the supervisor logs it
// verbatim before restarting the job.
func Changed(source, working, cached FileMap) (bool, string) {
	sourcePaths := sortedKeys(source)
	for _, path := range sourcePaths {
		if _, ok := working[path]; !ok {
			return true, "file '" + path + "' exists in source directory but not in working directory"
		}
	}
	for _, path := range sourcePaths {
		if !working[path].Equal(source[path]) {
			return true, "file '" + path + "' timestamp differs between source and working directories"
		}
	}
	for _, path := range sortedKeys(cached) {
		if _, ok := working[path]; !ok {
			return true, "file '" + path + "' has been deleted from working directory"
		}
	}
	return false, ""
}

// sortedKeys makes rule evaluation order (and thus the reported reason)
// deterministic across polls.
func sortedKeys(m FileMap) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
