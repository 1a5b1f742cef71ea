package jobs

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SDKMarkerFileName flags an SDK-hosted job when present in the job's data
// directory. It affects classification only, never the execution path.
const SDKMarkerFileName = "webjobssdk.marker"

// Preferred entry-point names, tried in order before any fallback scan.
var entryNames = []string{"run.sh", "run", "run.py", "run.js"}

// Interpreters for recognized script extensions. An empty slice means the
// file is executed directly (requires the executable bit).
var interpreters = map[string][]string{
	".sh": {"/bin/sh"},
	".py": {"python3"},
	".js": {"node"},
}

// FindEntryScript resolves the runnable entry point of a job folder and
// returns its path relative to dir.
//
// Priority: run.sh, an executable named run, run.py, run.js; otherwise the
// alphabetically first root-level file with a recognized extension or the
// executable bit. No candidate yields ErrNoRunnableScript, which the registry
// records on the job rather than failing the scan.
func FindEntryScript(dir string) (string, error) {
	for _, name := range entryNames {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if filepath.Ext(name) == "" && !executable(info) {
			continue
		}
		return name, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		ext := strings.ToLower(filepath.Ext(name))
		if _, ok := interpreters[ext]; ok {
			return name, nil
		}
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && executable(info) {
			return name, nil
		}
	}
	return "", ErrNoRunnableScript
}

// RunCommand builds the argv to execute script (relative to dir).
func RunCommand(dir, script string) []string {
	abs := filepath.Join(dir, script)
	ext := strings.ToLower(filepath.Ext(script))
	if interp, ok := interpreters[ext]; ok && len(interp) > 0 {
		return append(append([]string{}, interp...), abs)
	}
	return []string{abs}
}

func executable(info fs.FileInfo) bool {
	return info.Mode().Perm()&0o111 != 0
}

// BuildURLs derives a job's resource URL and optional extra-info URL.
// tmpl supports the {jobName} and {jobType} placeholders.
func BuildURLs(baseURL string, kind Kind, name, tmpl string) (jobURL, extraInfoURL string) {
	base := strings.TrimRight(baseURL, "/")
	if base != "" {
		jobURL = base + "/api/" + string(kind) + "webjobs/" + name
	}
	if tmpl != "" {
		extraInfoURL = strings.NewReplacer(
			"{jobName}", name,
			"{jobType}", string(kind),
		).Replace(tmpl)
	}
	return jobURL, extraInfoURL
}
