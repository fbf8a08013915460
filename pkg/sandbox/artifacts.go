package sandbox

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// prunedDirs are never descended into during artifact scans.
var prunedDirs = map[string]bool{
	"venv":         true,
	".venv":        true,
	"node_modules": true,
	"__pycache__":  true,
	".git":         true,
	".pip-cache":   true,
}

// outputExtensions whitelist artifact types when a scan returns an
// implausible number of new files (dependency install, repo clone).
var outputExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".pdf": true, ".html": true, ".csv": true, ".xlsx": true, ".json": true,
	".txt": true, ".md": true, ".zip": true, ".mp4": true, ".mp3": true,
	".wav": true, ".docx": true, ".pptx": true,
}

// parseDeclaredArtifacts looks for an "ARTIFACTS: [...]" line in
// stdout. Generated code is instructed to declare its outputs this
// way; a valid declaration beats the filesystem scan.
func parseDeclaredArtifacts(stdout, workingDir string) []string {
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "ARTIFACTS:")
		if !ok {
			continue
		}
		var names []string
		if err := json.Unmarshal([]byte(strings.TrimSpace(rest)), &names); err != nil {
			continue
		}
		var paths []string
		for _, name := range names {
			p := name
			if !filepath.IsAbs(p) {
				p = filepath.Join(workingDir, p)
			}
			if info, err := os.Stat(p); err == nil && !info.IsDir() && info.Size() > 0 {
				paths = append(paths, p)
			}
		}
		if len(paths) > 0 {
			return paths
		}
	}
	return nil
}

// snapshotMtimes records path -> mtime for every file under dir so a
// post-run diff catches both new and overwritten files.
func snapshotMtimes(dir string) map[string]time.Time {
	snap := make(map[string]time.Time)
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if prunedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err == nil {
			snap[path] = info.ModTime()
		}
		return nil
	})
	return snap
}

// diffArtifacts walks dir and returns files that are new or modified
// relative to the snapshot, excluding the script itself, bytecode, and
// empty or hidden-metadata files. When the result exceeds scanLimit the
// list is re-filtered by output extension.
func diffArtifacts(dir, scriptPath string, before map[string]time.Time, scanLimit int) []string {
	var found []string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if prunedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if path == scriptPath || !isArtifactFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() == 0 {
			return nil
		}
		prev, seen := before[path]
		if !seen || info.ModTime().After(prev) {
			found = append(found, path)
		}
		return nil
	})

	if scanLimit > 0 && len(found) > scanLimit {
		var filtered []string
		for _, p := range found {
			if outputExtensions[strings.ToLower(filepath.Ext(p))] {
				filtered = append(filtered, p)
			}
		}
		found = filtered
	}
	return found
}

// isArtifactFile rejects cache and metadata files.
func isArtifactFile(path string) bool {
	name := filepath.Base(path)
	if strings.HasSuffix(name, ".pyc") || strings.HasSuffix(name, ".pyo") {
		return false
	}
	if name == ".DS_Store" {
		return false
	}
	if strings.HasSuffix(name, ".tmp") || strings.HasPrefix(name, ".#") {
		return false
	}
	return true
}
