package watcher

import (
	"path/filepath"
	"strings"
)

// MetaDirName is the per-root metadata directory (state database, trash,
// logs). Never watched, never synced.
const MetaDirName = ".tether"

// transientPrefixes and transientSuffixes match the scratch files editors
// and operating systems litter next to real content. Events for these paths
// never reach the orchestrator.
var (
	transientPrefixes = []string{
		".#",              // emacs lock files
		"#",               // emacs autosave (#name#)
		"~$",              // MS Office lock files
		".goutputstream-", // GIO/gedit atomic save temp
	}
	transientSuffixes = []string{
		"~",       // backup copies
		".swp",    // vim swap
		".swx",    // vim swap
		".swo",    // vim swap
		".tmp",    // generic temp
		".part",   // partial downloads
		".crswap", // Chrome OS swap
	}
	transientNames = map[string]bool{
		".DS_Store":     true,
		"Thumbs.db":     true,
		"desktop.ini":   true,
		"4913":          true, // vim write-permission probe
		".directory":    true, // KDE metadata
		".localized":    true,
		"Icon\r":        true,
		".Trash-1000":   true,
		"ehthumbs.db":   true,
		".fuse_hidden0": true,
	}
)

// IsTransientName reports whether a base name matches a known editor or OS
// scratch-file pattern.
func IsTransientName(name string) bool {
	if transientNames[name] {
		return true
	}
	for _, p := range transientPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, s := range transientSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// shouldIgnore reports whether a base name is filtered: the metadata
// directory, transient patterns, and any configured extra patterns.
func (w *Watcher) shouldIgnore(name string) bool {
	if name == MetaDirName {
		return true
	}
	if IsTransientName(name) {
		return true
	}
	for _, pattern := range w.config.IgnorePatterns {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// ignoredPath reports whether any element of the root-relative path is
// filtered.
func (w *Watcher) ignoredPath(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if w.shouldIgnore(part) {
			return true
		}
	}
	return false
}
