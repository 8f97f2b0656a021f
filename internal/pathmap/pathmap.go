// Package pathmap rewrites local library paths into their remote drive
// counterparts using an ordered prefix table.
package pathmap

import (
	"path"
	"path/filepath"
	"strings"

	"skylift/internal/config"
)

// Map returns the remote path for localPath using the first mapping whose
// local prefix is an ancestor of (or equal to) the input. The relative
// suffix is preserved and the result uses forward slashes. The second
// return value is false when no mapping applies.
func Map(localPath string, mappings []config.PathMapping) (string, bool) {
	if localPath == "" || len(mappings) == 0 {
		return "", false
	}
	cleaned := filepath.Clean(localPath)

	for _, m := range mappings {
		if m.Local == "" || m.Remote == "" {
			continue
		}
		rel, ok := relativeTo(cleaned, filepath.Clean(m.Local))
		if !ok {
			continue
		}
		if rel == "" {
			return m.Remote, true
		}
		return path.Join(m.Remote, filepath.ToSlash(rel)), true
	}
	return "", false
}

// relativeTo reports whether target lives under prefix and returns the
// relative remainder. An exact match yields an empty remainder.
func relativeTo(target, prefix string) (string, bool) {
	if target == prefix {
		return "", true
	}
	withSep := prefix
	if !strings.HasSuffix(withSep, string(filepath.Separator)) {
		withSep += string(filepath.Separator)
	}
	if !strings.HasPrefix(target, withSep) {
		return "", false
	}
	return target[len(withSep):], true
}
