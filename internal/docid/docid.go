// Package docid derives stable document ids and source references for ingested files.
package docid

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path/filepath"
	"strings"
)

const prefix = "doc-"

// FromPath returns the file source reference for a local path. Relative paths are made absolute.
func FromPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Clean(abs))}
	return u.String(), nil
}

// FromSourceRef returns a stable document id for sourceRef. References that differ only in
// scheme case, trailing slashes or dot segments map to the same id.
func FromSourceRef(sourceRef string) string {
	hash := sha256.Sum256([]byte(normalize(sourceRef)))
	return prefix + hex.EncodeToString(hash[:16])
}

func normalize(ref string) string {
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || !strings.Contains(ref, "://") {
		return "file://" + filepath.ToSlash(filepath.Clean(ref))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Path != "" {
		u.Path = filepath.ToSlash(filepath.Clean(u.Path))
		u.RawPath = ""
	}
	return u.String()
}
