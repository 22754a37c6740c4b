package model

import (
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
)

// NormalizePath returns the platform identity of a file path: absolute,
// cleaned and, on case-insensitive platforms, lower-cased. file:// URIs are
// accepted since gutter clicks report document URIs.
func NormalizePath(p string) string {
	if strings.HasPrefix(p, "file://") {
		if u, err := url.Parse(p); err == nil {
			p = u.Path
		}
	}
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	p = filepath.Clean(p)
	if caseInsensitiveFS() {
		p = strings.ToLower(p)
	}
	return p
}

// SamePath reports whether a and b name the same file
func SamePath(a, b string) bool {
	return NormalizePath(a) == NormalizePath(b)
}

func caseInsensitiveFS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}
