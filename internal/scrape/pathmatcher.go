package scrape

import (
	"net/url"
	"path"
	"strings"
)

// defaultExcludePatterns skip URLs that never contain article text.
var defaultExcludePatterns = []string{
	"/*.pdf",
	"/*.zip",
	"/*.mp4",
	"/login*",
	"/signin*",
	"/account/*",
}

// PathMatcher filters URLs based on glob-style path patterns.
// "/dir/*" matches any depth below /dir, "/*.pdf" matches the extension at
// any depth.
type PathMatcher struct {
	patterns []string
}

// NewPathMatcher creates a PathMatcher from glob patterns. Nil selects the
// defaults; an empty non-nil slice disables exclusion.
func NewPathMatcher(patterns []string) *PathMatcher {
	if patterns == nil {
		patterns = defaultExcludePatterns
	}
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return &PathMatcher{patterns: lowered}
}

// Patterns returns the configured patterns.
func (m *PathMatcher) Patterns() []string {
	return m.patterns
}

// IsExcluded checks whether a URL should never be fetched. Unparseable and
// non-HTTP URLs are excluded.
func (m *PathMatcher) IsExcluded(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return true
	}
	p := strings.ToLower(u.Path)
	for _, pattern := range m.patterns {
		if matchSegmented(pattern, p) {
			return true
		}
	}
	return false
}

func matchSegmented(pattern, urlPath string) bool {
	if ok, _ := path.Match(pattern, urlPath); ok {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		if urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/") {
			return true
		}
	}

	// "/*.ext" applies to the last segment regardless of depth.
	if strings.HasPrefix(pattern, "/*.") {
		if ok, _ := path.Match(pattern[1:], path.Base(urlPath)); ok {
			return true
		}
	}

	return false
}
