// Package filter decides which page views are worth a generation request.
package filter

import (
	"net/url"
	"path"
	"strings"
)

// Rules exclude page URLs from generation.
type Rules struct {
	// IgnoreExtensions are path extensions such as ".xml".
	IgnoreExtensions []string
	// IgnorePaths are path prefixes.
	IgnorePaths []string
	// IgnoreQueryKeys exclude URLs carrying any of these query parameters.
	IgnoreQueryKeys []string
}

// Excluded reports whether rawURL matches any rule. Unparseable URLs are
// excluded.
func (r Rules) Excluded(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	return hasIgnoredExtension(p, r.IgnoreExtensions) ||
		hasIgnoredPath(p, r.IgnorePaths) ||
		hasIgnoredQuery(u.Query(), r.IgnoreQueryKeys)
}

func hasIgnoredExtension(p string, exts []string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if strings.ToLower(strings.TrimSpace(e)) == ext {
			return true
		}
	}
	return false
}

func hasIgnoredPath(p string, prefixes []string) bool {
	for _, pref := range prefixes {
		pref = strings.TrimSpace(pref)
		if pref == "" {
			continue
		}
		if strings.HasPrefix(p, pref) {
			return true
		}
	}
	return false
}

func hasIgnoredQuery(q url.Values, keys []string) bool {
	if len(q) == 0 {
		return false
	}
	set := toLowerSet(keys)
	for k := range q {
		if _, ok := set[strings.ToLower(k)]; ok {
			return true
		}
	}
	return false
}
