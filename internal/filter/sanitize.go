package filter

import "strings"

// RedactCookies returns a copy of cookies with the values of the named
// cookies replaced, for logging.
func RedactCookies(cookies map[string]string, names []string, replacement string) map[string]string {
	if len(cookies) == 0 {
		return cookies
	}
	set := toLowerSet(names)
	out := make(map[string]string, len(cookies))
	for k, v := range cookies {
		if _, ok := set[strings.ToLower(k)]; ok {
			out[k] = replacement
			continue
		}
		out[k] = v
	}
	return out
}

func toLowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, v := range items {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}
