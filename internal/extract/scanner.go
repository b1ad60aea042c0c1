package extract

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// MatchKind tells a stylesheet link from an inline style block.
type MatchKind int

const (
	MatchLink MatchKind = iota
	MatchStyle
)

// Match is one stylesheet occurrence found in a document.
type Match struct {
	Kind MatchKind
	// Raw is the exact matched text, removed from the document afterwards.
	Raw   string
	Attrs map[string]string
	// Body is the inline CSS of a style block.
	Body string
}

// Scanner finds stylesheet occurrences in document order.
type Scanner interface {
	Scan(doc string) []Match
}

// tagPattern is a flat, non-nesting scan: a style block ends at its first
// closing tag and cannot contain '<'.
var tagPattern = regexp.MustCompile(`(?is)<link ([^>]+?)/?>|<style([^>]*?)>([^<]+?)</style>`)

// RegexpScanner is the default lightweight tokenizer.
type RegexpScanner struct{}

func (RegexpScanner) Scan(doc string) []Match {
	found := tagPattern.FindAllStringSubmatch(doc, -1)
	out := make([]Match, 0, len(found))
	for _, m := range found {
		if strings.HasPrefix(strings.ToLower(m[0]), "<link") {
			out = append(out, Match{Kind: MatchLink, Raw: m[0], Attrs: ParseAttrs(m[1])})
			continue
		}
		out = append(out, Match{Kind: MatchStyle, Raw: m[0], Attrs: ParseAttrs(m[2]), Body: m[3]})
	}
	return out
}

// ParseAttrs parses the attribute text of a tag. Names are lower-cased and
// values unescaped; a repeated name keeps its last value.
func ParseAttrs(raw string) map[string]string {
	attrs := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return attrs
	}
	z := html.NewTokenizer(strings.NewReader("<x " + raw + ">"))
	if z.Next() == html.ErrorToken {
		return attrs
	}
	for _, a := range z.Token().Attr {
		attrs[a.Key] = a.Val
	}
	return attrs
}
