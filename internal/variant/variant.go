// Package variant derives the cache key of a page variant.
package variant

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/yourorg/ccssgen/pkg/types"
)

// NotFoundKey replaces the URL hash for 404 pages.
const NotFoundKey = "404"

const mobileSuffix = ".mobile"

// Policy controls which request dimensions split the cache.
type Policy struct {
	SeparateMobile bool
	MultiTenant    bool
	// RoleGroups coalesces roles sharing the same rendered output.
	RoleGroups map[string]string
	// BypassParam is dropped from URLs before hashing.
	BypassParam string
}

// Resolver maps page requests to variant keys. It performs no I/O.
type Resolver struct {
	policy Policy
}

func NewResolver(p Policy) *Resolver {
	return &Resolver{policy: p}
}

// Resolve returns the variant key for req.
func (r *Resolver) Resolve(req types.PageRequest) types.VariantKey {
	name := NotFoundKey
	if !req.NotFound {
		name = Hash(r.Normalize(req.URL))
	}
	if req.UserID != "" {
		name = r.Group(req.Role) + "_" + name
	}
	if r.policy.MultiTenant && req.Tenant != "" {
		name = req.Tenant + "/" + name
	}
	if r.IsMobile(req) {
		name += mobileSuffix
	}
	return types.VariantKey(name)
}

// IsMobile reports whether req gets its own mobile variant.
func (r *Resolver) IsMobile(req types.PageRequest) bool {
	if !r.policy.SeparateMobile {
		return false
	}
	return req.MobileHint || IsMobileUserAgent(req.UserAgent)
}

// Group returns the vary group a role belongs to.
func (r *Resolver) Group(role string) string {
	if g, ok := r.policy.RoleGroups[role]; ok && g != "" {
		return g
	}
	if role == "" {
		return "0"
	}
	return role
}

// Normalize canonicalises a page URL so equivalent spellings hash alike.
func (r *Resolver) Normalize(raw string) string {
	raw = norm.NFC.String(strings.TrimSpace(raw))
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if r.policy.BypassParam != "" && u.RawQuery != "" {
		q := u.Query()
		q.Del(r.policy.BypassParam)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Hash is the hex md5 of s.
func Hash(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Tenant returns the tenant prefix of key, or "".
func Tenant(key types.VariantKey) string {
	if i := strings.IndexByte(string(key), '/'); i > 0 {
		return string(key[:i])
	}
	return ""
}

var mobileTokens = []string{"Mobile", "Android", "Silk/", "Kindle", "BlackBerry", "Opera Mini", "Opera Mobi"}

// IsMobileUserAgent detects handheld clients from the user agent.
func IsMobileUserAgent(ua string) bool {
	for _, tok := range mobileTokens {
		if strings.Contains(ua, tok) {
			return true
		}
	}
	return false
}
