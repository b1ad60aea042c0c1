package variant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/ccssgen/pkg/types"
)

const iphoneUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148"

func TestResolve_StableForIdenticalInputs(t *testing.T) {
	r := NewResolver(Policy{SeparateMobile: true, MultiTenant: true})
	req := types.PageRequest{URL: "https://example.com/blog/post", UserID: "7", Role: "editor", Tenant: "3", UserAgent: iphoneUA}

	first := r.Resolve(req)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, r.Resolve(req))
	}
	assert.Equal(t, types.VariantKey("3/editor_"+Hash("https://example.com/blog/post")+".mobile"), first)
}

func TestResolve_EachDimensionChangesKey(t *testing.T) {
	r := NewResolver(Policy{SeparateMobile: true, MultiTenant: true})
	base := types.PageRequest{URL: "https://example.com/a", UserID: "7", Role: "editor", Tenant: "1", UserAgent: "Desktop"}

	variants := map[string]types.PageRequest{
		"url":    {URL: "https://example.com/b", UserID: "7", Role: "editor", Tenant: "1", UserAgent: "Desktop"},
		"role":   {URL: "https://example.com/a", UserID: "7", Role: "author", Tenant: "1", UserAgent: "Desktop"},
		"guest":  {URL: "https://example.com/a", Tenant: "1", UserAgent: "Desktop"},
		"tenant": {URL: "https://example.com/a", UserID: "7", Role: "editor", Tenant: "2", UserAgent: "Desktop"},
		"mobile": {URL: "https://example.com/a", UserID: "7", Role: "editor", Tenant: "1", UserAgent: iphoneUA},
	}
	want := r.Resolve(base)
	for name, req := range variants {
		assert.NotEqual(t, want, r.Resolve(req), name)
	}
}

func TestResolve_NotFoundCollapses(t *testing.T) {
	r := NewResolver(Policy{})
	a := r.Resolve(types.PageRequest{URL: "https://example.com/missing-1", NotFound: true})
	b := r.Resolve(types.PageRequest{URL: "https://example.com/missing-2", NotFound: true})
	assert.Equal(t, types.VariantKey(NotFoundKey), a)
	assert.Equal(t, a, b)
}

func TestResolve_RoleGroupsCoalesce(t *testing.T) {
	r := NewResolver(Policy{RoleGroups: map[string]string{"editor": "staff", "author": "staff"}})
	editor := r.Resolve(types.PageRequest{URL: "https://example.com/", UserID: "1", Role: "editor"})
	author := r.Resolve(types.PageRequest{URL: "https://example.com/", UserID: "2", Role: "author"})
	assert.Equal(t, editor, author)
	assert.Contains(t, string(editor), "staff_")
}

func TestResolve_MobileNeedsPolicy(t *testing.T) {
	off := NewResolver(Policy{})
	on := NewResolver(Policy{SeparateMobile: true})
	req := types.PageRequest{URL: "https://example.com/", UserAgent: iphoneUA}

	assert.False(t, off.IsMobile(req))
	assert.True(t, on.IsMobile(req))
	assert.True(t, on.IsMobile(types.PageRequest{URL: "https://example.com/", MobileHint: true}))
}

func TestNormalize(t *testing.T) {
	r := NewResolver(Policy{BypassParam: "ccss_ctrl"})
	assert.Equal(t,
		r.Normalize("https://example.com/page?b=2&a=1"),
		r.Normalize("HTTPS://Example.COM/page?a=1&b=2&ccss_ctrl=before_optm#top"),
	)
}

func TestTenant(t *testing.T) {
	require.Equal(t, "4", Tenant("4/abc"))
	require.Equal(t, "", Tenant("abc.mobile"))
}
