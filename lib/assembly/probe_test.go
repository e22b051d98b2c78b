package assembly

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidatesOrder(t *testing.T) {
	root := filepath.FromSlash("/app")
	extra := filepath.FromSlash("/extra")
	opts := ProbeOptions{
		Root:         root,
		PrivatePaths: []string{"bin", "../outside", "/abs"},
		SearchPaths:  []string{extra},
	}

	got := opts.candidates(Name{Name: "Foo"})
	want := []string{
		filepath.Join(root, "Foo.dll"),
		filepath.Join(root, "Foo", "Foo.dll"),
		filepath.Join(root, "Foo.exe"),
		filepath.Join(root, "Foo", "Foo.exe"),
		filepath.Join(root, "bin", "Foo.dll"),
		filepath.Join(root, "bin", "Foo", "Foo.dll"),
		filepath.Join(root, "bin", "Foo.exe"),
		filepath.Join(root, "bin", "Foo", "Foo.exe"),
		filepath.Join(root, "Foo"),
		filepath.Join(extra, "Foo.dll"),
		filepath.Join(extra, "Foo.exe"),
		filepath.Join(extra, "Foo"),
	}
	assert.Equal(t, want, got)
}

func TestCandidatesCulture(t *testing.T) {
	root := filepath.FromSlash("/app")
	opts := ProbeOptions{Root: root}

	got := opts.candidates(Name{Name: "Foo.resources", Culture: "fr"})
	require.NotEmpty(t, got)
	assert.Equal(t, filepath.Join(root, "fr", "Foo.resources.dll"), got[0])
	assert.Equal(t, filepath.Join(root, "fr", "Foo.resources", "Foo.resources.dll"), got[1])
}

func TestCandidatesCultureStaysInRoot(t *testing.T) {
	root := filepath.FromSlash("/app")
	opts := ProbeOptions{Root: root, PrivatePaths: []string{"bin"}}

	for _, culture := range []string{"../x", "..", "fr/../../x"} {
		for _, c := range opts.candidates(Name{Name: "Foo", Culture: culture}) {
			assert.True(t, strings.HasPrefix(c, root+string(filepath.Separator)), "%s escapes %s", c, root)
		}
	}
}

func TestCandidatesWithoutAppBase(t *testing.T) {
	opts := ProbeOptions{Root: "/app", DisallowApplicationBaseProbing: true}
	assert.Empty(t, opts.candidates(Name{Name: "Foo"}))
}

func TestApplyRedirects(t *testing.T) {
	v := func(s string) *Version {
		parsed, err := ParseVersion(s)
		require.NoError(t, err)
		return &parsed
	}
	rng := func(s string) VersionRange {
		r, err := ParseVersionRange(s)
		require.NoError(t, err)
		return r
	}

	opts := ProbeOptions{
		BindingRedirects: []Redirect{
			{Name: "Foo", Old: rng("1.0-1.9.9.9"), New: *v("2.0")},
			{Name: "Signed", PublicKeyToken: "0011223344556677", Old: rng("1.0"), New: *v("1.5")},
		},
		PublisherPolicy: []Redirect{
			{Name: "foo", Old: rng("2.0"), New: *v("2.1")},
		},
	}

	tests := []struct {
		name string
		in   Name
		want *Version
	}{
		{name: "redirect then policy", in: Name{Name: "Foo", Version: v("1.2")}, want: v("2.1")},
		{name: "policy only", in: Name{Name: "Foo", Version: v("2.0")}, want: v("2.1")},
		{name: "out of range", in: Name{Name: "Foo", Version: v("3.0")}, want: v("3.0")},
		{name: "no version", in: Name{Name: "Foo"}, want: nil},
		{name: "token mismatch", in: Name{Name: "Signed", Version: v("1.0"), PublicKeyToken: "ffffffffffffffff"}, want: v("1.0")},
		{name: "token match", in: Name{Name: "Signed", Version: v("1.0"), PublicKeyToken: "0011223344556677"}, want: v("1.5")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := opts.applyRedirects(tt.in)
			assert.Equal(t, tt.want, got.Version)
		})
	}
}

func TestLocalHref(t *testing.T) {
	root := filepath.FromSlash("/app")

	tests := []struct {
		href string
		want string
		ok   bool
	}{
		{href: "file:///opt/lib/Foo.dll", want: filepath.FromSlash("/opt/lib/Foo.dll"), ok: true},
		{href: "file://localhost/opt/Foo.dll", want: filepath.FromSlash("/opt/Foo.dll"), ok: true},
		{href: "lib/Foo.dll", want: filepath.Join(root, "lib", "Foo.dll"), ok: true},
		{href: "http://example.com/Foo.dll"},
		{href: "https://example.com/Foo.dll"},
		{href: "file://remote-host/share/Foo.dll"},
	}

	for _, tt := range tests {
		t.Run(tt.href, func(t *testing.T) {
			got, ok := localHref(root, tt.href)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
