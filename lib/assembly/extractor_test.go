package assembly

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/asmprobe/lib/assembly/asmtest"
)

func newTestExtractor(opts Options) *Extractor {
	logger := zerolog.Nop()
	opts.Logger = &logger
	return NewExtractor(opts)
}

func fooWithBar() asmtest.Assembly {
	return asmtest.Assembly{
		Name:       "Foo",
		Version:    "1.0",
		References: []asmtest.Reference{{Name: "Bar", Version: "1.0"}},
	}
}

func TestExtractByName(t *testing.T) {
	dir := t.TempDir()
	asmtest.WriteFile(t, filepath.Join(dir, "Foo.dll"), fooWithBar())

	e := newTestExtractor(Options{ProbeOptions: ProbeOptions{Root: dir}})

	md, ok := e.ExtractByName("Foo")
	require.True(t, ok)
	assert.Equal(t, "Foo", md.Name)
	assert.Equal(t, "1.0", md.Version.String())
	assert.Equal(t, []string{"Bar"}, md.Dependencies())
	assert.Equal(t, filepath.Join(dir, "Foo.dll"), md.Location)

	md, ok = e.ExtractByName("Foo, Version=1.0.0.0, Culture=neutral, PublicKeyToken=null")
	require.True(t, ok)
	assert.Equal(t, "Foo", md.Name)

	_, ok = e.ExtractByName("Bar")
	assert.False(t, ok)
}

func TestExtractByPath(t *testing.T) {
	dir := t.TempDir()
	asmtest.WriteFile(t, filepath.Join(dir, "Foo.dll"), fooWithBar())

	e := newTestExtractor(Options{ProbeOptions: ProbeOptions{Root: dir}})

	md, ok := e.ExtractByPath(filepath.Join(dir, "Foo.dll"))
	require.True(t, ok)
	assert.Equal(t, "Foo", md.Name)

	md, ok = e.ExtractByPath("Foo.dll")
	require.True(t, ok, "relative paths resolve against the root")
	assert.Equal(t, "Foo", md.Name)

	md, ok = e.ExtractByPath(filepath.Join(dir, "Missing.dll"))
	assert.False(t, ok)
	assert.Nil(t, md)
}

func TestExtractReasons(t *testing.T) {
	dir := t.TempDir()
	good := asmtest.Build(fooWithBar())

	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, data, 0o644))
		return p
	}

	tests := []struct {
		name string
		path string
		want Reason
	}{
		{name: "missing", path: filepath.Join(dir, "Missing.dll"), want: ReasonNotFound},
		{name: "directory", path: dir, want: ReasonNotFound},
		{name: "empty", path: write("Empty.dll", nil), want: ReasonUnsupportedFormat},
		{name: "text", path: write("Notes.dll", []byte("not an assembly")), want: ReasonUnsupportedFormat},
		{name: "native", path: write("Native.dll", asmtest.Build(asmtest.Assembly{Native: true})), want: ReasonUnsupportedFormat},
		{name: "truncated", path: write("Cut.dll", good[:0x220]), want: ReasonMalformed},
		{name: "mz header only", path: write("Mz.dll", []byte("MZ")), want: ReasonMalformed},
	}

	e := newTestExtractor(Options{ProbeOptions: ProbeOptions{Root: dir}})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.ExtractByPathResult(tt.path)
			assert.False(t, res.OK())
			assert.Nil(t, res.Metadata)
			assert.Equal(t, tt.want, res.Reason, "got %s", res.Reason)
		})
	}
}

func TestExtractNeverExecutes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable here")
	}

	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	script := "#!/bin/sh\ntouch " + marker + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Foo.dll"), []byte(script), 0o755))

	e := newTestExtractor(Options{ProbeOptions: ProbeOptions{Root: dir}})

	_, ok := e.ExtractByName("Foo")
	assert.False(t, ok)
	_, ok = e.ExtractByPath(filepath.Join(dir, "Foo.dll"))
	assert.False(t, ok)

	assert.NoFileExists(t, marker)
}

func TestExtractTooLarge(t *testing.T) {
	dir := t.TempDir()
	path := asmtest.WriteFile(t, filepath.Join(dir, "Foo.dll"), fooWithBar())

	e := newTestExtractor(Options{ProbeOptions: ProbeOptions{Root: dir}, MaxImageSize: 128})
	res := e.ExtractByPathResult(path)
	assert.Equal(t, ReasonTooLarge, res.Reason)
}

func TestExtractSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}

	outside := t.TempDir()
	target := asmtest.WriteFile(t, filepath.Join(outside, "Foo.dll"), fooWithBar())

	dir := t.TempDir()
	require.NoError(t, os.Symlink(target, filepath.Join(dir, "Foo.dll")))

	e := newTestExtractor(Options{ProbeOptions: ProbeOptions{Root: dir}})
	res := e.ExtractByNameResult("Foo")
	assert.False(t, res.OK())
	assert.Equal(t, ReasonNotRegular, res.Reason)

	e = newTestExtractor(Options{ProbeOptions: ProbeOptions{Root: dir}, AllowSymlinks: true})
	md, ok := e.ExtractByName("Foo")
	require.True(t, ok)
	assert.Equal(t, "Foo", md.Name)
}

func TestExtractIdentityMismatch(t *testing.T) {
	dir := t.TempDir()
	asmtest.WriteFile(t, filepath.Join(dir, "Foo.dll"), asmtest.Assembly{Name: "Other", Version: "1.0"})
	asmtest.WriteFile(t, filepath.Join(dir, "Bar.dll"), asmtest.Assembly{Name: "Bar", Version: "2.0"})

	e := newTestExtractor(Options{ProbeOptions: ProbeOptions{Root: dir}})

	res := e.ExtractByNameResult("Foo")
	assert.Equal(t, ReasonIdentityMismatch, res.Reason)

	res = e.ExtractByNameResult("Bar, Version=1.0.0.0")
	assert.Equal(t, ReasonIdentityMismatch, res.Reason)

	res = e.ExtractByNameResult("../Bar")
	assert.Equal(t, ReasonInvalidName, res.Reason)
}

func TestExtractProbingLocations(t *testing.T) {
	dir := t.TempDir()
	asmtest.WriteFile(t, filepath.Join(dir, "bin", "Priv.dll"), asmtest.Assembly{Name: "Priv", Version: "1.0"})
	asmtest.WriteFile(t, filepath.Join(dir, "Nested", "Nested.dll"), asmtest.Assembly{Name: "Nested", Version: "1.0"})
	asmtest.WriteFile(t, filepath.Join(dir, "App.exe"), asmtest.Assembly{Name: "App", Version: "1.0", Exe: true})
	asmtest.WriteFile(t, filepath.Join(dir, "fr", "Res.dll"), asmtest.Assembly{Name: "Res", Version: "1.0", Culture: "fr"})

	search := t.TempDir()
	asmtest.WriteFile(t, filepath.Join(search, "Shared.dll"), asmtest.Assembly{Name: "Shared", Version: "3.0"})

	e := newTestExtractor(Options{ProbeOptions: ProbeOptions{
		Root:         dir,
		PrivatePaths: []string{"bin"},
		SearchPaths:  []string{search},
	}})

	for _, name := range []string{"Priv", "Nested", "App", "Res, Culture=fr", "Shared"} {
		t.Run(name, func(t *testing.T) {
			_, ok := e.ExtractByName(name)
			assert.True(t, ok)
		})
	}

	_, ok := e.ExtractByName("Res")
	assert.False(t, ok, "satellite assemblies only probe their culture directory")

	noAppBase := newTestExtractor(Options{ProbeOptions: ProbeOptions{
		Root:                           dir,
		SearchPaths:                    []string{search},
		DisallowApplicationBaseProbing: true,
	}})
	_, ok = noAppBase.ExtractByName("Priv")
	assert.False(t, ok)
	_, ok = noAppBase.ExtractByName("Shared")
	assert.True(t, ok)
}

func TestExtractCultureCannotLeaveRoot(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "root")
	require.NoError(t, os.Mkdir(root, 0o755))
	asmtest.WriteFile(t, filepath.Join(base, "x", "Foo.dll"), asmtest.Assembly{Name: "Foo", Version: "1.0", Culture: "../x"})

	e := newTestExtractor(Options{ProbeOptions: ProbeOptions{Root: root}})

	res := e.ExtractByNameResult("Foo, Culture=../x")
	assert.False(t, res.OK())
	assert.Equal(t, ReasonInvalidName, res.Reason)
}

func TestExtractBindingRedirect(t *testing.T) {
	dir := t.TempDir()
	asmtest.WriteFile(t, filepath.Join(dir, "Foo.dll"), asmtest.Assembly{Name: "Foo", Version: "2.0"})

	e := newTestExtractor(Options{ProbeOptions: ProbeOptions{Root: dir}})
	_, ok := e.ExtractByName("Foo, Version=1.0.0.0")
	assert.False(t, ok)

	old, err := ParseVersionRange("0.0.0.0-1.9.9.9")
	require.NoError(t, err)
	e = newTestExtractor(Options{ProbeOptions: ProbeOptions{
		Root:             dir,
		BindingRedirects: []Redirect{{Name: "Foo", Old: old, New: Version{Major: 2}}},
	}})
	md, ok := e.ExtractByName("Foo, Version=1.0.0.0")
	require.True(t, ok)
	assert.Equal(t, "2.0", md.Version.String())
}

func TestExtractCodeBase(t *testing.T) {
	dir := t.TempDir()
	elsewhere := t.TempDir()
	path := asmtest.WriteFile(t, filepath.Join(elsewhere, "Remote.dll"), asmtest.Assembly{Name: "Remote", Version: "1.0"})

	e := newTestExtractor(Options{ProbeOptions: ProbeOptions{
		Root: dir,
		CodeBases: []CodeBase{
			{Name: "Remote", Href: "http://example.com/Remote.dll"},
			{Name: "Remote", Href: "file://" + filepath.ToSlash(path)},
		},
	}})

	md, ok := e.ExtractByName("Remote")
	require.True(t, ok)
	assert.Equal(t, path, md.Location)
}

func TestExtractPublicKeyToken(t *testing.T) {
	dir := t.TempDir()
	key := []byte("not a real rsa key but hashed all the same")
	asmtest.WriteFile(t, filepath.Join(dir, "Signed.dll"), asmtest.Assembly{Name: "Signed", Version: "1.0", PublicKey: key})

	e := newTestExtractor(Options{ProbeOptions: ProbeOptions{Root: dir}})
	tok := expectedToken(key)

	md, ok := e.ExtractByName("Signed, PublicKeyToken=" + tok)
	require.True(t, ok)
	assert.Equal(t, tok, md.PublicKeyToken)

	_, ok = e.ExtractByName("Signed, PublicKeyToken=null")
	assert.False(t, ok)
}

func TestLoadedSet(t *testing.T) {
	dir := t.TempDir()
	path := asmtest.WriteFile(t, filepath.Join(dir, "Foo.dll"), fooWithBar())
	asmtest.WriteFile(t, filepath.Join(dir, "Bar.dll"), asmtest.Assembly{Name: "Bar", Version: "1.0"})

	e := newTestExtractor(Options{ProbeOptions: ProbeOptions{Root: dir}, LoadedCapacity: 8})
	assert.Empty(t, e.Loaded())

	_, ok := e.ExtractByName("Foo")
	require.True(t, ok)
	_, ok = e.ExtractByName("Bar")
	require.True(t, ok)
	_, ok = e.ExtractByName("Missing")
	require.False(t, ok)

	assert.Equal(t, []string{
		"Bar, Version=1.0.0.0, Culture=neutral, PublicKeyToken=null",
		"Foo, Version=1.0.0.0, Culture=neutral, PublicKeyToken=null",
	}, e.Loaded())

	// Returned snapshots are copies.
	md, _ := e.ExtractByName("Foo")
	md.Name = "Mutated"
	md, _ = e.ExtractByName("Foo")
	assert.Equal(t, "Foo", md.Name)

	// Changed content is re-read.
	asmtest.WriteFile(t, path, asmtest.Assembly{Name: "Foo", Version: "1.1"})
	md, ok = e.ExtractByPath(path)
	require.True(t, ok)
	assert.Equal(t, "1.1", md.Version.String())
	assert.Empty(t, md.References)
	assert.Len(t, e.Loaded(), 2)
}

func TestLoadedSetEviction(t *testing.T) {
	s := newLoadedSet(2)
	s.put("/a", 1, &Metadata{Name: "A"})
	s.put("/b", 2, &Metadata{Name: "B"})

	_, ok := s.get("/a", 1)
	require.True(t, ok)

	s.put("/c", 3, &Metadata{Name: "C"})
	assert.Equal(t, 2, s.len())

	_, ok = s.get("/b", 2)
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = s.get("/a", 1)
	assert.True(t, ok)

	_, ok = s.get("/a", 99)
	assert.False(t, ok, "fingerprint change drops the entry")
	assert.Equal(t, 1, s.len())
}
