package assembly

import (
	"net/url"
	"path/filepath"
	"strings"
)

// probeExtensions are tried in this order in every probed directory.
var probeExtensions = []string{".dll", ".exe"}

// Redirect rewrites a requested version, as binding redirects and publisher
// policy do. An empty PublicKeyToken matches any token.
type Redirect struct {
	Name           string
	PublicKeyToken string
	Old            VersionRange
	New            Version
}

// CodeBase points a name (and optionally a version) at an explicit location.
// Only local paths and file:// URLs are honored; nothing is ever downloaded.
type CodeBase struct {
	Name    string
	Version *Version
	Href    string
}

// ProbeOptions controls how ExtractByName turns a name into candidate files.
type ProbeOptions struct {
	// Root is the application base every relative location resolves against.
	Root string

	// PrivatePaths are subdirectories of Root probed after Root itself.
	// Entries that escape Root are ignored.
	PrivatePaths []string

	// SearchPaths are probed after the application base, in order.
	SearchPaths []string

	DisallowApplicationBaseProbing bool

	BindingRedirects []Redirect
	PublisherPolicy  []Redirect
	CodeBases        []CodeBase
}

// applyRedirects returns the name with its version rewritten by the first
// matching rule of each rule set, binding redirects before publisher policy.
func (o *ProbeOptions) applyRedirects(n Name) Name {
	for _, rules := range [][]Redirect{o.BindingRedirects, o.PublisherPolicy} {
		if n.Version == nil {
			return n
		}
		for _, r := range rules {
			if !strings.EqualFold(r.Name, n.Name) {
				continue
			}
			if r.PublicKeyToken != "" && !strings.EqualFold(r.PublicKeyToken, n.PublicKeyToken) {
				continue
			}
			if r.Old.Contains(*n.Version) {
				v := r.New
				n.Version = &v
				break
			}
		}
	}
	return n
}

// candidates lists the files probed for n, in order.
func (o *ProbeOptions) candidates(n Name) []string {
	var out []string

	if cb, ok := o.codeBase(n); ok {
		out = append(out, cb)
	}

	if !o.DisallowApplicationBaseProbing && o.Root != "" {
		dirs := []string{o.Root}
		for _, p := range o.PrivatePaths {
			if d, ok := withinRoot(o.Root, p); ok {
				dirs = append(dirs, d)
			}
		}
		for _, d := range dirs {
			if n.Culture != "" {
				cd, ok := withinRoot(d, n.Culture)
				if !ok {
					continue
				}
				d = cd
			}
			for _, ext := range probeExtensions {
				out = append(out,
					filepath.Join(d, n.Name+ext),
					filepath.Join(d, n.Name, n.Name+ext),
				)
			}
		}
		out = append(out, filepath.Join(o.Root, n.Name))
	}

	for _, d := range o.SearchPaths {
		for _, ext := range probeExtensions {
			out = append(out, filepath.Join(d, n.Name+ext))
		}
		out = append(out, filepath.Join(d, n.Name))
	}

	return out
}

func (o *ProbeOptions) codeBase(n Name) (string, bool) {
	for _, cb := range o.CodeBases {
		if !strings.EqualFold(cb.Name, n.Name) {
			continue
		}
		if cb.Version != nil && (n.Version == nil || cb.Version.Compare(*n.Version) != 0) {
			continue
		}
		if p, ok := localHref(o.Root, cb.Href); ok {
			return p, true
		}
	}
	return "", false
}

// localHref resolves a code base to a local path. Remote schemes are refused.
func localHref(root, href string) (string, bool) {
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	switch {
	case u.Scheme == "file":
		if u.Host != "" && u.Host != "localhost" {
			return "", false
		}
		return filepath.FromSlash(u.Path), true
	case u.Scheme == "" || len(u.Scheme) == 1:
		// Plain paths, including Windows drive letters parsed as a scheme.
		if filepath.IsAbs(href) {
			return href, true
		}
		return filepath.Join(root, href), true
	default:
		return "", false
	}
}

// withinRoot joins p to root and reports whether the result stays inside root.
func withinRoot(root, p string) (string, bool) {
	if filepath.IsAbs(p) {
		return "", false
	}
	joined := filepath.Join(root, p)
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return joined, true
}
