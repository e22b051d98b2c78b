// Package config loads the optional probe configuration file that sits in a
// context root and turns it into probing options.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/snowmerak/asmprobe/lib/assembly"
)

// FileName is the probe configuration file looked up in a context root.
const FileName = "asmprobe.yaml"

// maxFileSize bounds the configuration file.
const maxFileSize = 1 << 20

// ErrInvalid marks a configuration file that exists but cannot be used.
var ErrInvalid = errors.New("invalid probe configuration")

// File mirrors the YAML document.
type File struct {
	Probing struct {
		PrivatePaths []string `yaml:"privatePaths"`
	} `yaml:"probing"`
	BindingRedirects []RedirectEntry `yaml:"bindingRedirects"`
	PublisherPolicy  []RedirectEntry `yaml:"publisherPolicy"`
	CodeBases        []CodeBaseEntry `yaml:"codeBases"`
}

type RedirectEntry struct {
	Name           string `yaml:"name"`
	PublicKeyToken string `yaml:"publicKeyToken"`
	OldVersion     string `yaml:"oldVersion"`
	NewVersion     string `yaml:"newVersion"`
}

type CodeBaseEntry struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Href    string `yaml:"href"`
}

// Probe is the validated configuration.
type Probe struct {
	PrivatePaths     []string
	BindingRedirects []assembly.Redirect
	PublisherPolicy  []assembly.Redirect
	CodeBases        []assembly.CodeBase
}

// Gates selects which parts of a Probe are honored.
type Gates struct {
	BindingRedirects bool
	PublisherPolicy  bool
	CodeBases        bool
}

// LoadProbe reads FileName from root. A missing file yields an empty Probe.
func LoadProbe(root string) (*Probe, error) {
	path := filepath.Join(root, FileName)

	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Probe{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrInvalid, path)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrInvalid, path, maxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	p, err := ParseProbe(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParseProbe parses and validates a configuration document. Unknown keys are rejected.
func ParseProbe(data []byte) (*Probe, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	p := &Probe{}
	for _, dir := range f.Probing.PrivatePaths {
		clean := filepath.Clean(filepath.FromSlash(dir))
		if dir == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%w: private path %q must stay inside the root", ErrInvalid, dir)
		}
		p.PrivatePaths = append(p.PrivatePaths, clean)
	}

	var err error
	if p.BindingRedirects, err = redirects("bindingRedirects", f.BindingRedirects); err != nil {
		return nil, err
	}
	if p.PublisherPolicy, err = redirects("publisherPolicy", f.PublisherPolicy); err != nil {
		return nil, err
	}

	for i, e := range f.CodeBases {
		if e.Name == "" || e.Href == "" {
			return nil, fmt.Errorf("%w: codeBases[%d]: name and href are required", ErrInvalid, i)
		}
		cb := assembly.CodeBase{Name: e.Name, Href: e.Href}
		if e.Version != "" {
			v, err := assembly.ParseVersion(e.Version)
			if err != nil {
				return nil, fmt.Errorf("%w: codeBases[%d]: %v", ErrInvalid, i, err)
			}
			cb.Version = &v
		}
		p.CodeBases = append(p.CodeBases, cb)
	}

	return p, nil
}

func redirects(section string, entries []RedirectEntry) ([]assembly.Redirect, error) {
	var out []assembly.Redirect
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: %s[%d]: name is required", ErrInvalid, section, i)
		}
		old, err := assembly.ParseVersionRange(e.OldVersion)
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d]: oldVersion: %v", ErrInvalid, section, i, err)
		}
		newVersion, err := assembly.ParseVersion(e.NewVersion)
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d]: newVersion: %v", ErrInvalid, section, i, err)
		}
		token := strings.ToLower(e.PublicKeyToken)
		if token != "" {
			if b, err := hex.DecodeString(token); err != nil || len(b) != 8 {
				return nil, fmt.Errorf("%w: %s[%d]: publicKeyToken %q", ErrInvalid, section, i, e.PublicKeyToken)
			}
		}
		out = append(out, assembly.Redirect{Name: e.Name, PublicKeyToken: token, Old: old, New: newVersion})
	}
	return out, nil
}

// Apply copies the gated parts of p into opts. Private paths are always applied.
func (p *Probe) Apply(opts *assembly.ProbeOptions, gates Gates) {
	opts.PrivatePaths = append(opts.PrivatePaths, p.PrivatePaths...)
	if gates.BindingRedirects {
		opts.BindingRedirects = append(opts.BindingRedirects, p.BindingRedirects...)
	}
	if gates.PublisherPolicy {
		opts.PublisherPolicy = append(opts.PublisherPolicy, p.PublisherPolicy...)
	}
	if gates.CodeBases {
		opts.CodeBases = append(opts.CodeBases, p.CodeBases...)
	}
}
