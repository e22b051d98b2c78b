// Package assembly reads identity and dependency metadata out of binary
// modules without executing them.
//
// Images are only ever read through an io.ReaderAt. Nothing is mapped
// executable, nothing is started, so no module initializer can run.
package assembly

import (
	"fmt"
	"slices"
)

// Format identifies the reader that produced a Metadata value.
type Format string

const (
	FormatECMA335 Format = "ecma335"
	FormatGo      Format = "go"
)

// Reference is one declared dependency of an assembly.
type Reference struct {
	Name           string
	Version        Version
	Culture        string
	PublicKeyToken string
}

// FullName renders the reference as a display name.
func (r Reference) FullName() string {
	return displayName(r.Name, r.Version, r.Culture, r.PublicKeyToken)
}

// Metadata is an immutable snapshot of one module's identity and declared
// dependencies. It holds no handle on the file it was read from.
type Metadata struct {
	Name           string
	Version        Version
	Culture        string
	PublicKeyToken string
	Flags          uint32
	Location       string
	Format         Format
	References     []Reference
}

// FullName renders the assembly as a display name.
func (m *Metadata) FullName() string {
	return displayName(m.Name, m.Version, m.Culture, m.PublicKeyToken)
}

// Dependencies returns the simple names of the referenced assemblies in metadata order.
func (m *Metadata) Dependencies() []string {
	deps := make([]string, 0, len(m.References))
	for _, r := range m.References {
		deps = append(deps, r.Name)
	}
	return deps
}

// Clone returns a deep copy, so cached snapshots are never shared with callers.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	c.References = slices.Clone(m.References)
	return &c
}

func displayName(name string, v Version, culture, token string) string {
	if culture == "" {
		culture = "neutral"
	}
	if token == "" {
		token = "null"
	}
	return fmt.Sprintf("%s, Version=%s, Culture=%s, PublicKeyToken=%s", name, v.Full(), culture, token)
}
