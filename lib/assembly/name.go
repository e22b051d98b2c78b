package assembly

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidName is returned by ParseName for unusable display names.
var ErrInvalidName = errors.New("invalid assembly name")

// Name is a parsed assembly display name such as
// "Foo, Version=1.0.0.0, Culture=neutral, PublicKeyToken=null".
type Name struct {
	Name string

	// Version is nil when the display name does not pin one.
	Version *Version

	// Culture is "" for neutral.
	Culture string

	// PublicKeyToken is lower hex. TokenSpecified distinguishes an explicit
	// "PublicKeyToken=null" (unsigned) from no constraint at all.
	PublicKeyToken string
	TokenSpecified bool
}

// ParseName parses a simple or display assembly name. Unknown attributes are ignored.
func ParseName(s string) (Name, error) {
	parts := strings.Split(s, ",")
	simple := strings.TrimSpace(parts[0])
	if simple == "" {
		return Name{}, fmt.Errorf("%w: empty simple name in %q", ErrInvalidName, s)
	}
	if pathLike(simple) {
		return Name{}, fmt.Errorf("%w: simple name %q looks like a path", ErrInvalidName, simple)
	}

	n := Name{Name: simple}
	for _, attr := range parts[1:] {
		key, value, ok := strings.Cut(attr, "=")
		if !ok {
			return Name{}, fmt.Errorf("%w: attribute %q has no value", ErrInvalidName, strings.TrimSpace(attr))
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "version":
			v, err := ParseVersion(value)
			if err != nil {
				return Name{}, fmt.Errorf("%w: %v", ErrInvalidName, err)
			}
			n.Version = &v
		case "culture":
			if pathLike(value) {
				return Name{}, fmt.Errorf("%w: culture %q looks like a path", ErrInvalidName, value)
			}
			if !strings.EqualFold(value, "neutral") {
				n.Culture = value
			}
		case "publickeytoken":
			n.TokenSpecified = true
			if strings.EqualFold(value, "null") {
				continue
			}
			tok, err := hex.DecodeString(value)
			if err != nil || len(tok) != 8 {
				return Name{}, fmt.Errorf("%w: public key token %q", ErrInvalidName, value)
			}
			n.PublicKeyToken = strings.ToLower(value)
		}
	}

	return n, nil
}

// pathLike reports whether a name component could leave the directory it is
// joined to.
func pathLike(s string) bool {
	return strings.ContainsAny(s, `/\:`) || s == "." || s == ".."
}

// String renders the display name with only the attributes that are set.
func (n Name) String() string {
	var b strings.Builder
	b.WriteString(n.Name)
	if n.Version != nil {
		fmt.Fprintf(&b, ", Version=%s", n.Version.Full())
	}
	if n.Culture != "" {
		fmt.Fprintf(&b, ", Culture=%s", n.Culture)
	}
	if n.TokenSpecified {
		tok := n.PublicKeyToken
		if tok == "" {
			tok = "null"
		}
		fmt.Fprintf(&b, ", PublicKeyToken=%s", tok)
	}
	return b.String()
}

// Matches reports whether the metadata satisfies the constraints of the name.
// Simple names compare case-insensitively, like the loader they model.
func (n Name) Matches(md *Metadata) bool {
	if !strings.EqualFold(n.Name, md.Name) {
		return false
	}
	if n.Version != nil && n.Version.Compare(md.Version) != 0 {
		return false
	}
	if n.Culture != "" && !strings.EqualFold(n.Culture, md.Culture) {
		return false
	}
	if n.TokenSpecified && n.PublicKeyToken != md.PublicKeyToken {
		return false
	}
	return true
}
