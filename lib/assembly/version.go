package assembly

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a four-part assembly version as stored in metadata tables.
type Version struct {
	Major    uint16
	Minor    uint16
	Build    uint16
	Revision uint16
}

// ParseVersion parses "major.minor[.build[.revision]]".
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 || len(parts) > 4 {
		return Version{}, fmt.Errorf("invalid version %q: want 2 to 4 components", s)
	}

	var comps [4]uint16
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: component %d: %w", s, i, err)
		}
		comps[i] = uint16(n)
	}

	return Version{Major: comps[0], Minor: comps[1], Build: comps[2], Revision: comps[3]}, nil
}

// String renders the version without trailing zero components past the minor
// one: 1.0.0.0 is "1.0", 1.2.3.0 is "1.2.3".
func (v Version) String() string {
	switch {
	case v.Revision != 0:
		return v.Full()
	case v.Build != 0:
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build)
	default:
		return fmt.Sprintf("%d.%d", v.Major, v.Minor)
	}
}

// Full renders all four components.
func (v Version) Full() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
}

// IsZero reports whether every component is zero.
func (v Version) IsZero() bool {
	return v == Version{}
}

// Compare returns -1, 0 or +1.
func (v Version) Compare(o Version) int {
	a := [4]uint16{v.Major, v.Minor, v.Build, v.Revision}
	b := [4]uint16{o.Major, o.Minor, o.Build, o.Revision}
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// VersionRange is an inclusive range, as used by binding redirects ("1.0.0.0-1.9.9.9").
type VersionRange struct {
	Low  Version
	High Version
}

// ParseVersionRange accepts a single version or "low-high".
func ParseVersionRange(s string) (VersionRange, error) {
	low, high, found := strings.Cut(s, "-")
	lv, err := ParseVersion(low)
	if err != nil {
		return VersionRange{}, err
	}
	if !found {
		return VersionRange{Low: lv, High: lv}, nil
	}

	hv, err := ParseVersion(high)
	if err != nil {
		return VersionRange{}, err
	}
	if lv.Compare(hv) > 0 {
		return VersionRange{}, fmt.Errorf("invalid version range %q: low is above high", s)
	}
	return VersionRange{Low: lv, High: hv}, nil
}

// Contains reports whether v lies within the range.
func (r VersionRange) Contains(v Version) bool {
	return r.Low.Compare(v) <= 0 && v.Compare(r.High) <= 0
}
