package assembly

import (
	"debug/buildinfo"
	"io"
	"path"
	"strconv"
	"strings"
)

// goReader reads the build information the Go linker embeds in executables.
type goReader struct{}

func (goReader) Format() Format { return FormatGo }

func (goReader) Read(r io.ReaderAt, _ int64) (*Metadata, error) {
	bi, err := buildinfo.Read(r)
	if err != nil {
		return nil, errUnrecognized
	}

	modPath := bi.Main.Path
	if modPath == "" {
		modPath = bi.Path
	}

	md := &Metadata{
		Name:    path.Base(modPath),
		Version: parseModuleVersion(bi.Main.Version),
	}
	if modPath == "" {
		md.Name = ""
	}

	for _, dep := range bi.Deps {
		if dep == nil {
			continue
		}
		ref := Reference{Name: dep.Path, Version: parseModuleVersion(dep.Version)}
		if dep.Replace != nil && dep.Replace.Version != "" {
			ref.Version = parseModuleVersion(dep.Replace.Version)
		}
		md.References = append(md.References, ref)
	}

	return md, nil
}

// parseModuleVersion maps a module version ("v1.2.3", "v0.0.0-2024...-abc",
// "v2.1.0+incompatible", "(devel)") onto the first three components.
// Anything unparseable maps to the zero version.
func parseModuleVersion(v string) Version {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}

	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return Version{}
	}
	var comps [3]uint16
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Version{}
		}
		comps[i] = uint16(n)
	}
	return Version{Major: comps[0], Minor: comps[1], Build: comps[2]}
}
