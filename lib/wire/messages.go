package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/snowmerak/asmprobe/lib/assembly"
)

// ErrWireType is returned when a known field arrives with an unexpected wire type.
var ErrWireType = errors.New("unexpected wire type")

// Request asks the worker to extract one assembly, by name or by path
// depending on the header name.
type Request struct {
	Target string
}

// Response answers a Request. Metadata is nil when Found is false; Reason is
// diagnostic only.
type Response struct {
	Found    bool
	Metadata *assembly.Metadata
	Reason   assembly.Reason
}

// LoadedList answers a "loaded" request.
type LoadedList struct {
	Names []string
}

// Field numbers. They are part of the host/worker contract; never renumber.
const (
	fieldRequestTarget protowire.Number = 1

	fieldResponseFound    protowire.Number = 1
	fieldResponseMetadata protowire.Number = 2
	fieldResponseReason   protowire.Number = 3

	fieldMetadataName       protowire.Number = 1
	fieldMetadataVersion    protowire.Number = 2
	fieldMetadataCulture    protowire.Number = 3
	fieldMetadataToken      protowire.Number = 4
	fieldMetadataFlags      protowire.Number = 5
	fieldMetadataLocation   protowire.Number = 6
	fieldMetadataFormat     protowire.Number = 7
	fieldMetadataReferences protowire.Number = 8

	fieldReferenceName    protowire.Number = 1
	fieldReferenceVersion protowire.Number = 2
	fieldReferenceCulture protowire.Number = 3
	fieldReferenceToken   protowire.Number = 4

	fieldLoadedNames protowire.Number = 1
)

// MarshalBinary encodes the request.
func (r *Request) MarshalBinary() ([]byte, error) {
	return appendString(nil, fieldRequestTarget, r.Target), nil
}

// UnmarshalBinary decodes a request; unknown fields are skipped.
func (r *Request) UnmarshalBinary(b []byte) error {
	*r = Request{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		if num != fieldRequestTarget {
			return 0, false, nil
		}
		v, n, err := consumeString(num, typ, b)
		r.Target = v
		return n, true, err
	})
}

// MarshalBinary encodes the response.
func (r *Response) MarshalBinary() ([]byte, error) {
	var b []byte
	if r.Found {
		b = protowire.AppendTag(b, fieldResponseFound, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if r.Metadata != nil {
		b = protowire.AppendTag(b, fieldResponseMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, appendMetadata(nil, r.Metadata))
	}
	if r.Reason != assembly.ReasonNone {
		b = protowire.AppendTag(b, fieldResponseReason, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Reason))
	}
	return b, nil
}

// UnmarshalBinary decodes a response; unknown fields are skipped.
func (r *Response) UnmarshalBinary(b []byte) error {
	*r = Response{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		switch num {
		case fieldResponseFound:
			v, n, err := consumeVarint(num, typ, b)
			r.Found = protowire.DecodeBool(v)
			return n, true, err
		case fieldResponseMetadata:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return n, true, err
			}
			md, err := decodeMetadata(v)
			r.Metadata = md
			return n, true, err
		case fieldResponseReason:
			v, n, err := consumeVarint(num, typ, b)
			r.Reason = assembly.Reason(v)
			return n, true, err
		}
		return 0, false, nil
	})
	if err != nil {
		return err
	}
	if r.Found != (r.Metadata != nil) {
		return fmt.Errorf("response: found=%t but metadata present=%t", r.Found, r.Metadata != nil)
	}
	return nil
}

// MarshalBinary encodes the list.
func (l *LoadedList) MarshalBinary() ([]byte, error) {
	var b []byte
	for _, name := range l.Names {
		b = appendString(b, fieldLoadedNames, name)
	}
	return b, nil
}

// UnmarshalBinary decodes the list.
func (l *LoadedList) UnmarshalBinary(b []byte) error {
	*l = LoadedList{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		if num != fieldLoadedNames {
			return 0, false, nil
		}
		v, n, err := consumeString(num, typ, b)
		if err == nil {
			l.Names = append(l.Names, v)
		}
		return n, true, err
	})
}

func appendMetadata(b []byte, md *assembly.Metadata) []byte {
	b = appendString(b, fieldMetadataName, md.Name)
	b = appendVersion(b, fieldMetadataVersion, md.Version)
	b = appendString(b, fieldMetadataCulture, md.Culture)
	b = appendString(b, fieldMetadataToken, md.PublicKeyToken)
	if md.Flags != 0 {
		b = protowire.AppendTag(b, fieldMetadataFlags, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(md.Flags))
	}
	b = appendString(b, fieldMetadataLocation, md.Location)
	b = appendString(b, fieldMetadataFormat, string(md.Format))
	for _, ref := range md.References {
		var rb []byte
		rb = appendString(rb, fieldReferenceName, ref.Name)
		rb = appendVersion(rb, fieldReferenceVersion, ref.Version)
		rb = appendString(rb, fieldReferenceCulture, ref.Culture)
		rb = appendString(rb, fieldReferenceToken, ref.PublicKeyToken)

		b = protowire.AppendTag(b, fieldMetadataReferences, protowire.BytesType)
		b = protowire.AppendBytes(b, rb)
	}
	return b
}

func decodeMetadata(b []byte) (*assembly.Metadata, error) {
	md := &assembly.Metadata{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		var (
			s   string
			n   int
			err error
		)
		switch num {
		case fieldMetadataName:
			s, n, err = consumeString(num, typ, b)
			md.Name = s
		case fieldMetadataVersion:
			md.Version, n, err = consumeVersion(num, typ, b)
		case fieldMetadataCulture:
			s, n, err = consumeString(num, typ, b)
			md.Culture = s
		case fieldMetadataToken:
			s, n, err = consumeString(num, typ, b)
			md.PublicKeyToken = s
		case fieldMetadataFlags:
			var v uint64
			v, n, err = consumeVarint(num, typ, b)
			md.Flags = uint32(v)
		case fieldMetadataLocation:
			s, n, err = consumeString(num, typ, b)
			md.Location = s
		case fieldMetadataFormat:
			s, n, err = consumeString(num, typ, b)
			md.Format = assembly.Format(s)
		case fieldMetadataReferences:
			var rb []byte
			rb, n, err = consumeBytes(num, typ, b)
			if err != nil {
				return n, true, err
			}
			ref, rerr := decodeReference(rb)
			if rerr != nil {
				return n, true, rerr
			}
			md.References = append(md.References, ref)
		default:
			return 0, false, nil
		}
		return n, true, err
	})
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return md, nil
}

func decodeReference(b []byte) (assembly.Reference, error) {
	var ref assembly.Reference
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		var (
			s   string
			n   int
			err error
		)
		switch num {
		case fieldReferenceName:
			s, n, err = consumeString(num, typ, b)
			ref.Name = s
		case fieldReferenceVersion:
			ref.Version, n, err = consumeVersion(num, typ, b)
		case fieldReferenceCulture:
			s, n, err = consumeString(num, typ, b)
			ref.Culture = s
		case fieldReferenceToken:
			s, n, err = consumeString(num, typ, b)
			ref.PublicKeyToken = s
		default:
			return 0, false, nil
		}
		return n, true, err
	})
	if err != nil {
		return assembly.Reference{}, fmt.Errorf("reference: %w", err)
	}
	return ref, nil
}

// fieldFunc consumes the value of one field. handled=false asks the caller to skip it.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (n int, handled bool, err error)

func consumeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, handled, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if !handled {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Versions pack into one varint, 16 bits per component, major first.
func appendVersion(b []byte, num protowire.Number, v assembly.Version) []byte {
	if v.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v.Major)<<48|uint64(v.Minor)<<32|uint64(v.Build)<<16|uint64(v.Revision))
}

func consumeVersion(num protowire.Number, typ protowire.Type, b []byte) (assembly.Version, int, error) {
	v, n, err := consumeVarint(num, typ, b)
	if err != nil {
		return assembly.Version{}, n, err
	}
	return assembly.Version{
		Major:    uint16(v >> 48),
		Minor:    uint16(v >> 32),
		Build:    uint16(v >> 16),
		Revision: uint16(v),
	}, n, nil
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("field %d: %w %d", num, ErrWireType, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("field %d: %w %d", num, ErrWireType, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := consumeBytes(num, typ, b)
	return string(v), n, err
}
