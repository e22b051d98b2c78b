package isolation

import (
	"context"
	"fmt"

	"github.com/snowmerak/asmprobe/lib/assembly"
	"github.com/snowmerak/asmprobe/lib/wire"
)

// Extractor is the caller's handle on the extractor running inside a
// context's worker. A missing or unreadable assembly is reported as
// (nil, false, nil); errors mean the context itself could not serve the call.
type Extractor struct {
	c *Context
}

// Context returns the context the extractor runs in.
func (e *Extractor) Context() *Context {
	return e.c
}

// ExtractByName resolves a display name such as
// "Foo, Version=1.0.0.0, Culture=neutral, PublicKeyToken=null" against the
// context root and returns the identity of the assembly found.
func (e *Extractor) ExtractByName(ctx context.Context, name string) (*assembly.Metadata, bool, error) {
	return e.extract(ctx, wire.NameExtractByName, name)
}

// ExtractByPath reads the assembly at path. Relative paths are taken from
// the context root.
func (e *Extractor) ExtractByPath(ctx context.Context, path string) (*assembly.Metadata, bool, error) {
	return e.extract(ctx, wire.NameExtractByPath, path)
}

func (e *Extractor) extract(ctx context.Context, service, target string) (*assembly.Metadata, bool, error) {
	req := wire.Request{Target: target}
	payload, err := req.MarshalBinary()
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := e.c.call(ctx, service, payload)
	if err != nil {
		return nil, false, err
	}

	var r wire.Response
	if err := r.UnmarshalBinary(resp.Payload); err != nil {
		return nil, false, fmt.Errorf("failed to decode response: %w", err)
	}

	if !r.Found {
		e.c.logger.Debug().
			Str("service", service).
			Str("target", target).
			Stringer("reason", r.Reason).
			Msg("Assembly not available")
		return nil, false, nil
	}
	return r.Metadata, true, nil
}
