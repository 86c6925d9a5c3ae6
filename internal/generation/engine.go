package generation

import (
	"context"
	"io"
)

// Request describes one generation run handed to the engine.
type Request struct {
	SessionID  string
	SubjectKey string
	Kind       Kind
	Seed       map[string]any
}

// Unit is one unit of work reported by the engine. Any combination of fields
// may be set; a zero Unit is ignored.
type Unit struct {
	// SubResult is an incremental check or section result.
	SubResult *SubResult
	// Progress is a human-readable status line; it overwrites the previous
	// one.
	Progress string
	// Final is the engine-supplied artifact for pass-through subjects. It is
	// remembered and applied when the stream ends.
	Final *FinalPayload
}

// Stream yields work units for one run. Next blocks until the engine has the
// next unit and returns io.EOF when the run is finished.
type Stream interface {
	Next(ctx context.Context) (Unit, error)
	Close() error
}

// Engine is the opaque external generation collaborator. Implementations run
// for minutes; the driver owns all session-store writes around them.
type Engine interface {
	Generate(ctx context.Context, req Request) (Stream, error)
}

// SliceStream adapts a precomputed unit slice into a Stream. Scripted engines
// and tests build on it.
type SliceStream struct {
	units []Unit
	pos   int
}

// NewSliceStream returns a Stream that yields the given units in order.
func NewSliceStream(units []Unit) *SliceStream {
	return &SliceStream{units: units}
}

func (s *SliceStream) Next(ctx context.Context) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return Unit{}, err
	}
	if s.pos >= len(s.units) {
		return Unit{}, io.EOF
	}
	unit := s.units[s.pos]
	s.pos++
	return unit, nil
}

func (s *SliceStream) Close() error { return nil }
