package metric

import "fmt"

// Raw preserves a state whose kind this build has no decoder for, e.g.
// one written by a newer version. It round-trips through persistence
// unchanged so that unknown metric keys are retained, never dropped.
type Raw struct {
	kind string
	data []byte
}

// NewRaw wraps an opaque serialized state.
func NewRaw(kind string, data []byte) *Raw {
	d := make([]byte, len(data))
	copy(d, data)
	return &Raw{kind: kind, data: d}
}

func (r *Raw) Kind() string { return r.kind }

// Merge cannot combine states it does not understand and reports an
// error; callers keep the existing raw entry instead.
func (r *Raw) Merge(other State) (State, error) {
	return nil, fmt.Errorf("%w %q: cannot merge", ErrUnknownKind, r.kind)
}

// Metric exposes the undecoded payload as an opaque sketch handle.
func (r *Raw) Metric() Value { return Sketch(r.kind, r.data) }

func (r *Raw) Serialize() []byte {
	d := make([]byte, len(r.data))
	copy(d, r.data)
	return d
}
