package statesync

import "fmt"

// Codec converts an integration's opaque state value to and from its
// serialized string form used on the wire and in the backend cache.
type Codec interface {
	Encode(state interface{}) (string, error)
	Decode(raw string) (interface{}, error)
}

type snapshotKind int

const (
	snapshotAbsent snapshotKind = iota
	snapshotHydrated
	snapshotSerialized
)

// Snapshot is a derived-state value at a specific block, held either
// hydrated (native value) or serialized (opaque string). Serialized
// snapshots hydrate lazily on first read and keep the hydrated form.
type Snapshot struct {
	kind  snapshotKind
	value interface{}
	raw   string
}

func HydratedSnapshot(value interface{}) *Snapshot {
	return &Snapshot{kind: snapshotHydrated, value: value}
}

func SerializedSnapshot(raw string) *Snapshot {
	return &Snapshot{kind: snapshotSerialized, raw: raw}
}

func (s *Snapshot) IsAbsent() bool {
	return s == nil || s.kind == snapshotAbsent
}

// Value returns the hydrated state, deserializing once if needed. The
// hydrated form replaces the serialized one so later reads skip decoding.
func (s *Snapshot) Value(codec Codec) (interface{}, error) {
	switch s.kind {
	case snapshotHydrated:
		return s.value, nil
	case snapshotSerialized:
		if codec == nil {
			return nil, fmt.Errorf("serialized snapshot requires a codec")
		}
		value, err := codec.Decode(s.raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		s.kind = snapshotHydrated
		s.value = value
		s.raw = ""
		return value, nil
	default:
		return nil, fmt.Errorf("snapshot is absent")
	}
}

// Serialized returns the wire form, encoding on demand for hydrated values
func (s *Snapshot) Serialized(codec Codec) (string, error) {
	switch s.kind {
	case snapshotSerialized:
		return s.raw, nil
	case snapshotHydrated:
		if codec == nil {
			return "", fmt.Errorf("hydrated snapshot requires a codec to serialize")
		}
		return codec.Encode(s.value)
	default:
		return "", fmt.Errorf("snapshot is absent")
	}
}
