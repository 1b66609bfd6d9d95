package merkle

import "google.golang.org/protobuf/proto"

// marshalDeterministic serializes m with a stable field order so that two
// structurally identical Directory messages always produce the same bytes,
// and therefore the same digest. REAPI relies on this: a directory's digest
// is meaningless unless the same content always serializes identically.
func marshalDeterministic(m proto.Message) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}
