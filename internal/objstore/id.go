package objstore

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// rawSize is the length of a SHA-1 digest in bytes.
const rawSize = sha1.Size

// ID is a content-addressed object identifier. The zero value is the
// null id and never names a real object.
type ID [rawSize]byte

// String renders the id as lowercase hex, matching the on-disk and
// wire representation used throughout the engine.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsNull reports whether id is the zero value.
func (id ID) IsNull() bool {
	return id == ID{}
}

// ParseID decodes a hex string produced by ID.String.
func ParseID(s string) (ID, error) {
	var id ID
	if hex.DecodedLen(len(s)) != rawSize {
		return ID{}, fmt.Errorf("objstore: %q is not a valid object id", s)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return ID{}, fmt.Errorf("objstore: %q is not a valid object id: %w", s, err)
	}
	return id, nil
}

// Sum computes the content-addressed id of data. Used for blobs,
// canonical tree encodings, and canonical commit encodings alike.
func Sum(data []byte) ID {
	return ID(sha1.Sum(data))
}

// ByID sorts a slice of IDs, used when a deterministic tree/commit
// encoding needs its child ids in a stable order.
type ByID []ID

func (p ByID) Len() int           { return len(p) }
func (p ByID) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p ByID) Less(i, j int) bool { return bytes.Compare(p[i][:], p[j][:]) < 0 }
