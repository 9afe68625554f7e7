package chunkkey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// BinaryLen is the length of the raw key in bytes.
	BinaryLen = sha256.Size

	// StringLen is the length of the hexadecimal string representation.
	StringLen = BinaryLen * 2
)

var ErrInvalidKey = errors.New("invalid chunk key")

// A Key identifies one chunk of one file on a shard. It is a SHA-256 digest
// of the upload context (owner, canonical path, sequence) — NOT of the chunk
// bytes. Re-uploading the same path therefore reuses the same keys, and the
// shard's overwrite-on-put depends on that stability.
//
// Key holds the string representation alongside the raw bytes to avoid
// re-encoding. Key implements the MarshalBinary and UnmarshalBinary
// interfaces to assist CBOR encoding.
type Key struct {
	b [BinaryLen]byte
	s string
}

// New derives the key for the chunk at the given 0-based sequence position
// of (owner, path).
func New(owner, path string, sequence int) Key {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%d", owner, path, sequence)))
	return Key{
		b: sum,
		s: hex.EncodeToString(sum[:]),
	}
}

// Parse validates and decodes the hexadecimal string form of a key.
// Anything that is not exactly StringLen hex characters is rejected, which
// doubles as the storage-namespace guard: a parsed key can never contain a
// path separator or dot segment.
func Parse(s string) (Key, error) {
	if len(s) != StringLen {
		return Key{}, ErrInvalidKey
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, ErrInvalidKey
	}

	k := Key{s: s}
	copy(k.b[:], raw)
	return k, nil
}

func (k Key) String() string {
	return k.s
}

// IsZero reports whether the key is the zero value, which no valid
// derivation or parse produces.
func (k Key) IsZero() bool {
	return k.s == ""
}

func (k Key) MarshalBinary() ([]byte, error) {
	if k.IsZero() {
		return nil, ErrInvalidKey
	}
	return k.b[:], nil
}

func (k *Key) UnmarshalBinary(data []byte) error {
	if len(data) != BinaryLen {
		return ErrInvalidKey
	}
	copy(k.b[:], data)
	k.s = hex.EncodeToString(data)
	return nil
}

func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Key) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	key, err := Parse(s)
	if err != nil {
		return err
	}
	*k = key
	return nil
}

// Equal helper
func (k Key) Equal(other Key) bool {
	return k.b == other.b
}
