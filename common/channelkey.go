// Package common holds the types shared by every PearTube component, the
// way go-ethereum's common package holds Hash and Address. ChannelKey is
// the central identifier: a 32-byte ed25519 public key, represented
// canonically as 64 lowercase hex characters (spec.md §3).
package common

import (
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/ayooooo123/peartube-sub004/perr"
)

// KeyLength is the expected length of a ChannelKey in bytes.
const KeyLength = 32

var canonicalKeyRE = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ChannelKey identifies both a channel and its metadata append-only log
// (spec.md §3).
type ChannelKey [KeyLength]byte

// ZeroKey is the empty ChannelKey, never a valid channel identity.
var ZeroKey ChannelKey

// ParseChannelKey validates s against ^[a-f0-9]{64}$ and decodes it. It is
// the single ingress gate referenced by spec.md §8's "Key hygiene"
// invariant: every component that accepts a key from the outside world
// calls this instead of hand-rolling its own check.
func ParseChannelKey(s string) (ChannelKey, error) {
	var k ChannelKey
	if !canonicalKeyRE.MatchString(s) {
		return k, fmt.Errorf("%w: %q is not 64 lowercase hex characters", perr.ErrInvalidKey, s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", perr.ErrInvalidKey, err)
	}
	copy(k[:], b)
	return k, nil
}

// MustParseChannelKey panics on invalid input; used for constants in tests.
func MustParseChannelKey(s string) ChannelKey {
	k, err := ParseChannelKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// IsValid reports whether k is a usable channel identity: it is not the
// zero key and round-trips through the canonical hex form. ParseChannelKey
// accepts an all-zero hex string, so callers that take a ChannelKey from
// any source should check this before treating it as a valid identity.
func (k ChannelKey) IsValid() bool {
	return !k.IsZero() && canonicalKeyRE.MatchString(k.String())
}

// String returns the canonical 64-character lowercase hex form.
func (k ChannelKey) String() string {
	return hex.EncodeToString(k[:])
}

// Bytes returns the raw 32 bytes.
func (k ChannelKey) Bytes() []byte { return k[:] }

// IsZero reports whether k is the zero key.
func (k ChannelKey) IsZero() bool { return k == ZeroKey }

func (k ChannelKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *ChannelKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseChannelKey(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Value implements driver.Valuer so a ChannelKey can be stored directly in
// the KV store's JSON blobs or a SQL column if one is ever added.
func (k ChannelKey) Value() (driver.Value, error) { return k.String(), nil }

// SortChannelKeys returns a new, ascending-sorted copy, used wherever a
// deterministic iteration order over keys matters (tests, gossip fan-out
// logging).
func SortChannelKeys(keys []ChannelKey) []ChannelKey {
	out := make([]ChannelKey, len(keys))
	copy(out, keys)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
