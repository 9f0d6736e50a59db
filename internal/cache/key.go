package cache

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"lukechampine.com/blake3"
)

// KeySize is the cache key length in bytes.
const KeySize = 32

// unitSeparator never appears in JSON text, so it cannot be forged by any
// of the hashed fields.
const unitSeparator = 0x1f

const authorizationHeader = "authorization"

// Key is a BLAKE3-256 request fingerprint.
type Key [KeySize]byte

// String returns the key as lower-case hex.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Fingerprint hashes method, target and canonical headers verbatim.
func Fingerprint(method, target, canonicalHeaders string) Key {
	h := blake3.New(KeySize, nil)
	_, _ = h.Write([]byte(method))
	_, _ = h.Write([]byte{unitSeparator})
	_, _ = h.Write([]byte(target))
	_, _ = h.Write([]byte{unitSeparator})
	_, _ = h.Write([]byte(canonicalHeaders))

	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// CanonicalHeaders lower-cases header names, drops Authorization and
// encodes the result as compact JSON with sorted keys. Repeated values are
// joined the way HTTP folds list headers.
func CanonicalHeaders(h http.Header) string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	m := make(map[string]string, len(h))
	for _, name := range names {
		values := h[name]
		lower := strings.ToLower(name)
		if lower == authorizationHeader {
			continue
		}
		if prev, ok := m[lower]; ok {
			// Non-canonical spellings of the same name in one map.
			m[lower] = prev + ", " + strings.Join(values, ", ")
			continue
		}
		m[lower] = strings.Join(values, ", ")
	}

	// encoding/json sorts map keys and emits no insignificant whitespace.
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}
