// Package fingerprint computes the content hash that identifies the same
// underlying issue across repeated detections. The digest only depends on
// the payload minus the excluded fields, never on key order, so equal
// findings map to equal fingerprints across processes and hosts.
package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/go-faster/jx"
	"golang.org/x/crypto/sha3"
)

// hashBytes gives 128 bits of entropy, a 32 character hex digest.
const hashBytes = 16

// Exclusion names a field to drop before hashing. A single element drops a
// top level key, more elements navigate into nested objects.
type Exclusion []string

// Fingerprint hashes data with the excluded fields removed and returns the
// hex digest prefixed by prefix.
func Fingerprint(data map[string]any, exclude []Exclusion, prefix string) string {
	filtered := filterMap(deepCopyMap(data), exclude)
	return prefix + hashString(canonicalJSON(filtered))
}

// filterMap removes every exclusion path from m. Missing paths are a no-op.
func filterMap(m map[string]any, exclude []Exclusion) map[string]any {
	for _, path := range exclude {
		if len(path) == 0 {
			continue
		}
		pointer := m
		ok := true
		for _, key := range path[:len(path)-1] {
			next, found := pointer[key].(map[string]any)
			if !found {
				ok = false
				break
			}
			pointer = next
		}
		if ok {
			delete(pointer, path[len(path)-1])
		}
	}
	return m
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// canonicalJSON serializes v with object keys sorted, making the encoding
// independent of map iteration and insertion order.
func canonicalJSON(v any) []byte {
	var w jx.Writer
	encodeCanonical(&w, v)
	return w.Buf
}

func encodeCanonical(w *jx.Writer, v any) {
	switch t := v.(type) {
	case nil:
		w.Null()
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.ObjStart()
		for i, k := range keys {
			if i > 0 {
				w.Comma()
			}
			w.FieldStart(k)
			encodeCanonical(w, t[k])
		}
		w.ObjEnd()
	case []any:
		w.ArrStart()
		for i, e := range t {
			if i > 0 {
				w.Comma()
			}
			encodeCanonical(w, e)
		}
		w.ArrEnd()
	case string:
		w.Str(t)
	case bool:
		w.Bool(t)
	case int:
		w.Int(t)
	case int64:
		w.Int64(t)
	case float64:
		if t == float64(int64(t)) {
			w.Int64(int64(t))
		} else {
			w.Float64(t)
		}
	case json.Number:
		w.RawStr(t.String())
	default:
		// Uncommon payload types go through the reflective encoder.
		raw, err := json.Marshal(t)
		if err != nil {
			w.Null()
			return
		}
		w.Raw(raw)
	}
}

func hashString(input []byte) string {
	digest := make([]byte, hashBytes)
	shake := sha3.NewShake256()
	shake.Write(input)
	shake.Read(digest)
	return hex.EncodeToString(digest)
}

// Token derives the HMAC that authenticates fingerprint action links
// without a full session.
func Token(fingerprint, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fingerprint))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidToken reports whether token matches the expected HMAC for the
// fingerprint, in constant time.
func ValidToken(fingerprint, token, secret string) bool {
	return hmac.Equal([]byte(Token(fingerprint, secret)), []byte(token))
}
