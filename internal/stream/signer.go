package stream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// SigField carries the entry's MAC on the wire. The signature covers
// every other field, recomputed over canonically ordered field names and
// compared in constant time.
const SigField = "_sig"

type Signer struct {
	key []byte
}

func NewSigner(key []byte) *Signer {
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k}
}

// Sign computes the hex HMAC-SHA256 over all fields except SigField.
func (s *Signer) Sign(fields map[string]string) string {
	return hex.EncodeToString(s.mac(fields))
}

// Attach sets SigField on fields in place.
func (s *Signer) Attach(fields map[string]string) {
	fields[SigField] = s.Sign(fields)
}

// Verify recomputes the MAC and compares it to SigField in constant
// time. Entries without a signature never verify.
func (s *Signer) Verify(fields map[string]string) bool {
	sig, ok := fields[SigField]
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(want, s.mac(fields))
}

// mac hashes fields as name\x00value\x00 pairs in lexicographic name
// order, excluding SigField. The separators keep ("ab","c") distinct
// from ("a","bc").
func (s *Signer) mac(fields map[string]string) []byte {
	names := make([]string, 0, len(fields))
	for k := range fields {
		if k == SigField {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)

	h := hmac.New(sha256.New, s.key)
	for _, k := range names {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(fields[k]))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}
