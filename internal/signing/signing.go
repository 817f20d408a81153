// Package signing implements quince's body signing and verification: a
// detached Ed25519 signature over a BLAKE2b-256 hash of the MIME body,
// inserted as an X-Quince-Signature header, in the same split-hash-sign-
// reinsert shape as a DKIM-Signature header.
package signing

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HeaderName is the header quince inserts/reads for the detached body
// signature.
const HeaderName = "X-Quince-Signature"

const sep = "\r\n\r\n"

// Sign splits mime into headers and body at the first blank line, hashes
// the body with BLAKE2b-256, signs the hash with sk, and inserts the
// signature header into the header block, preserving header order.
//
// If mime has no CRLF CRLF separator, signing is a no-op passthrough.
func Sign(mime string, sk ed25519.PrivateKey) string {
	idx := strings.Index(mime, sep)
	if idx < 0 {
		return mime
	}

	headers := mime[:idx]
	body := mime[idx+len(sep):]

	hash := blake2b.Sum256([]byte(body))
	sig := ed25519.Sign(sk, hash[:])

	headerLine := fmt.Sprintf("%s: %s\r\n", HeaderName, hex.EncodeToString(sig))
	return headers + "\r\n" + headerLine + sep[2:] + body
}

// Verify locates the X-Quince-Signature header, hashes the body (everything
// after the first CRLF CRLF), and verifies the signature against pk.
//
// Verify returns the MIME unchanged (signature header preserved) along
// with whether it validated. If mime has no CRLF CRLF separator,
// verification reports invalid.
func Verify(mime string, pk ed25519.PublicKey) (cleanMime string, valid bool) {
	idx := strings.Index(mime, sep)
	if idx < 0 {
		return mime, false
	}

	headers := mime[:idx]
	body := mime[idx+len(sep):]

	sigHex, found := findHeader(headers, HeaderName)
	if !found {
		return mime, false
	}

	sig, err := hex.DecodeString(strings.TrimSpace(sigHex))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return mime, false
	}

	hash := blake2b.Sum256([]byte(body))
	valid = ed25519.Verify(pk, hash[:], sig)

	return mime, valid
}

// findHeader finds the (case-insensitive) named header's value in a
// CRLF-joined header block, honoring RFC 5322 folding (a line starting
// with a space or tab continues the previous header).
func findHeader(headers, name string) (value string, found bool) {
	lines := strings.Split(headers, "\r\n")
	unfolded := make([]string, 0, len(lines))
	for _, line := range lines {
		if len(unfolded) > 0 && len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			unfolded[len(unfolded)-1] += " " + strings.TrimLeft(line, " \t")
			continue
		}
		unfolded = append(unfolded, line)
	}

	prefix := strings.ToLower(name) + ":"
	for _, line := range unfolded {
		if strings.HasPrefix(strings.ToLower(line), prefix) {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}
	return "", false
}

// Introduced is the canonicalized payload of an INTRODUCTION packet:
// the peer being introduced, plus optional metadata.
type Introduced struct {
	Pubkey       string   `json:"pubkey"`
	Alias        string   `json:"alias,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// SignIntroduction canonicalizes obj via a stable JSON encoding (sorted
// map/struct field order, which encoding/json already guarantees for
// structs since field order is fixed by the type) and signs its bytes.
func SignIntroduction(obj Introduced, sk ed25519.PrivateKey) (string, error) {
	buf, err := canonicalJSON(obj)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(sk, buf)
	return hex.EncodeToString(sig), nil
}

// VerifyIntroduction verifies a signature produced by SignIntroduction.
func VerifyIntroduction(obj Introduced, sigHex string, pk ed25519.PublicKey) bool {
	buf, err := canonicalJSON(obj)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(pk, buf, sig)
}

// canonicalJSON encodes obj as JSON with map keys sorted, matching
// encoding/json's own behavior for map[string]X values but made explicit
// here (via a map round-trip) so the canonicalization is not dependent on
// incidental struct field order if Introduced ever grows a map field.
func canonicalJSON(obj Introduced) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(generic))
	for k := range generic {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(generic[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}
