package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// MarshalCanonical returns RFC 8785 (JCS) bytes for any JSON-encodable value:
// object keys sorted by UTF-16 code unit, no insignificant whitespace, numbers
// in their shortest ECMAScript form.
func MarshalCanonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical transform: %w", err)
	}
	return out, nil
}

// DomainHash returns sha256(domain || "\n" || JCS(v)). Distinct domains keep
// a hash computed for one purpose from verifying under another.
func DomainHash(domain string, v interface{}) ([]byte, error) {
	canon, err := MarshalCanonical(v)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{'\n'})
	h.Write(canon)
	return h.Sum(nil), nil
}

// DomainHashHex is DomainHash hex-encoded.
func DomainHashHex(domain string, v interface{}) (string, error) {
	sum, err := DomainHash(domain, v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}
