package blob

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

const (
	// RefNone detaches a connection from its current reference.
	RefNone = "none"

	// MaxDataLen bounds the base64 text of a record payload (1 MiB decoded
	// in the current wire form).
	MaxDataLen = 0x100000
)

var refRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Record is the stored state for one reference: an opaque base64 payload
// plus its version counter and bookkeeping timestamps (ms since epoch).
// Updated is zero on the first version.
type Record struct {
	Data    string `json:"data"`
	Version uint64 `json:"version"`
	Created int64  `json:"created"`
	Updated int64  `json:"updated,omitempty"`
	IP      string `json:"ip"`
}

// NormalizeRef lowercases and validates a reference. It accepts mixed-case
// input but the returned value is always 64 lowercase hex characters.
func NormalizeRef(raw string) (string, error) {
	ref := strings.ToLower(strings.TrimSpace(raw))
	if !refRegex.MatchString(ref) {
		return "", fmt.Errorf("reference must be 64 hex characters")
	}
	return ref, nil
}

// ValidateData checks a payload against the wire bounds: base64 text of at
// most MaxDataLen characters.
func ValidateData(data string) error {
	if len(data) > MaxDataLen {
		return fmt.Errorf("data exceeds %d bytes", MaxDataLen)
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return fmt.Errorf("data must be base64")
	}
	return nil
}

// ValidateBucket rejects bucket names that cannot be used as a single path
// component. Tokens are minted from operator-supplied strings, so the name
// is untrusted by the time it reaches the store.
func ValidateBucket(bucket string) error {
	if strings.TrimSpace(bucket) == "" {
		return fmt.Errorf("bucket is required")
	}
	if strings.ContainsAny(bucket, `/\`) {
		return fmt.Errorf("bucket must not contain path separators")
	}
	if bucket == "." || bucket == ".." || strings.Contains(bucket, "..") {
		return fmt.Errorf("bucket must not contain traversal sequences")
	}
	return nil
}
