// Package recordhash computes the default record and global hashes used to
// detect change between a client's view of a dataset and the backend.
//
// A record hash is the hex SHA-1 of the record's canonical JSON: object keys
// sorted at every depth, no HTML escaping, no trailing newline. Key order in
// the input therefore never changes the hash. The global hash is the record
// hash of the sorted list of record hashes.
package recordhash

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // content fingerprint shared with clients, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
)

// Canonical returns the canonical JSON encoding of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("recordhash: encoding value: %w", err)
	}

	// Round-trip through a generic value so struct fields are sorted like
	// map keys. UseNumber keeps numbers byte-exact.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("recordhash: decoding value: %w", err)
	}

	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("recordhash: re-encoding value: %w", err)
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Sum returns the hex SHA-1 of b.
func Sum(b []byte) string {
	sum := sha1.Sum(b) //nolint:gosec // see import

	return hex.EncodeToString(sum[:])
}

// Record hashes v.
func Record(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}

	return Sum(b), nil
}

// Global hashes a set of record hashes independent of their order. The
// input slice is not modified.
func Global(hashes []string) string {
	sorted := slices.Clone(hashes)
	if sorted == nil {
		sorted = []string{}
	}

	slices.Sort(sorted)

	// A []string always encodes.
	b, _ := Canonical(sorted)

	return Sum(b)
}

// Default is the HashProvider used when a dataset has no override.
type Default struct{}

// RecordHash implements the dataset hash provider contract.
func (Default) RecordHash(_ string, rec map[string]any) (string, error) {
	return Record(rec)
}

// GlobalHash implements the dataset hash provider contract.
func (Default) GlobalHash(_ string, hashes []string) string {
	return Global(hashes)
}
