// Package canonicalization provides deterministic fingerprinting for
// prediction requests and content-hashing for training dataset snapshots.
//
// A fingerprint is the content-addressed identity of a prediction request:
// equal (in the canonical sense) inputs always produce equal fingerprints,
// regardless of parameter ordering or incidental whitespace (Invariant P9).
// This mirrors the teacher's canonicalization package, which computes
// deterministic, collision-resistant IDs (GenerateJobRunID,
// GenerateIdempotencyKey) by hashing a fixed concatenation of fields with
// SHA-256; here the fixed form is a canonical JSON encoding instead of a
// field concatenation, because prediction parameter sets are open-ended
// maps rather than a handful of named fields.
package canonicalization

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize produces a stable, deterministic string encoding of a
// prediction request's parameters (§4.3 step 1):
//   - parameter names are sorted lexicographically,
//   - string values are lowercased,
//   - numeric values use a fixed decimal representation,
//   - the result is whitespace-free JSON.
//
// binaryPayload, when non-empty, contributes its hex-encoded SHA-256 digest
// as a leading "__binary" member, so opaque binary inputs (e.g. 3D geometry
// bytes) participate in the fingerprint by content rather than by reference
// (§4.3 step 1, geometry feature extraction).
func Canonicalize(params map[string]any, binaryPayload []byte) (string, error) {
	normalized := make(map[string]string, len(params))

	for k, v := range params {
		normalized[k] = normalizeValue(v)
	}

	keys := make([]string, 0, len(normalized))
	for k := range normalized {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var b strings.Builder

	if len(binaryPayload) > 0 {
		sum := sha256.Sum256(binaryPayload)
		b.WriteString(`{"__binary":"`)
		b.WriteString(hex.EncodeToString(sum[:]))
		b.WriteString(`"`)

		if len(keys) > 0 {
			b.WriteString(",")
		}
	} else {
		b.WriteString("{")
	}

	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}

		encodedKey, err := json.Marshal(k)
		if err != nil {
			return "", fmt.Errorf("%w: encoding key %q: %w", ErrCanonicalizeFailed, k, err)
		}

		encodedVal, err := json.Marshal(normalized[k])
		if err != nil {
			return "", fmt.Errorf("%w: encoding value for key %q: %w", ErrCanonicalizeFailed, k, err)
		}

		b.Write(encodedKey)
		b.WriteString(":")
		b.Write(encodedVal)
	}

	b.WriteString("}")

	return b.String(), nil
}

// Fingerprint returns the SHA-256 hex digest of a canonical parameter set,
// the content-addressed identity used as the cache key component (§3
// CacheEntry, §4.3 step 2).
func Fingerprint(params map[string]any, binaryPayload []byte) (string, error) {
	canonical, err := Canonicalize(params, binaryPayload)
	if err != nil {
		return "", err
	}

	return hashSHA256(canonical), nil
}

// ContentHash computes the deduplication key for an immutable training
// dataset snapshot (Invariant D2), hashing the ordered feature columns,
// target column, and record count alongside the data bytes digest supplied
// by the caller (the caller has already streamed and hashed the underlying
// rows; this function folds that digest together with the schema shape so
// that two datasets with identical rows but different declared schemas
// hash differently).
func ContentHash(featureColumns []string, targetColumn string, recordCount int, rowsDigest string) string {
	input := strings.Join(featureColumns, ",") + "|" + targetColumn + "|" +
		strconv.Itoa(recordCount) + "|" + rowsDigest

	return hashSHA256(input)
}

func normalizeValue(v any) string {
	switch val := v.(type) {
	case string:
		return strings.ToLower(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return "null"
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}

		return strings.ToLower(string(b))
	}
}

// hashSHA256 computes the SHA-256 hash of the input string, returned as a
// 64-character lowercase hex string.
func hashSHA256(input string) string {
	hash := sha256.Sum256([]byte(input))

	return hex.EncodeToString(hash[:])
}
