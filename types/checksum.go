package types

import (
	"crypto/md5"  //nolint:gosec // weak algorithms stay accepted for existing keyed content
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// ChecksumAlgorithm is a digest algorithm accepted in item keys.
type ChecksumAlgorithm string

// Supported checksum algorithms.
const (
	ChecksumMD5    ChecksumAlgorithm = "md5"
	ChecksumSHA1   ChecksumAlgorithm = "sha1"
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
	ChecksumSHA384 ChecksumAlgorithm = "sha384"
	ChecksumSHA512 ChecksumAlgorithm = "sha512"
)

// hexLen maps each algorithm to the exact hex digest length it produces.
var hexLen = map[ChecksumAlgorithm]int{
	ChecksumMD5:    32,
	ChecksumSHA1:   40,
	ChecksumSHA256: 64,
	ChecksumSHA384: 96,
	ChecksumSHA512: 128,
}

// ChecksumAlgorithms lists the supported algorithms in stable order.
func ChecksumAlgorithms() []ChecksumAlgorithm {
	return []ChecksumAlgorithm{
		ChecksumMD5, ChecksumSHA1, ChecksumSHA256, ChecksumSHA384, ChecksumSHA512,
	}
}

// New returns a fresh hash instance for the algorithm.
func (a ChecksumAlgorithm) New() (hash.Hash, error) {
	switch a {
	case ChecksumMD5:
		return md5.New(), nil //nolint:gosec
	case ChecksumSHA1:
		return sha1.New(), nil //nolint:gosec
	case ChecksumSHA256:
		return sha256.New(), nil
	case ChecksumSHA384:
		return sha512.New384(), nil
	case ChecksumSHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("unsupported checksum algorithm %q", string(a))
}

// ChecksumKey is a parsed "<algorithm>:<hexdigest>" item key. The textual
// form is canonical: it keys fetch items and names cache entries, so two
// spellings of the same digest must never coexist.
type ChecksumKey struct {
	Algorithm ChecksumAlgorithm
	Digest    string
}

// ParseChecksumKey splits and validates an item key. The digest must be
// lowercase hex of exactly the length the algorithm produces.
func ParseChecksumKey(s string) (ChecksumKey, error) {
	algo, digest, ok := strings.Cut(s, ":")
	if !ok {
		return ChecksumKey{}, fmt.Errorf("checksum key %q: missing algorithm prefix", s)
	}

	a := ChecksumAlgorithm(algo)
	want, ok := hexLen[a]
	if !ok {
		return ChecksumKey{}, fmt.Errorf("checksum key %q: unsupported algorithm %q", s, algo)
	}

	if len(digest) != want {
		return ChecksumKey{}, fmt.Errorf("checksum key %q: %s digest must be %d hex chars, got %d",
			s, algo, want, len(digest))
	}

	for _, c := range digest {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ChecksumKey{}, fmt.Errorf("checksum key %q: digest is not lowercase hex", s)
		}
	}

	return ChecksumKey{Algorithm: a, Digest: digest}, nil
}

// String reassembles the canonical "<algorithm>:<hexdigest>" form.
func (k ChecksumKey) String() string {
	return string(k.Algorithm) + ":" + k.Digest
}

// DigestString finalizes h and returns its digest in the canonical
// lowercase hex form used by checksum keys.
func DigestString(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
