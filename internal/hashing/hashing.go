package hashing

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"maps"
	"slices"

	"github.com/openmined/storeman/internal/index"
	"golang.org/x/crypto/blake2b"
)

var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

// DefaultAlgorithms are computed for every file unless configured otherwise.
var DefaultAlgorithms = []string{"sha256", "md5"}

var registry = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"blake2b": func() hash.Hash {
		h, _ := blake2b.New256(nil) // only fails for oversized keys
		return h
	},
}

// Algorithms lists the supported algorithm names.
func Algorithms() []string {
	return slices.Sorted(maps.Keys(registry))
}

// Validate checks that every name is a supported algorithm.
func Validate(algorithms []string) error {
	if len(algorithms) == 0 {
		return fmt.Errorf("%w: no algorithm configured", ErrUnknownAlgorithm)
	}
	for _, alg := range algorithms {
		if _, ok := registry[alg]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAlgorithm, alg)
		}
	}
	return nil
}

// HashReader computes all requested digests over r in a single pass and
// returns them together with the number of bytes read.
func HashReader(r io.Reader, algorithms ...string) (*index.HashContainer, int64, error) {
	if len(algorithms) == 0 {
		algorithms = DefaultAlgorithms
	}
	if err := Validate(algorithms); err != nil {
		return nil, 0, err
	}

	hashers := make([]hash.Hash, len(algorithms))
	writers := make([]io.Writer, len(algorithms))
	for i, alg := range algorithms {
		hashers[i] = registry[alg]()
		writers[i] = hashers[i]
	}

	n, err := io.Copy(io.MultiWriter(writers...), r)
	if err != nil {
		return nil, n, fmt.Errorf("hash content: %w", err)
	}

	container := index.NewHashContainer()
	for i, alg := range algorithms {
		container.Set(alg, hex.EncodeToString(hashers[i].Sum(nil)))
	}
	return container, n, nil
}

// HashBytes is HashReader over an in-memory buffer.
func HashBytes(data []byte, algorithms ...string) (*index.HashContainer, error) {
	c, _, err := HashReader(bytes.NewReader(data), algorithms...)
	return c, err
}
