package index

import (
	"maps"
	"slices"
	"strings"
)

// preferredAlgorithms decides which digest identifies content when more than
// one algorithm is available.
var preferredAlgorithms = []string{"sha256", "blake2b", "sha1", "md5"}

// HashContainer bundles named content digests of a single file.
type HashContainer struct {
	hashes map[string]string
}

func NewHashContainer() *HashContainer {
	return &HashContainer{hashes: make(map[string]string)}
}

// NewHashContainerFrom copies the given algorithm -> hex digest map.
func NewHashContainerFrom(hashes map[string]string) *HashContainer {
	c := NewHashContainer()
	for alg, digest := range hashes {
		c.Set(alg, digest)
	}
	return c
}

func (c *HashContainer) Set(algorithm, digest string) *HashContainer {
	c.hashes[strings.ToLower(algorithm)] = strings.ToLower(digest)
	return c
}

func (c *HashContainer) Get(algorithm string) (string, bool) {
	if c == nil {
		return "", false
	}
	digest, ok := c.hashes[strings.ToLower(algorithm)]
	return digest, ok
}

func (c *HashContainer) Has(algorithm string) bool {
	_, ok := c.Get(algorithm)
	return ok
}

func (c *HashContainer) Len() int {
	if c == nil {
		return 0
	}
	return len(c.hashes)
}

// Algorithms returns the algorithm names in sorted order.
func (c *HashContainer) Algorithms() []string {
	if c == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(c.hashes))
}

// Map returns a copy of the digests.
func (c *HashContainer) Map() map[string]string {
	if c == nil {
		return nil
	}
	return maps.Clone(c.hashes)
}

// Equal is true when every algorithm known to both containers agrees and at
// least one algorithm is shared. Two empty containers are equal.
func (c *HashContainer) Equal(other *HashContainer) bool {
	if c == nil || other == nil {
		return false
	}
	if c.Len() == 0 && other.Len() == 0 {
		return true
	}

	shared := 0
	for alg, digest := range c.hashes {
		otherDigest, ok := other.hashes[alg]
		if !ok {
			continue
		}
		if otherDigest != digest {
			return false
		}
		shared++
	}
	return shared > 0
}

// Preferred returns the algorithm and digest used to identify content.
func (c *HashContainer) Preferred() (string, string, bool) {
	if c.Len() == 0 {
		return "", "", false
	}
	for _, alg := range preferredAlgorithms {
		if digest, ok := c.hashes[alg]; ok {
			return alg, digest, true
		}
	}
	alg := c.Algorithms()[0]
	return alg, c.hashes[alg], true
}

// Key is a stable "alg:hex" identifier of the content, "" when empty.
func (c *HashContainer) Key() string {
	alg, digest, ok := c.Preferred()
	if !ok {
		return ""
	}
	return alg + ":" + digest
}

func (c *HashContainer) Clone() *HashContainer {
	if c == nil {
		return nil
	}
	return &HashContainer{hashes: maps.Clone(c.hashes)}
}

func (c *HashContainer) String() string {
	parts := make([]string, 0, c.Len())
	for _, alg := range c.Algorithms() {
		parts = append(parts, alg+":"+c.hashes[alg])
	}
	return strings.Join(parts, ", ")
}
