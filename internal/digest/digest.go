// Package digest fingerprints local file contents for the hash check
// methods and the publishing server.
package digest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// Digester computes a content fingerprint for a local file
type Digester interface {
	// Name identifies the algorithm (e.g. "md5")
	Name() string
	// File streams the file at path through the hash and returns the
	// lowercase hex encoding of the digest
	File(path string) (string, error)
	// Reader hashes everything readable from r
	Reader(r io.Reader) (string, error)
}

// streamDigester implements Digester on top of a hash constructor
type streamDigester struct {
	name    string
	newHash func() hash.Hash
}

func (d *streamDigester) Name() string { return d.name }

func (d *streamDigester) File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	return d.Reader(f)
}

// Reader hashes everything readable from r
func (d *streamDigester) Reader(r io.Reader) (string, error) {
	h := d.newHash()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing with %s: %w", d.name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MD5 returns the digester used by the md5 check method
func MD5() Digester {
	return &streamDigester{name: "md5", newHash: md5.New}
}

// XXHash returns a 64-bit xxhash digester, a fast non-cryptographic fingerprint
func XXHash() Digester {
	return &streamDigester{name: "xxhash", newHash: func() hash.Hash { return xxhash.New() }}
}

// BLAKE3 returns a 256-bit BLAKE3 digester
func BLAKE3() Digester {
	return &streamDigester{name: "blake3", newHash: func() hash.Hash { return blake3.New() }}
}

var builtin = map[string]func() Digester{
	"md5":    MD5,
	"xxhash": XXHash,
	"blake3": BLAKE3,
}

// Lookup returns the digester registered under name
func Lookup(name string) (Digester, error) {
	ctor, ok := builtin[name]
	if !ok {
		return nil, fmt.Errorf("unknown digest algorithm %q", name)
	}
	return ctor(), nil
}

// Names lists the supported algorithms in sorted order
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
