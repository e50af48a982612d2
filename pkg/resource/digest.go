package resource

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
)

// Digest names a content hash used to address resources. The digest name is
// not recorded in resource names, so a store must keep using one digest for
// its whole lifetime.
type Digest interface {
	Name() string
	New() hash.Hash
}

type digest struct {
	name  string
	newFn func() hash.Hash
}

func (d digest) Name() string { return d.name }
func (d digest) New() hash.Hash { return d.newFn() }

var (
	// MD5 matches the names produced by existing Umpire installations.
	MD5    Digest = digest{name: "md5", newFn: md5.New}
	SHA256 Digest = digest{name: "sha256", newFn: sha256.New}
	BLAKE3 Digest = digest{name: "blake3", newFn: func() hash.Hash { return blake3.New() }}
)

// DigestByName resolves a digest from its configuration name.
func DigestByName(name string) (Digest, error) {
	switch name {
	case "", "md5":
		return MD5, nil
	case "sha256":
		return SHA256, nil
	case "blake3":
		return BLAKE3, nil
	}
	return nil, fmt.Errorf("unknown digest %q", name)
}
