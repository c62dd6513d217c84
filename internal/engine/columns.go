package engine

import (
	"github.com/hooktable/hooktable/internal/storage"
	"github.com/hooktable/hooktable/internal/tablecrypt"
)

// ResolvedColumn is a plaintext column name with its identity hash and one
// ciphertext of it.
type ResolvedColumn struct {
	Name   string
	Hash   string
	Cipher string
}

// Column returns the registry entry for c.
func (c ResolvedColumn) Column() storage.Column {
	return storage.Column{Hash: c.Hash, Cipher: c.Cipher}
}

// Resolve computes the identity hash of name and encrypts it under pub. Two
// calls with the same name return the same Hash and different Cipher values.
func Resolve(pub tablecrypt.Encrypter, name string) (ResolvedColumn, error) {
	c, err := pub.Encrypt(name)
	if err != nil {
		return ResolvedColumn{}, err
	}
	return ResolvedColumn{Name: name, Hash: tablecrypt.IdentityHash(name), Cipher: c}, nil
}

// DiffNewColumns returns the candidates whose identity is not registered yet,
// in candidate order. A repeated identity keeps its first occurrence.
func DiffNewColumns(existing storage.Registry, candidates []ResolvedColumn) []storage.Column {
	cols := make([]storage.Column, len(candidates))
	for i, c := range candidates {
		cols[i] = c.Column()
	}
	_, added := existing.Merge(cols)
	return added
}
