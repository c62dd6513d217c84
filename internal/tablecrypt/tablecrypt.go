// Package tablecrypt implements the per-table asymmetric encryption used for
// every stored cell.
//
// Each table owns one OpenPGP Curve25519 keypair. The public key is stored in
// clear and encrypts column names and values; the private key is stored
// armored and locked with the table passphrase, which is never persisted.
// Encryption is non-deterministic: the same plaintext yields a different
// ciphertext on every call, so column identity is tracked with [IdentityHash].
package tablecrypt

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"golang.org/x/crypto/blake2b"
)

// messageType is the armor block type of an encrypted cell.
const messageType = "PGP MESSAGE"

var (
	// ErrBadPassphrase is returned by Unlock when the passphrase does not
	// decrypt the private key.
	ErrBadPassphrase = errors.New("incorrect passphrase")
	// ErrEmptyPassphrase is returned by Generate for an empty passphrase.
	ErrEmptyPassphrase = errors.New("passphrase is required")

	errNoKey = errors.New("no key found in armored block")
)

// Encrypter encrypts plaintext cells.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Decrypter decrypts armored cells.
type Decrypter interface {
	Decrypt(armored string) (string, error)
}

// OpenPGP generates and loads table keys.
type OpenPGP struct {
	// EmailDomain is the domain of the key user id, "<tableID>@<EmailDomain>".
	EmailDomain string
}

// Generate creates a new keypair for tableID and returns the armored public
// key and the armored private key locked with passphrase.
func (o *OpenPGP) Generate(tableID, passphrase string) (public, private string, err error) {
	if passphrase == "" {
		return "", "", ErrEmptyPassphrase
	}
	cfg := &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA}
	domain := o.EmailDomain
	if domain == "" {
		domain = "hooktable.invalid"
	}
	entity, err := openpgp.NewEntity(tableID, "", tableID+"@"+domain, cfg)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key: %w", err)
	}

	var pub bytes.Buffer
	w, err := armor.Encode(&pub, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", "", err
	}
	if err := entity.Serialize(w); err != nil {
		return "", "", fmt.Errorf("failed to serialize public key: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", "", err
	}

	if err := entity.EncryptPrivateKeys([]byte(passphrase), cfg); err != nil {
		return "", "", fmt.Errorf("failed to lock private key: %w", err)
	}
	var priv bytes.Buffer
	w, err = armor.Encode(&priv, openpgp.PrivateKeyType, nil)
	if err != nil {
		return "", "", err
	}
	if err := entity.SerializePrivateWithoutSigning(w, nil); err != nil {
		return "", "", fmt.Errorf("failed to serialize private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", "", err
	}
	return pub.String(), priv.String(), nil
}

// PublicKey parses an armored public key.
func (o *OpenPGP) PublicKey(armored string) (Encrypter, error) {
	e, err := readEntity(armored)
	if err != nil {
		return nil, err
	}
	return &PublicKey{entity: e}, nil
}

// Unlock parses an armored private key and decrypts it with passphrase.
// A wrong passphrase returns an error wrapping ErrBadPassphrase.
func (o *OpenPGP) Unlock(armored, passphrase string) (Decrypter, error) {
	e, err := readEntity(armored)
	if err != nil {
		return nil, err
	}
	if e.PrivateKey == nil {
		return nil, errNoKey
	}
	if err := e.DecryptPrivateKeys([]byte(passphrase)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPassphrase, err)
	}
	return &PrivateKey{keyring: openpgp.EntityList{e}}, nil
}

func readEntity(armored string) (*openpgp.Entity, error) {
	el, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	if len(el) == 0 {
		return nil, errNoKey
	}
	return el[0], nil
}

// PublicKey encrypts cells for one table. It is safe for concurrent use.
type PublicKey struct {
	entity *openpgp.Entity
}

// Encrypt returns a fresh armored OpenPGP message of plaintext.
func (k *PublicKey) Encrypt(plaintext string) (string, error) {
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, messageType, nil)
	if err != nil {
		return "", err
	}
	pw, err := openpgp.Encrypt(aw, []*openpgp.Entity{k.entity}, nil, nil, nil)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt: %w", err)
	}
	if _, err := io.WriteString(pw, plaintext); err != nil {
		return "", fmt.Errorf("failed to encrypt: %w", err)
	}
	if err := pw.Close(); err != nil {
		return "", fmt.Errorf("failed to encrypt: %w", err)
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// PrivateKey decrypts cells for one table. It only exists unlocked, in memory,
// for the duration of a retrieval. It is safe for concurrent use.
type PrivateKey struct {
	keyring openpgp.EntityList
}

// Decrypt returns the plaintext of an armored OpenPGP message.
func (k *PrivateKey) Decrypt(armored string) (string, error) {
	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		return "", fmt.Errorf("failed to decode message: %w", err)
	}
	if block.Type != messageType {
		return "", fmt.Errorf("unexpected armor block %q", block.Type)
	}
	md, err := openpgp.ReadMessage(block.Body, k.keyring, nil, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	b, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(b), nil
}

// IdentityHash returns the deterministic identity of a plaintext column name:
// the hex encoded BLAKE2b-256 digest.
func IdentityHash(name string) string {
	sum := blake2b.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}
