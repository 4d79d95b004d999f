package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

var (
	ErrKeyGenerate = fmt.Errorf("failed to generate ED25519 key")
	ErrKeyEncode   = fmt.Errorf("failed to encode key")
	ErrKeyParse    = fmt.Errorf("failed to parse SSH private key")
)

// Key is an ED25519 key held in memory until it is encoded for EC2 (the
// public half) and for the local key store (the private half).
type Key struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func GenerateKey() (*Key, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGenerate, err)
	}
	return &Key{pub: pub, priv: priv}, nil
}

func (k *Key) PublicKey() (ssh.PublicKey, error) {
	pk, err := ssh.NewPublicKey(k.pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyEncode, err)
	}
	return pk, nil
}

// AuthorizedKey is the public half as one 'authorized_keys' line, the format
// EC2 accepts on import.
func (k *Key) AuthorizedKey() ([]byte, error) {
	pk, err := k.PublicKey()
	if err != nil {
		return nil, err
	}
	return ssh.MarshalAuthorizedKey(pk), nil
}

// PEM is the unencrypted 'OPENSSH PRIVATE KEY' block, usable with the ssh
// command as well as ParseKey.
func (k *Key) PEM(comment string) ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(k.priv, comment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyEncode, err)
	}
	return pem.EncodeToMemory(block), nil
}

func (k *Key) Signer() (ssh.Signer, error) {
	return ssh.NewSignerFromKey(k.priv)
}

// ParseKey reads a private key written by PEM. Passphrase protected keys are
// rejected.
func ParseKey(data []byte) (ssh.Signer, error) {
	s, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyParse, err)
	}
	return s, nil
}

// AuthorizedKeyFromPEM is the 'authorized_keys' line of the private key in
// 'data'.
func AuthorizedKeyFromPEM(data []byte) ([]byte, error) {
	s, err := ParseKey(data)
	if err != nil {
		return nil, err
	}
	return ssh.MarshalAuthorizedKey(s.PublicKey()), nil
}
