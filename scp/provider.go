// Package scp implements the secure-channel key-agreement (C8, SCP03 and
// SCP11b) and data layer (C9) described in spec §4.8/§4.9: session-key
// derivation, command MAC chaining, command/response encryption, and
// replay-safe re-keying.
package scp

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/enceve/crypto/cmac"
	"github.com/wsddn/go-ecdh"

	"tokencore/errs"
)

// Provider is the abstract crypto capability the secure channel consumes
// (spec §1 Non-goals, §2 C10): the core never calls a primitive directly,
// only through this interface, so the same session/KDF code is testable
// against a deterministic fake.
type Provider interface {
	// AESCMAC returns the full 16-byte AES-CMAC of data under key.
	AESCMAC(key, data []byte) ([]byte, error)
	// AESECBEncryptBlock encrypts exactly one 16-byte block under key.
	AESECBEncryptBlock(key, block []byte) ([]byte, error)
	// AESCBCEncrypt encrypts data (a multiple of 16 bytes) under key/iv.
	AESCBCEncrypt(key, iv, data []byte) ([]byte, error)
	// AESCBCDecrypt decrypts data (a multiple of 16 bytes) under key/iv.
	AESCBCDecrypt(key, iv, data []byte) ([]byte, error)
	// RandomBytes returns n cryptographically random bytes.
	RandomBytes(n int) ([]byte, error)
	// ConstantTimeCompare reports whether a and b are equal, in time
	// independent of where they first differ.
	ConstantTimeCompare(a, b []byte) bool
	// GenerateECDHKeyPair generates an ephemeral P-256 key pair for SCP11.
	// priv is opaque (github.com/wsddn/go-ecdh's own key type) and must be
	// passed back into ECDHSharedSecret unmodified.
	GenerateECDHKeyPair() (priv crypto.PrivateKey, pub []byte, err error)
	// ECDHSharedSecret computes the shared secret from a local private key
	// (as returned by GenerateECDHKeyPair) and a peer's uncompressed public
	// key point.
	ECDHSharedSecret(priv crypto.PrivateKey, peerPub []byte) ([]byte, error)
}

// DefaultProvider implements Provider using github.com/enceve/crypto's
// AES-CMAC, the standard library's AES-CBC/ECB and RNG, and
// github.com/wsddn/go-ecdh for key agreement.
type DefaultProvider struct{}

var _ Provider = DefaultProvider{}

func (DefaultProvider) AESCMAC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	mac, err := cmac.New(block)
	if err != nil {
		return nil, err
	}
	if _, err := mac.Write(data); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

func (DefaultProvider) AESECBEncryptBlock(key, block []byte) ([]byte, error) {
	if len(block) != aes.BlockSize {
		return nil, &errs.InvalidArgument{Detail: fmt.Sprintf("ECB block must be %d bytes", aes.BlockSize)}
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aes.BlockSize)
	c.Encrypt(out, block)
	return out, nil
}

func (DefaultProvider) AESCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, &errs.InvalidArgument{Detail: "CBC plaintext must be a multiple of the block size"}
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(c, iv).CryptBlocks(out, data)
	return out, nil
}

func (DefaultProvider) AESCBCDecrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, &errs.InvalidArgument{Detail: "CBC ciphertext must be a multiple of the block size"}
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(c, iv).CryptBlocks(out, data)
	return out, nil
}

func (DefaultProvider) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (DefaultProvider) ConstantTimeCompare(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

func (DefaultProvider) GenerateECDHKeyPair() (crypto.PrivateKey, []byte, error) {
	e := ecdh.NewEllipticECDH(elliptic.P256())
	priv, pub, err := e.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return priv, e.Marshal(pub), nil
}

func (DefaultProvider) ECDHSharedSecret(priv crypto.PrivateKey, peerPub []byte) ([]byte, error) {
	e := ecdh.NewEllipticECDH(elliptic.P256())
	pub, ok := e.Unmarshal(peerPub)
	if !ok {
		return nil, &errs.BadResponse{Reason: "scp: malformed peer public key point"}
	}
	secret, err := e.GenerateSharedSecret(priv, pub)
	if err != nil {
		return nil, err
	}
	return secret, nil
}
