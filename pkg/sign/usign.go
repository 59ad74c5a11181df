// Package sign implements usign-compatible detached Ed25519 signatures.
// Key and signature files interoperate with OpenWrt's usign tool: a one-line
// untrusted comment followed by the base64-encoded binary blob.
package sign

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	pkAlg  = "Ed"
	kdfAlg = "BK"

	publicKeySize = 2 + 8 + ed25519.PublicKeySize
	signatureSize = 2 + 8 + ed25519.SignatureSize
	secretKeySize = 2 + 2 + 4 + 16 + 8 + 8 + ed25519.PrivateKeySize
)

// ErrSignatureMismatch is returned when a signature does not verify against
// the given public key.
var ErrSignatureMismatch = errors.New("signature verification failed")

// PublicKey is the parsed public half of a usign keypair.
type PublicKey struct {
	KeyNum [8]byte
	Key    ed25519.PublicKey
}

// Signer holds the secret half of a usign keypair.
type Signer struct {
	keyNum [8]byte
	key    ed25519.PrivateKey
}

func encodeFile(comment string, blob []byte) []byte {
	return []byte(fmt.Sprintf("untrusted comment: %s\n%s\n", comment, base64.StdEncoding.EncodeToString(blob)))
}

func decodeFile(data []byte) ([]byte, error) {
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "untrusted comment:") {
		return nil, errors.New("malformed key material: missing untrusted comment line")
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(lines[1]))
	if err != nil {
		return nil, fmt.Errorf("malformed key material: %w", err)
	}
	return blob, nil
}

// GenerateKeyPair creates a fresh keypair and returns the public and secret
// key files in usign format.
func GenerateKeyPair(comment string) (publicKey, secretKey []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	var keyNum [8]byte
	if _, err := rand.Read(keyNum[:]); err != nil {
		return nil, nil, fmt.Errorf("failed to generate key number: %w", err)
	}

	var pubBlob bytes.Buffer
	pubBlob.WriteString(pkAlg)
	pubBlob.Write(keyNum[:])
	pubBlob.Write(pub)

	checksum := sha512.Sum512(priv)
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	var secBlob bytes.Buffer
	secBlob.WriteString(pkAlg)
	secBlob.WriteString(kdfAlg)
	binary.Write(&secBlob, binary.BigEndian, uint32(0)) // kdf rounds: unencrypted
	secBlob.Write(salt[:])
	secBlob.Write(checksum[:8])
	secBlob.Write(keyNum[:])
	secBlob.Write(priv)

	id := hex.EncodeToString(keyNum[:])
	return encodeFile(fmt.Sprintf("%s public key %s", comment, id), pubBlob.Bytes()),
		encodeFile(fmt.Sprintf("%s secret key %s", comment, id), secBlob.Bytes()),
		nil
}

// ParsePublicKey decodes a usign public key file.
func ParsePublicKey(data []byte) (*PublicKey, error) {
	blob, err := decodeFile(data)
	if err != nil {
		return nil, err
	}
	if len(blob) != publicKeySize || string(blob[:2]) != pkAlg {
		return nil, errors.New("not an Ed25519 public key")
	}
	key := &PublicKey{Key: ed25519.PublicKey(blob[10:])}
	copy(key.KeyNum[:], blob[2:10])
	return key, nil
}

// NewSigner decodes a usign secret key file. Encrypted keys are not
// supported; workers generate their keys unencrypted.
func NewSigner(secretKey []byte) (*Signer, error) {
	blob, err := decodeFile(secretKey)
	if err != nil {
		return nil, err
	}
	if len(blob) != secretKeySize || string(blob[:2]) != pkAlg || string(blob[2:4]) != kdfAlg {
		return nil, errors.New("not an Ed25519 secret key")
	}
	if rounds := binary.BigEndian.Uint32(blob[4:8]); rounds != 0 {
		return nil, errors.New("encrypted secret keys are not supported")
	}
	priv := ed25519.PrivateKey(blob[40:])
	checksum := sha512.Sum512(priv)
	if !bytes.Equal(checksum[:8], blob[24:32]) {
		return nil, errors.New("secret key checksum mismatch")
	}
	signer := &Signer{key: priv}
	copy(signer.keyNum[:], blob[32:40])
	return signer, nil
}

// Sign produces a detached signature file for the message.
func (s *Signer) Sign(message []byte) []byte {
	var blob bytes.Buffer
	blob.WriteString(pkAlg)
	blob.Write(s.keyNum[:])
	blob.Write(ed25519.Sign(s.key, message))
	return encodeFile(fmt.Sprintf("signed by key %s", hex.EncodeToString(s.keyNum[:])), blob.Bytes())
}

// SignFile signs the file at path and writes the signature next to it as
// <path>.sig.
func (s *Signer) SignFile(path string) error {
	message, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := os.WriteFile(path+".sig", s.Sign(message), 0644); err != nil {
		return fmt.Errorf("failed to write signature: %w", err)
	}
	return nil
}

// Verify checks a detached signature file against a public key file.
// Returns ErrSignatureMismatch when the signature does not match.
func Verify(message, signature, publicKey []byte) error {
	key, err := ParsePublicKey(publicKey)
	if err != nil {
		return err
	}
	blob, err := decodeFile(signature)
	if err != nil {
		return err
	}
	if len(blob) != signatureSize || string(blob[:2]) != pkAlg {
		return errors.New("not an Ed25519 signature")
	}
	if !bytes.Equal(blob[2:10], key.KeyNum[:]) {
		return fmt.Errorf("%w: signature key number does not match public key", ErrSignatureMismatch)
	}
	if !ed25519.Verify(key.Key, message, blob[10:]) {
		return ErrSignatureMismatch
	}
	return nil
}

// VerifyFile checks <path>.sig against the file at path.
func VerifyFile(path string, publicKey []byte) error {
	message, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	signature, err := os.ReadFile(path + ".sig")
	if err != nil {
		return fmt.Errorf("failed to read signature: %w", err)
	}
	return Verify(message, signature, publicKey)
}
