package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kenneth/secure-git-relay/internal/apierr"
	"golang.org/x/crypto/hkdf"
)

const (
	v2HeaderFixedLen = 4 + 1 + 1 + 2 // magic + version + kidLen + ephKeyLen
	v2Version        = 2
	gcmTagLen        = 16
)

// x25519SPKIPrefix is the fixed 12-byte DER prefix for an X25519 SubjectPublicKeyInfo:
// SEQUENCE { SEQUENCE { OID 1.3.101.110 } BIT STRING (0 unused bits, 32-byte key) }.
// X25519's AlgorithmIdentifier carries no parameters, so the prefix is constant
// and the encoding is always exactly 44 bytes (12-byte prefix + 32-byte key).
var x25519SPKIPrefix = []byte{0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x6e, 0x03, 0x21, 0x00}

// marshalX25519SPKI wraps a raw 32-byte X25519 public key in its SPKI/DER
// encoding, matching what the companion client places in the v2 header.
func marshalX25519SPKI(raw []byte) []byte {
	out := make([]byte, 0, len(x25519SPKIPrefix)+len(raw))
	out = append(out, x25519SPKIPrefix...)
	out = append(out, raw...)
	return out
}

// parseX25519SPKI extracts the raw 32-byte key from an SPKI/DER-encoded
// X25519 public key, rejecting anything that doesn't match the expected
// fixed prefix and length.
func parseX25519SPKI(der []byte) ([]byte, error) {
	if len(der) != len(x25519SPKIPrefix)+32 {
		return nil, fmt.Errorf("unexpected X25519 SPKI length: %d", len(der))
	}
	for i, b := range x25519SPKIPrefix {
		if der[i] != b {
			return nil, fmt.Errorf("unrecognized X25519 SPKI header")
		}
	}
	return der[len(x25519SPKIPrefix):], nil
}

// decryptV2 implements the hybrid ECDH envelope of spec.md §4.1:
//
//	magic(4) version(1) kidLen(1) ephKeyLen(2,BE) iv(12) kid(kidLen)
//	ephPubKey(ephKeyLen, SPKI/DER) authTag(16) ciphertext(n)
//
// with AAD = the entire header and the content key derived via
// HKDF-SHA256(ikm=ECDH(serverPriv, ephPub), salt=iv, info=...).
func (d *Decryptor) decryptV2(data []byte) ([]byte, error) {
	if d.keyProvider == nil {
		return nil, apierr.New(apierr.CodeDecryptionFailed, "v2 key provider is not configured")
	}
	if len(data) < v2HeaderFixedLen {
		return nil, apierr.New(apierr.CodeDecryptionFailed, "envelope too short for v2 header")
	}

	version := data[4]
	kidLen := int(data[5])
	ephKeyLen := int(binary.BigEndian.Uint16(data[6:8]))
	headerLen := v2HeaderFixedLen + 12 + kidLen + ephKeyLen

	if version != v2Version {
		return nil, apierr.Newf(apierr.CodeDecryptionFailed, "unsupported envelope version %d", version)
	}
	if len(data) < headerLen+gcmTagLen+1 {
		return nil, apierr.New(apierr.CodeDecryptionFailed, "malformed v2 envelope: too short for declared header")
	}

	iv := data[8 : 8+12]
	kid := string(data[20 : 20+kidLen])
	ephPubDER := data[20+kidLen : 20+kidLen+ephKeyLen]
	header := data[:headerLen]
	authTag := data[headerLen : headerLen+gcmTagLen]
	ciphertext := data[headerLen+gcmTagLen:]

	if kid != d.keyProvider.KeyID() {
		return nil, apierr.New(apierr.CodeDecryptionFailed, "unknown transport key id")
	}

	ephPubRaw, err := parseX25519SPKI(ephPubDER)
	if err != nil {
		return nil, apierr.Newf(apierr.CodeDecryptionFailed, "invalid ephemeral public key: %v", err)
	}
	ephPub, err := ecdh.X25519().NewPublicKey(ephPubRaw)
	if err != nil {
		return nil, apierr.Newf(apierr.CodeDecryptionFailed, "invalid ephemeral public key: %v", err)
	}

	serverPriv, err := d.keyProvider.PrivateKey()
	if err != nil {
		return nil, apierr.Newf(apierr.CodeDecryptionFailed, "transport key unavailable: %v", err)
	}

	sharedSecret, err := serverPriv.ECDH(ephPub)
	if err != nil {
		return nil, apierr.Newf(apierr.CodeDecryptionFailed, "ECDH failed: %v", err)
	}

	contentKey, err := deriveContentKey(sharedSecret, iv, kid, ephPubDER, d.keyProvider.PublicKeyDER())
	if err != nil {
		return nil, apierr.Newf(apierr.CodeDecryptionFailed, "key derivation failed: %v", err)
	}

	block, err := aes.NewCipher(contentKey)
	if err != nil {
		return nil, apierr.New(apierr.CodeDecryptionFailed, "invalid derived content key")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apierr.New(apierr.CodeDecryptionFailed, "could not initialize GCM")
	}

	sealed := d.pool.Get(len(ciphertext) + len(authTag))
	defer d.pool.Put(sealed)
	sealed = sealed[:0]
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)

	plaintext, err := gcm.Open(nil, iv, sealed, header)
	if err != nil {
		return nil, classifyCipherError(err)
	}
	return plaintext, nil
}

// deriveContentKey implements:
//
//	info = "relay-transport-v2" || 0x00 || kid || 0x00 || ephPubDer || 0x00 || serverPubDer
//	contentKey = HKDF-SHA256(ikm=sharedSecret, salt=iv, info=info, L=32)
func deriveContentKey(sharedSecret, iv []byte, kid string, ephPubDER, serverPubDER []byte) ([]byte, error) {
	info := make([]byte, 0, 32+1+len(kid)+1+len(ephPubDER)+1+len(serverPubDER))
	info = append(info, []byte("relay-transport-v2")...)
	info = append(info, 0x00)
	info = append(info, []byte(kid)...)
	info = append(info, 0x00)
	info = append(info, ephPubDER...)
	info = append(info, 0x00)
	info = append(info, serverPubDER...)

	reader := hkdf.New(sha256.New, sharedSecret, iv, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
