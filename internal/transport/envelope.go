// Package transport implements the relay's application-layer encryption
// envelope: the legacy symmetric v1 (AES-256-GCM) format and the ECDH-derived
// hybrid v2 format, as specified in spec.md §4.1.
package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kenneth/secure-git-relay/internal/apierr"
	"github.com/kenneth/secure-git-relay/internal/config"
)

// Magic identifies a v2 envelope; anything else is assumed to be v1.
const Magic = "AWR2"

// Frame is the decrypted, parsed result of an envelope: JSON metadata (replay
// fields still present and not yet validated; the caller checks them), plus
// the raw binary tail (e.g. a chunk's bytes).
type Frame struct {
	Metadata map[string]interface{}
	Binary   []byte
}

// IsV2 reports whether data carries the v2 magic prefix.
func IsV2(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == Magic
}

// Decryptor decrypts envelopes according to the configured transport mode.
type Decryptor struct {
	mode       config.TransportMode
	v1Key      []byte
	keyProvider KeyProvider
	pool       *BufferPool
}

// NewDecryptor builds a Decryptor. v1Key is required unless mode is v2-only;
// keyProvider is required unless mode is v1-only, matching spec.md §4.1.
func NewDecryptor(mode config.TransportMode, v1Key []byte, keyProvider KeyProvider) *Decryptor {
	return &Decryptor{mode: mode, v1Key: v1Key, keyProvider: keyProvider, pool: GetGlobalBufferPool()}
}

// Decrypt detects the envelope version, enforces the configured transport
// mode, decrypts, and parses the plaintext frame.
func (d *Decryptor) Decrypt(data []byte) (*Frame, error) {
	isV2 := IsV2(data)

	if isV2 && d.mode == config.ModeV1 {
		return nil, apierr.New(apierr.CodeDecryptionFailed, "v2 envelopes are not accepted in v1-only mode")
	}
	if !isV2 && d.mode == config.ModeV2 {
		return nil, apierr.New(apierr.CodeDecryptionFailed, "v1 envelopes are not accepted in v2-only mode")
	}

	var plaintext []byte
	var err error
	if isV2 {
		plaintext, err = d.decryptV2(data)
	} else {
		plaintext, err = d.decryptV1(data)
	}
	if err != nil {
		return nil, err
	}
	return parseFrame(plaintext)
}

// decryptV1 implements the legacy symmetric framing:
// iv(12) || authTag(16) || ciphertext(n), AES-256-GCM.
func (d *Decryptor) decryptV1(data []byte) ([]byte, error) {
	if len(d.v1Key) != 32 {
		return nil, apierr.New(apierr.CodeDecryptionFailed, "v1 decryption key is not configured")
	}
	if len(data) < 12+16+1 {
		return nil, apierr.New(apierr.CodeDecryptionFailed, "envelope too short for v1 framing")
	}

	iv := data[:12]
	authTag := data[12:28]
	ciphertext := data[28:]

	block, err := aes.NewCipher(d.v1Key)
	if err != nil {
		return nil, apierr.New(apierr.CodeDecryptionFailed, "invalid v1 key")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apierr.New(apierr.CodeDecryptionFailed, "could not initialize GCM")
	}

	// Go's AEAD.Open expects the tag appended to the ciphertext; the wire
	// format carries them separately, so splice them back together.
	sealed := d.pool.Get(len(ciphertext) + len(authTag))
	defer d.pool.Put(sealed)
	sealed = sealed[:0]
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, classifyCipherError(err)
	}
	return plaintext, nil
}

// classifyCipherError maps cipher.AEAD.Open failures to the single stable
// DECRYPTION_FAILED code, per spec.md §4.1's "Stable machine code in both
// cases" rule — only the message differs.
func classifyCipherError(err error) *apierr.Error {
	if strings.Contains(strings.ToLower(err.Error()), "auth") {
		return apierr.New(apierr.CodeDecryptionFailed, "message authentication failed")
	}
	return apierr.New(apierr.CodeDecryptionFailed, "decryption failed")
}

// parseFrame splits the plaintext envelope body into JSON metadata and the
// trailing binary payload, per spec.md §4.1.
func parseFrame(plaintext []byte) (*Frame, error) {
	if len(plaintext) < 4 {
		return nil, apierr.New(apierr.CodeDecryptionFailed, "plaintext frame too short")
	}
	metaLen := binary.BigEndian.Uint32(plaintext[:4])
	if uint64(4+metaLen) > uint64(len(plaintext)) {
		return nil, apierr.New(apierr.CodeDecryptionFailed, "metadata length exceeds frame size")
	}
	metaJSON := plaintext[4 : 4+metaLen]
	binaryData := plaintext[4+metaLen:]

	var meta map[string]interface{}
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, apierr.Newf(apierr.CodeDecryptionFailed, "metadata is not valid JSON: %v", err)
	}

	return &Frame{Metadata: meta, Binary: binaryData}, nil
}

// EncodeFrame builds the plaintext frame layout used by Decrypt's companion
// client and by this module's own tests.
func EncodeFrame(metadata map[string]interface{}, binaryData []byte) ([]byte, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	buf := make([]byte, 4+len(metaJSON)+len(binaryData))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(metaJSON)))
	copy(buf[4:], metaJSON)
	copy(buf[4+len(metaJSON):], binaryData)
	return buf, nil
}
