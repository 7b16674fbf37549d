package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownKey = errors.New("unknown key id")

// sealed is the at-rest form of a bot credential, stored as JSON text.
type sealed struct {
	KeyID      string `json:"kid"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ct"`
}

// Keyring seals with the current key and opens with any known key, so old
// credentials stay readable across rotations.
type Keyring struct {
	currentKeyID string
	aeads        map[string]cipher.AEAD
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm %q: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Keyring{currentKeyID: currentKeyID, aeads: aeads}, nil
}

func (k *Keyring) CurrentKeyID() string { return k.currentKeyID }

// Seal encrypts a credential. The bot id is bound as additional data so a
// ciphertext cannot be replayed onto another bot row.
func (k *Keyring) Seal(plaintext, boundTo string) (string, error) {
	aead := k.aeads[k.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, []byte(plaintext), []byte(boundTo))
	b, err := json.Marshal(sealed{
		KeyID:      k.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	})
	if err != nil {
		return "", fmt.Errorf("marshal sealed value: %w", err)
	}
	return string(b), nil
}

func (k *Keyring) Open(raw, boundTo string) (string, error) {
	var s sealed
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &s); err != nil {
		return "", fmt.Errorf("unmarshal sealed value: %w", err)
	}
	aead, ok := k.aeads[s.KeyID]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKey, s.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(s.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	ct, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ct, []byte(boundTo))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(pt), nil
}

// Reseal re-encrypts under the current key. Values already on the current
// key are returned unchanged.
func (k *Keyring) Reseal(raw, boundTo string) (string, bool, error) {
	var s sealed
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &s); err == nil && s.KeyID == k.currentKeyID {
		return raw, false, nil
	}
	plain, err := k.Open(raw, boundTo)
	if err != nil {
		return "", false, err
	}
	out, err := k.Seal(plain, boundTo)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}
