package packet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/database64128/sptun-go/slicehelper"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of the pre-shared key in bytes.
const KeySize = 32

// aeadHandler seals and opens whole packets with an AEAD cipher.
// A fresh random nonce is generated for every packet and prepended
// to the ciphertext:
//
//	payload := nonce + AEAD_Seal(packet)
//
// aeadHandler implements [Handler].
type aeadHandler struct {
	aead      cipher.AEAD
	nonceSize int
}

// NewXChaCha20Poly1305Handler creates a [Handler] that seals packets
// with XChaCha20-Poly1305 using the given 32-byte PSK.
func NewXChaCha20Poly1305Handler(psk []byte) (Handler, error) {
	aead, err := chacha20poly1305.NewX(psk)
	if err != nil {
		return nil, err
	}
	return &aeadHandler{
		aead:      aead,
		nonceSize: chacha20poly1305.NonceSizeX,
	}, nil
}

// NewAES256GCMHandler creates a [Handler] that seals packets
// with AES-256-GCM using the given 32-byte PSK.
func NewAES256GCMHandler(psk []byte) (Handler, error) {
	if len(psk) != KeySize {
		return nil, fmt.Errorf("bad PSK length %d: AES-256-GCM requires %d bytes", len(psk), KeySize)
	}
	cb, err := aes.NewCipher(psk)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(cb)
	if err != nil {
		return nil, err
	}
	return &aeadHandler{
		aead:      aead,
		nonceSize: aead.NonceSize(),
	}, nil
}

// Headroom implements [Handler.Headroom].
func (h *aeadHandler) Headroom() Headroom {
	return Headroom{
		Front: h.nonceSize,
		Rear:  h.aead.Overhead(),
	}
}

func (h *aeadHandler) overhead() int {
	return h.nonceSize + h.aead.Overhead()
}

// Encrypt implements [Handler.Encrypt].
func (h *aeadHandler) Encrypt(dst, pkt []byte) ([]byte, error) {
	head, tail := slicehelper.Extend(dst, h.nonceSize+len(pkt)+h.aead.Overhead())

	nonce := tail[:h.nonceSize]
	if _, err := rand.Read(nonce); err != nil {
		return dst, err
	}

	h.aead.Seal(nonce, nonce, pkt, nil)
	return head, nil
}

// Decrypt implements [Handler.Decrypt].
func (h *aeadHandler) Decrypt(dst, ct []byte) ([]byte, error) {
	if len(ct) < h.overhead() {
		return dst, &HandlerErr{ErrPacketSize, fmt.Sprintf("ciphertext (length %d) is shorter than the handler overhead %d", len(ct), h.overhead())}
	}

	nonce := ct[:h.nonceSize]
	pkt, err := h.aead.Open(dst, nonce, ct[h.nonceSize:], nil)
	if err != nil {
		return dst, &HandlerErr{ErrAuthentication, err.Error()}
	}
	return pkt, nil
}
