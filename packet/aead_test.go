package packet

import (
	"bytes"
	"crypto/rand"
	"errors"
	mrand "math/rand/v2"
	"strconv"
	"testing"
)

var rng *mrand.ChaCha8

func init() {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic(err)
	}
	rng = mrand.NewChaCha8(seed)
}

func newTestPSK(t *testing.T) []byte {
	t.Helper()

	psk := make([]byte, KeySize)
	if _, err := rand.Read(psk); err != nil {
		t.Fatal(err)
	}
	return psk
}

var handlerCases = []struct {
	name       string
	newHandler func(psk []byte) (Handler, error)
}{
	{"XChaCha20Poly1305", NewXChaCha20Poly1305Handler},
	{"AES256GCM", NewAES256GCMHandler},
}

func testHandlerRoundTrip(t *testing.T, h Handler, length int) {
	t.Helper()

	pkt := make([]byte, length)
	_, _ = rng.Read(pkt)

	hr := h.Headroom()

	ct, err := h.Encrypt(nil, pkt)
	if err != nil {
		t.Fatalf("h.Encrypt failed: %v", err)
	}
	if len(ct) != length+hr.Front+hr.Rear {
		t.Errorf("len(ct) = %d, want %d", len(ct), length+hr.Front+hr.Rear)
	}

	decrypted, err := h.Decrypt(nil, ct)
	if err != nil {
		t.Fatalf("h.Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, pkt) {
		t.Errorf("decrypted = %v, want %v", decrypted, pkt)
	}
}

func TestAEADHandler(t *testing.T) {
	for _, c := range handlerCases {
		t.Run(c.name, func(t *testing.T) {
			h, err := c.newHandler(newTestPSK(t))
			if err != nil {
				t.Fatalf("newHandler failed: %v", err)
			}

			for _, length := range []int{0, 1, 20, 40, 64, 1280, 1500} {
				t.Run(strconv.Itoa(length), func(t *testing.T) {
					testHandlerRoundTrip(t, h, length)
				})
			}
		})
	}
}

func TestAEADHandlerDetectsTampering(t *testing.T) {
	for _, c := range handlerCases {
		t.Run(c.name, func(t *testing.T) {
			h, err := c.newHandler(newTestPSK(t))
			if err != nil {
				t.Fatalf("newHandler failed: %v", err)
			}

			pkt := make([]byte, 1280)
			_, _ = rng.Read(pkt)

			ct, err := h.Encrypt(nil, pkt)
			if err != nil {
				t.Fatalf("h.Encrypt failed: %v", err)
			}

			// Flipping any single bit must fail authentication.
			for _, pos := range []int{0, 1, len(ct) / 2, len(ct) - 1} {
				tampered := bytes.Clone(ct)
				tampered[pos] ^= 1 << uint(pos%8)

				if _, err = h.Decrypt(nil, tampered); !errors.Is(err, ErrAuthentication) {
					t.Errorf("h.Decrypt after flipping bit %d of byte %d: error = %v, want %v", pos%8, pos, err, ErrAuthentication)
				}
			}
		})
	}
}

func TestAEADHandlerRejectsShortCiphertext(t *testing.T) {
	for _, c := range handlerCases {
		t.Run(c.name, func(t *testing.T) {
			h, err := c.newHandler(newTestPSK(t))
			if err != nil {
				t.Fatalf("newHandler failed: %v", err)
			}

			hr := h.Headroom()
			for _, length := range []int{0, 1, hr.Front + hr.Rear - 1} {
				if _, err = h.Decrypt(nil, make([]byte, length)); !errors.Is(err, ErrPacketSize) {
					t.Errorf("h.Decrypt of %d bytes: error = %v, want %v", length, err, ErrPacketSize)
				}
			}
		})
	}
}

func TestAEADHandlerBadPSK(t *testing.T) {
	for _, c := range handlerCases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := c.newHandler(make([]byte, 16)); err == nil {
				t.Error("newHandler accepted a 16-byte PSK")
			}
		})
	}
}
