package packetseq

import (
	"crypto/rand"
	"errors"
	"slices"
	"testing"
)

func TestSenderReceiver(t *testing.T) {
	var (
		s Sender
		r Receiver
		b = make([]byte, 1024)
	)

	rand.Read(b)

	// Stamp and validate IDs 0 through 9 in order.
	packets := make([][]byte, 10)
	for i := range packets {
		s.Stamp(b)
		packets[i] = slices.Clone(b)
	}

	for i, p := range packets {
		if err := r.Validate(p); err != nil {
			t.Errorf("r.Validate(%d) = %v, want nil", i, err)
		}
	}

	if count := s.Count(); count != 10 {
		t.Errorf("s.Count() = %d, want 10", count)
	}
	if count := r.Count(); count != 10 {
		t.Errorf("r.Count() = %d, want 10", count)
	}

	// A repeated packet is out of order.
	var oe *OrderError
	if err := r.Validate(packets[9]); !errors.As(err, &oe) {
		t.Errorf("r.Validate(9) = %v, want *OrderError", err)
	} else if oe.Want != 10 || oe.Got != 9 {
		t.Errorf("r.Validate(9) = %v, want want=10 got=9", oe)
	}

	// Stamp IDs 10 and 11, deliver 11 first: a gap is out of order.
	s.Stamp(b)
	p10 := slices.Clone(b)
	s.Stamp(b)

	if err := r.Validate(b); !errors.As(err, &oe) {
		t.Errorf("r.Validate(11) = %v, want *OrderError", err)
	}

	// ID 10 is still the expected packet.
	if err := r.Validate(p10); err != nil {
		t.Errorf("r.Validate(10) = %v, want nil", err)
	}
}

func TestReceiverValidateError(t *testing.T) {
	var (
		s Sender
		r Receiver
		b = make([]byte, 64)
	)

	rand.Read(b)
	s.Stamp(b)

	if err := r.Validate(b[:minPacketSize-1]); err != ErrPacketTooSmall {
		t.Errorf("r.Validate(short) = %v, want ErrPacketTooSmall", err)
	}

	b[0] ^= 1
	if err := r.Validate(b); err != ErrPacketChecksumMismatch {
		t.Errorf("r.Validate(corrupted) = %v, want ErrPacketChecksumMismatch", err)
	}
	b[0] ^= 1

	if err := r.Validate(b); err != nil {
		t.Errorf("r.Validate(0) = %v, want nil", err)
	}
}
