package prng

import "testing"

func TestScramble32Deterministic(t *testing.T) {
	var key [16]byte
	for i := range key {
		key[i] = byte(i * 7)
	}
	a := Scramble32(42, key)
	b := Scramble32(42, key)
	if a != b {
		t.Fatalf("Scramble32 not deterministic for fixed key: %d != %d", a, b)
	}
}

func TestScramble32InjectiveOverSmallDomain(t *testing.T) {
	var key [16]byte
	for i := range key {
		key[i] = byte(i*31 + 1)
	}
	seen := make(map[uint32]uint32, 2048)
	for i := uint32(0); i < 2048; i++ {
		out := Scramble32(i, key)
		if prev, ok := seen[out]; ok {
			t.Fatalf("collision: scramble32(%d) == scramble32(%d) == %d", prev, i, out)
		}
		seen[out] = i
	}
}

func TestScramble32VariesWithKey(t *testing.T) {
	var keyA, keyB [16]byte
	keyB[0] = 1
	if Scramble32(100, keyA) == Scramble32(100, keyB) {
		t.Fatalf("scramble32 should generally differ across keys")
	}
}

func TestGetRangeBounds(t *testing.T) {
	s := New()
	for i := 0; i < 200; i++ {
		v := s.GetRange(10)
		if v < 0 || v >= 10 {
			t.Fatalf("GetRange(10) produced out-of-range value %d", v)
		}
	}
}

func TestGetBytesFillsBuffer(t *testing.T) {
	s := New()
	buf := make([]byte, 16)
	s.GetBytes(buf)
	allZero := true
	for _, b := range buf {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatalf("GetBytes returned an all-zero buffer, vanishingly unlikely for 16 random bytes")
	}
}
