package codec

import (
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"filebot/internal/domain"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(Key{ID: 1, Secret: []byte("0123456789abcdef-test-secret")})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCodec_RoundTripBoundaries(t *testing.T) {
	c := testCodec(t)
	for _, id := range []uint64{0, 1, 2, 42, 1 << 31, 1 << 32, math.MaxUint32, math.MaxUint64 - 1, math.MaxUint64} {
		token := c.Encode(PurposeDocument, id)
		got, err := c.Decode(PurposeDocument, token)
		if err != nil {
			t.Fatalf("decode(%d): %v", id, err)
		}
		if got != id {
			t.Fatalf("round trip mismatch: want %d, got %d", id, got)
		}
	}
}

func TestCodec_RoundTripRandom(t *testing.T) {
	c := testCodec(t)
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 5000; i++ {
		id := rng.Uint64()
		got, err := c.Decode(PurposeDocument, c.Encode(PurposeDocument, id))
		if err != nil || got != id {
			t.Fatalf("round trip failed for %d: got %d, err %v", id, got, err)
		}
	}
}

func TestCodec_Deterministic(t *testing.T) {
	c := testCodec(t)
	if c.Encode(PurposeDocument, 7) != c.Encode(PurposeDocument, 7) {
		t.Fatal("encode must be deterministic")
	}
}

func TestCodec_SequentialIDsLookUnrelated(t *testing.T) {
	c := testCodec(t)
	seen := make(map[string]bool)
	for id := uint64(1); id <= 1000; id++ {
		token := c.Encode(PurposeDocument, id)
		if len(token) != 18 {
			t.Fatalf("unexpected token length %d for %q", len(token), token)
		}
		if seen[token] {
			t.Fatalf("collision at id %d", id)
		}
		seen[token] = true
	}
	// Neighbouring ids must not share the ciphertext prefix.
	a, b := c.Encode(PurposeDocument, 100), c.Encode(PurposeDocument, 101)
	if a[2:8] == b[2:8] {
		t.Fatalf("tokens for neighbouring ids share a prefix: %s %s", a, b)
	}
}

func TestCodec_MalformedTokens(t *testing.T) {
	c := testCodec(t)
	valid := c.Encode(PurposeDocument, 12345)
	tampered := []byte(valid)
	if tampered[5] == 'A' {
		tampered[5] = 'B'
	} else {
		tampered[5] = 'A'
	}

	cases := map[string]string{
		"empty":         "",
		"short":         "abc",
		"long":          valid + "AAAA",
		"not base64":    strings.Repeat("*", 18),
		"tampered":      string(tampered),
		"digits":        "123456789012345678",
		"sql injection": "1' OR '1'='1",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(PurposeDocument, token)
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if !errors.Is(err, domain.ErrNotFound) || !IsNotFound(err) {
				t.Fatalf("error must match domain.ErrNotFound, got %v", err)
			}
		})
	}
}

func TestCodec_ForeignKeyRejected(t *testing.T) {
	ours := testCodec(t)
	theirs, err := New(Key{ID: 1, Secret: []byte("another-secret-of-enough-length")})
	if err != nil {
		t.Fatal(err)
	}

	rejected := 0
	for id := uint64(0); id < 500; id++ {
		if _, err := ours.Decode(PurposeDocument, theirs.Encode(PurposeDocument, id)); errors.Is(err, ErrNotFound) {
			rejected++
		}
	}
	if rejected != 500 {
		t.Fatalf("expected every foreign token to be rejected, rejected %d/500", rejected)
	}
}

func TestCodec_Rotation(t *testing.T) {
	oldKey := Key{ID: 1, Secret: []byte("old-secret-0123456789")}
	newKey := Key{ID: 2, Secret: []byte("new-secret-0123456789")}

	before, err := New(oldKey)
	if err != nil {
		t.Fatal(err)
	}
	legacy := before.Encode(PurposeDocument, 99)

	after, err := New(newKey, oldKey)
	if err != nil {
		t.Fatal(err)
	}
	got, err := after.Decode(PurposeDocument, legacy)
	if err != nil || got != 99 {
		t.Fatalf("retired key must still decode: got %d, err %v", got, err)
	}
	if after.Encode(PurposeDocument, 99) == legacy {
		t.Fatal("new tokens must be minted with the active key")
	}

	dropped, err := New(newKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dropped.Decode(PurposeDocument, legacy); !errors.Is(err, ErrNotFound) {
		t.Fatalf("token of a removed key must not decode, got %v", err)
	}
}

func TestNew_RejectsWeakOrDuplicateKeys(t *testing.T) {
	if _, err := New(Key{ID: 1, Secret: []byte("short")}); err == nil {
		t.Fatal("expected error for short secret")
	}
	k := Key{ID: 3, Secret: []byte("0123456789abcdef")}
	if _, err := New(k, k); err == nil {
		t.Fatal("expected error for duplicate key id")
	}
}

func TestCodec_PurposesAreSeparate(t *testing.T) {
	c := testCodec(t)
	purposes := []Purpose{PurposeUser, PurposeDocument, PurposePhoto}
	for id := uint64(1); id <= 200; id++ {
		for _, minted := range purposes {
			token := c.Encode(minted, id)
			for _, asked := range purposes {
				got, err := c.Decode(asked, token)
				if asked == minted {
					if err != nil || got != id {
						t.Fatalf("%s token for %d: got %d, err %v", minted, id, got, err)
					}
					continue
				}
				if !errors.Is(err, ErrNotFound) {
					t.Fatalf("%s token for %d decoded as %s: got %d, err %v", minted, id, asked, got, err)
				}
			}
		}
	}
	if c.Encode(PurposeUser, 1) == c.Encode(PurposeDocument, 1) {
		t.Fatal("tokens of different purposes must differ")
	}
}

func TestParsePurpose(t *testing.T) {
	for _, name := range []string{"user", "document", "photo"} {
		if p, err := ParsePurpose(name); err != nil || string(p) != name {
			t.Fatalf("ParsePurpose(%q) = %q, %v", name, p, err)
		}
	}
	if _, err := ParsePurpose("video"); err == nil {
		t.Fatal("expected error for unknown purpose")
	}
	if ForResource(domain.ResourcePhoto) != PurposePhoto {
		t.Fatal("photo resources must map to the photo purpose")
	}
}
