// Package codec turns sequential numeric ids into opaque public tokens and back.
//
// A token is keyID (1 byte) || ciphertext (8 bytes) || tag (4 bytes), encoded
// as unpadded base64url. The ciphertext is an 8-round Feistel permutation of
// the id keyed with BLAKE2b; the tag authenticates keyID and ciphertext so
// tokens minted under another secret are rejected instead of decoding to an
// arbitrary id. Every token is bound to a Purpose: the purpose is mixed into
// both the permutation and the tag, so a document token never decodes as a
// photo or user token. Retired keys stay decodable after rotation.
package codec

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"filebot/internal/domain"

	"golang.org/x/crypto/blake2b"
)

const (
	feistelRounds  = 8
	tagLen         = 4
	tokenLen       = 1 + 8 + tagLen
	minSecretBytes = 16
)

// ErrNotFound is returned for every token that cannot be decoded. Callers
// must treat it as an absent resource.
var ErrNotFound = fmt.Errorf("token: %w", domain.ErrNotFound)

// Purpose names the id space a token belongs to.
type Purpose string

const (
	PurposeUser     Purpose = "user"
	PurposeDocument Purpose = Purpose(domain.ResourceDocument)
	PurposePhoto    Purpose = Purpose(domain.ResourcePhoto)
)

// ForResource returns the purpose of download tokens for kind.
func ForResource(kind domain.ResourceType) Purpose {
	return Purpose(kind)
}

// ParsePurpose accepts the names used on the command line.
func ParsePurpose(s string) (Purpose, error) {
	switch p := Purpose(s); p {
	case PurposeUser, PurposeDocument, PurposePhoto:
		return p, nil
	default:
		return "", fmt.Errorf("unknown token purpose %q (user, document or photo)", s)
	}
}

// Key is one secret of the keyring.
type Key struct {
	ID     byte
	Secret []byte
}

type keyMaterial struct {
	round [32]byte
	tag   [32]byte
}

// Codec encodes with the active key and decodes with any known key.
type Codec struct {
	active byte
	keys   map[byte]keyMaterial
}

// New builds a codec that encodes with active and still accepts tokens
// minted with any of the retired keys.
func New(active Key, retired ...Key) (*Codec, error) {
	c := &Codec{active: active.ID, keys: make(map[byte]keyMaterial, 1+len(retired))}
	for _, k := range append([]Key{active}, retired...) {
		if len(k.Secret) < minSecretBytes {
			return nil, fmt.Errorf("codec key %d: secret must be at least %d bytes", k.ID, minSecretBytes)
		}
		if _, dup := c.keys[k.ID]; dup {
			return nil, fmt.Errorf("codec key %d: duplicate key id", k.ID)
		}
		c.keys[k.ID] = derive(k.Secret)
	}
	return c, nil
}

func derive(secret []byte) keyMaterial {
	return keyMaterial{
		round: blake2b.Sum256(append([]byte("filebot/round/"), secret...)),
		tag:   blake2b.Sum256(append([]byte("filebot/tag/"), secret...)),
	}
}

// Encode returns the public token for id within purpose.
func (c *Codec) Encode(purpose Purpose, id uint64) string {
	km := c.keys[c.active]

	var buf [tokenLen]byte
	buf[0] = c.active
	binary.BigEndian.PutUint64(buf[1:9], km.permute(purpose, id))
	copy(buf[9:], km.mac(purpose, buf[:9]))
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// Decode recovers the id behind token. Malformed input, unknown key ids,
// forged tags and tokens minted for another purpose all yield ErrNotFound.
func (c *Codec) Decode(purpose Purpose, token string) (uint64, error) {
	if base64.RawURLEncoding.DecodedLen(len(token)) != tokenLen {
		return 0, ErrNotFound
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenLen {
		return 0, ErrNotFound
	}
	km, ok := c.keys[raw[0]]
	if !ok {
		return 0, ErrNotFound
	}
	if subtle.ConstantTimeCompare(km.mac(purpose, raw[:9]), raw[9:]) != 1 {
		return 0, ErrNotFound
	}
	return km.unpermute(purpose, binary.BigEndian.Uint64(raw[1:9])), nil
}

// IsNotFound reports whether err came from a rejected token.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

func (km keyMaterial) permute(p Purpose, x uint64) uint64 {
	l, r := uint32(x>>32), uint32(x)
	for i := 0; i < feistelRounds; i++ {
		l, r = r, l^km.f(p, byte(i), r)
	}
	return uint64(l)<<32 | uint64(r)
}

func (km keyMaterial) unpermute(p Purpose, x uint64) uint64 {
	l, r := uint32(x>>32), uint32(x)
	for i := feistelRounds - 1; i >= 0; i-- {
		l, r = r^km.f(p, byte(i), l), l
	}
	return uint64(l)<<32 | uint64(r)
}

func (km keyMaterial) f(p Purpose, round byte, half uint32) uint32 {
	var in [5]byte
	in[0] = round
	binary.BigEndian.PutUint32(in[1:], half)
	h, _ := blake2b.New256(km.round[:]) // 32-byte key never fails
	writePurpose(h, p)
	h.Write(in[:])
	return binary.BigEndian.Uint32(h.Sum(nil))
}

func (km keyMaterial) mac(p Purpose, data []byte) []byte {
	h, _ := blake2b.New256(km.tag[:])
	writePurpose(h, p)
	h.Write(data)
	return h.Sum(nil)[:tagLen]
}

// writePurpose length-prefixes p so no purpose is a prefix of another.
func writePurpose(h hash.Hash, p Purpose) {
	h.Write([]byte{byte(len(p))})
	h.Write([]byte(p))
}
