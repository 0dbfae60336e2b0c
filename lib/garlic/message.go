package garlic

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// aesBody is the decrypted/pre-encryption contents of a garlic message
// body: the new-tag preamble followed by the clove list.
type aesBody struct {
	NewTags []SessionTag
	Cloves  []Clove
}

// encode writes count_u16 || tags[] || cloveCount_u8 || cloves, then
// pads to a multiple of the AES block size.
func (b aesBody) encode() []byte {
	out := make([]byte, 0, 2+len(b.NewTags)*crypto.HashSize+1)
	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(b.NewTags)))
	out = append(out, count[:]...)
	for _, t := range b.NewTags {
		out = append(out, t[:]...)
	}
	out = append(out, byte(len(b.Cloves)))
	for _, c := range b.Cloves {
		out = append(out, encodeClove(c)...)
	}
	for len(out)%crypto.BlockSize != 0 {
		out = append(out, 0)
	}
	return out
}

func decodeAESBody(data []byte) (aesBody, error) {
	if len(data) < 2 {
		return aesBody{}, fmt.Errorf("%w: garlic body missing tag preamble", util.ErrMalformed)
	}
	count := int(binary.BigEndian.Uint16(data[:2]))
	rest := data[2:]
	tags := make([]SessionTag, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < crypto.HashSize {
			return aesBody{}, fmt.Errorf("%w: garlic body tag preamble truncated", util.ErrMalformed)
		}
		var t SessionTag
		copy(t[:], rest[:crypto.HashSize])
		tags = append(tags, t)
		rest = rest[crypto.HashSize:]
	}
	if len(rest) < 1 {
		return aesBody{}, fmt.Errorf("%w: garlic body missing clove count", util.ErrMalformed)
	}
	numCloves := int(rest[0])
	rest = rest[1:]
	cloves := make([]Clove, 0, numCloves)
	for i := 0; i < numCloves; i++ {
		c, tail, err := decodeClove(rest)
		if err != nil {
			return aesBody{}, err
		}
		cloves = append(cloves, c)
		rest = tail
	}
	return aesBody{NewTags: tags, Cloves: cloves}, nil
}

// tagIV derives the per-message AES-CBC IV for a tag-identified message:
// the leading 16 bytes of SHA-256(tag), since no explicit IV travels on
// the wire once a session is past its first ElGamal-bootstrapped message.
func tagIV(tag SessionTag) [crypto.BlockSize]byte {
	sum := crypto.SHA256(tag[:])
	var iv [crypto.BlockSize]byte
	copy(iv[:], sum[:crypto.BlockSize])
	return iv
}

// elgamalBlockPayloadSize is sessionKey(32) + preIV(32) + padding(158),
// filling ElGamal's 222-byte payload exactly.
const elgamalBlockPayloadSize = 32 + 32 + 158

func encodeElGamalBlock(sessionKey [crypto.KeySize]byte, preIV [32]byte) ([]byte, error) {
	block := make([]byte, 0, elgamalBlockPayloadSize)
	block = append(block, sessionKey[:]...)
	block = append(block, preIV[:]...)
	padding, err := crypto.RandomBytes(158)
	if err != nil {
		return nil, err
	}
	block = append(block, padding...)
	return block, nil
}

func decodeElGamalBlock(block []byte) (sessionKey [crypto.KeySize]byte, preIV [32]byte, err error) {
	if len(block) != elgamalBlockPayloadSize {
		return sessionKey, preIV, fmt.Errorf("%w: garlic ElGamal block has wrong size", util.ErrMalformed)
	}
	copy(sessionKey[:], block[:32])
	copy(preIV[:], block[32:64])
	return sessionKey, preIV, nil
}

// msExpiry returns the time d from now.
func msExpiry(d time.Duration) time.Time {
	return time.Now().Add(d)
}
