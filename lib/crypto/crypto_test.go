package crypto

import (
	"bytes"
	"testing"

	"github.com/go-i2p/go-i2p-router/lib/util"
)

func TestTunnelEncryptDecryptRoundTrip(t *testing.T) {
	layerKey := mustRandom(t, KeySize)
	ivKey := mustRandom(t, KeySize)
	frame := mustRandom(t, TunnelFrameSize)

	enc, err := TunnelEncrypt(frame, layerKey, ivKey)
	if err != nil {
		t.Fatalf("TunnelEncrypt: %v", err)
	}
	if bytes.Equal(enc, frame) {
		t.Fatalf("TunnelEncrypt did not change the frame")
	}

	dec, err := TunnelDecrypt(enc, layerKey, ivKey)
	if err != nil {
		t.Fatalf("TunnelDecrypt: %v", err)
	}
	if !bytes.Equal(dec, frame) {
		t.Fatalf("round trip mismatch:\n got %x\nwant %x", dec, frame)
	}
}

func TestTunnelEncryptChangesAllBytes(t *testing.T) {
	layerKey := mustRandom(t, KeySize)
	ivKey := mustRandom(t, KeySize)
	frame := make([]byte, TunnelFrameSize) // all zero, worst case for "changes everything"

	enc, err := TunnelEncrypt(frame, layerKey, ivKey)
	if err != nil {
		t.Fatalf("TunnelEncrypt: %v", err)
	}
	same := 0
	for i := range enc {
		if enc[i] == frame[i] {
			same++
		}
	}
	// With independent random keys, an all-zero input colliding with its
	// ciphertext byte-for-byte anywhere near this rate would indicate a
	// broken transform.
	if same > TunnelFrameSize/4 {
		t.Fatalf("too many bytes unchanged: %d/%d", same, TunnelFrameSize)
	}
}

func TestElGamalRoundTrip(t *testing.T) {
	priv, pub, err := GenerateElGamalKeyPair()
	if err != nil {
		t.Fatalf("GenerateElGamalKeyPair: %v", err)
	}
	payload := mustRandom(t, ElGamalPayloadSize)

	for _, zeroPad := range []bool{true, false} {
		ct, err := ElGamalEncrypt(pub, payload, zeroPad)
		if err != nil {
			t.Fatalf("ElGamalEncrypt(zeroPad=%v): %v", zeroPad, err)
		}
		wantLen := 512
		if zeroPad {
			wantLen = 514
		}
		if len(ct) != wantLen {
			t.Fatalf("ciphertext length = %d, want %d", len(ct), wantLen)
		}
		pt, err := ElGamalDecrypt(priv, ct)
		if err != nil {
			t.Fatalf("ElGamalDecrypt(zeroPad=%v): %v", zeroPad, err)
		}
		if !bytes.Equal(pt, payload) {
			t.Fatalf("round trip mismatch (zeroPad=%v):\n got %x\nwant %x", zeroPad, pt, payload)
		}
	}
}

func TestElGamalDecryptCheckFails(t *testing.T) {
	priv, pub, err := GenerateElGamalKeyPair()
	if err != nil {
		t.Fatalf("GenerateElGamalKeyPair: %v", err)
	}
	payload := mustRandom(t, ElGamalPayloadSize)
	ct, err := ElGamalEncrypt(pub, payload, true)
	if err != nil {
		t.Fatalf("ElGamalEncrypt: %v", err)
	}
	ct[300] ^= 0xFF // corrupt the ciphertext body

	if _, err := ElGamalDecrypt(priv, ct); err == nil {
		t.Fatalf("expected decrypt check failure on corrupted ciphertext")
	} else if !isDecryptCheckFailed(err) {
		t.Fatalf("expected ErrDecryptCheckFailed, got %v", err)
	}
}

func isDecryptCheckFailed(err error) bool {
	return util.Classify(err) == util.KindDecryptCheckFailed
}

func TestSignatureRoundTripEdDSA(t *testing.T) {
	priv, pub, err := GenerateEdDSAKeyPair()
	if err != nil {
		t.Fatalf("GenerateEdDSAKeyPair: %v", err)
	}
	msg := []byte("i2p router identity bytes")

	sig, err := priv.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := pub.Verify(msg, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	corrupted := append([]byte(nil), sig...)
	corrupted[0] ^= 0x01
	if err := pub.Verify(msg, corrupted); err == nil {
		t.Fatalf("expected verification failure on flipped signature bit")
	}

	corruptedMsg := append([]byte(nil), msg...)
	corruptedMsg[0] ^= 0x01
	if err := pub.Verify(corruptedMsg, sig); err == nil {
		t.Fatalf("expected verification failure on flipped message bit")
	}
}

func TestSignatureRoundTripECDSA(t *testing.T) {
	for _, st := range []SigType{SigECDSA_P256, SigECDSA_P384, SigECDSA_P521} {
		priv, pub, err := GenerateECDSAKeyPair(st)
		if err != nil {
			t.Fatalf("GenerateECDSAKeyPair(%v): %v", st, err)
		}
		msg := []byte("router info bytes")
		sig, err := priv.Sign(msg)
		if err != nil {
			t.Fatalf("Sign(%v): %v", st, err)
		}
		if err := pub.Verify(msg, sig); err != nil {
			t.Fatalf("Verify(%v): %v", st, err)
		}
		sig[0] ^= 0xFF
		if err := pub.Verify(msg, sig); err == nil {
			t.Fatalf("Verify(%v): expected failure on corrupted signature", st)
		}
	}
}

func TestHMACMD5I2PDeterministic(t *testing.T) {
	key := mustRandom(t, 16)
	data := mustRandom(t, 64)

	a := HMACMD5I2P(key, data)
	b := HMACMD5I2P(key, data)
	if !bytes.Equal(a, b) {
		t.Fatalf("HMACMD5I2P is not deterministic")
	}
	data[0] ^= 0xFF
	c := HMACMD5I2P(key, data)
	if bytes.Equal(a, c) {
		t.Fatalf("HMACMD5I2P did not change with input")
	}
}

func mustRandom(t *testing.T, n int) []byte {
	t.Helper()
	b, err := RandomBytes(n)
	if err != nil {
		t.Fatalf("RandomBytes(%d): %v", n, err)
	}
	return b
}

func TestDHKeySupplierAgreesWithInlineGeneration(t *testing.T) {
	s := NewDHKeySupplier()
	defer s.Close()

	aPriv, aPub, err := s.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	bPriv, bPub, err := GenerateDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateDHKeyPair: %v", err)
	}

	ab := SessionKeyFromSharedSecret(DHSharedSecret(aPriv, bPub))
	ba := SessionKeyFromSharedSecret(DHSharedSecret(bPriv, aPub))
	if ab != ba {
		t.Fatal("supplier keypair does not agree on the shared secret")
	}
}

func TestDHKeySupplierDrainsAndRefills(t *testing.T) {
	s := NewDHKeySupplier()
	defer s.Close()

	// Drain past the warm depth; Get must keep producing valid pairs via
	// its inline fallback even when the queue is momentarily empty.
	for i := 0; i < DHKeySupplierDepth+2; i++ {
		priv, pub, err := s.Get()
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if priv == nil || pub == [DHKeySize]byte{} {
			t.Fatalf("Get %d returned a zero keypair", i)
		}
	}
}
