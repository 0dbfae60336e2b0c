package ntcp

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// initiateHandshake runs the 4-phase handshake as the connecting side
// (A).
func initiateHandshake(conn net.Conn, selfID *common.RouterIdentity, signer crypto.Signer, peerRI *common.RouterInfo, dh *crypto.DHKeySupplier) (*Session, error) {
	conn.SetDeadline(time.Now().Add(SessionCreationTimeout))
	defer conn.SetDeadline(time.Time{})

	peerHash := peerRI.Hash()

	xPriv, x, err := dh.Get()
	if err != nil {
		return nil, err
	}

	// Phase 1: X || H(X) xor H(B.ident)
	hx := crypto.SHA256(x[:])
	phase1 := make([]byte, crypto.DHKeySize+crypto.HashSize)
	copy(phase1, x[:])
	masked := hx.Xor(peerHash)
	copy(phase1[crypto.DHKeySize:], masked.Bytes())
	if _, err := conn.Write(phase1); err != nil {
		return nil, err
	}

	// Phase 2: Y || AES{ H(X||Y) || tsB || padding }
	var phase2Head [crypto.DHKeySize]byte
	if _, err := readFull(conn, phase2Head[:]); err != nil {
		return nil, err
	}
	shared := crypto.DHSharedSecret(xPriv, phase2Head)
	sessionKey := crypto.SessionKeyFromSharedSecret(shared)

	var iv2 [crypto.BlockSize]byte // phase 2's AES block is keyed with a zero IV by convention; chained afterward
	phase2EncLen := roundUp(crypto.HashSize+4+12, crypto.BlockSize)
	phase2Enc := make([]byte, phase2EncLen)
	if _, err := readFull(conn, phase2Enc); err != nil {
		return nil, err
	}
	phase2Plain, err := crypto.CBCDecrypt(sessionKey[:], iv2[:], phase2Enc)
	if err != nil {
		return nil, err
	}
	hxy := crypto.SHA256(x[:], phase2Head[:])
	if !constantEqual(phase2Plain[:crypto.HashSize], hxy.Bytes()) {
		return nil, fmt.Errorf("%w: ntcp phase 2 H(X||Y) mismatch", util.ErrAuthFailed)
	}
	tsB := binary.BigEndian.Uint32(phase2Plain[crypto.HashSize : crypto.HashSize+4])

	var sessIV [crypto.BlockSize]byte
	copy(sessIV[:], phase2Enc[len(phase2Enc)-crypto.BlockSize:])

	// Phase 3: AES{ size || A.identity || tsA || sig || padding }; the
	// signature directly follows tsA and the zero padding comes last.
	tsA := uint32(time.Now().Unix())
	idBytes, err := selfID.Bytes()
	if err != nil {
		return nil, err
	}
	sigMsg := phase3SignedMessage(x[:], phase2Head, peerHash, tsA, tsB)
	sig, err := signer.Sign(sigMsg)
	if err != nil {
		return nil, err
	}

	phase3Plain := make([]byte, 0, 2+len(idBytes)+4+len(sig))
	var sizeField [2]byte
	binary.BigEndian.PutUint16(sizeField[:], uint16(len(idBytes)))
	phase3Plain = append(phase3Plain, sizeField[:]...)
	phase3Plain = append(phase3Plain, idBytes...)
	var tsField [4]byte
	binary.BigEndian.PutUint32(tsField[:], tsA)
	phase3Plain = append(phase3Plain, tsField[:]...)
	phase3Plain = append(phase3Plain, sig...)
	for len(phase3Plain)%crypto.BlockSize != 0 {
		phase3Plain = append(phase3Plain, 0)
	}

	phase3Enc, err := crypto.CBCEncrypt(sessionKey[:], sessIV[:], phase3Plain)
	if err != nil {
		return nil, err
	}
	copy(sessIV[:], phase3Enc[len(phase3Enc)-crypto.BlockSize:])
	if _, err := conn.Write(phase3Enc); err != nil {
		return nil, err
	}

	// A's outbound frame chain continues from phase 3's last ciphertext
	// block; B's replies chain from phase 4's.
	var ivOut [crypto.BlockSize]byte
	copy(ivOut[:], phase3Enc[len(phase3Enc)-crypto.BlockSize:])

	// Phase 4: AES{ sig(X,Y,H(A),tsA,tsB) || padding }
	sigLen := sigSizeFor(peerRI.Identity.SigningKey.Type())
	phase4Len := roundUp(sigLen, crypto.BlockSize)
	phase4Enc := make([]byte, phase4Len)
	if _, err := readFull(conn, phase4Enc); err != nil {
		return nil, err
	}
	phase4Plain, err := crypto.CBCDecrypt(sessionKey[:], sessIV[:], phase4Enc)
	if err != nil {
		return nil, err
	}
	var ivIn [crypto.BlockSize]byte
	copy(ivIn[:], phase4Enc[len(phase4Enc)-crypto.BlockSize:])

	selfHash := selfID.Hash()
	expectMsg := phase3SignedMessage(x[:], phase2Head, selfHash, tsA, tsB)
	if len(phase4Plain) < sigLen {
		return nil, fmt.Errorf("%w: ntcp phase 4 signature truncated", util.ErrMalformed)
	}
	if err := peerRI.Identity.SigningKey.Verify(expectMsg, phase4Plain[:sigLen]); err != nil {
		return nil, fmt.Errorf("%w: ntcp phase 4 signature invalid", util.ErrAuthFailed)
	}

	return &Session{conn: conn, remote: peerHash, layerKey: sessionKey, ivOut: ivOut, ivIn: ivIn}, nil
}

// acceptHandshake runs the handshake as the accepting side (B).
func acceptHandshake(conn net.Conn, selfID *common.RouterIdentity, signer crypto.Signer, dh *crypto.DHKeySupplier) (*Session, error) {
	conn.SetDeadline(time.Now().Add(SessionCreationTimeout))
	defer conn.SetDeadline(time.Time{})

	selfHash := selfID.Hash()

	var phase1 [crypto.DHKeySize + crypto.HashSize]byte
	if _, err := readFull(conn, phase1[:]); err != nil {
		return nil, err
	}
	var x [crypto.DHKeySize]byte
	copy(x[:], phase1[:crypto.DHKeySize])
	hx := crypto.SHA256(x[:])
	var masked crypto.Hash
	copy(masked[:], phase1[crypto.DHKeySize:])
	gotHashIdent := hx.Xor(masked)
	if gotHashIdent != selfHash {
		return nil, fmt.Errorf("%w: ntcp phase 1 did not address this router", util.ErrAuthFailed)
	}

	yPriv, y, err := dh.Get()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(y[:]); err != nil {
		return nil, err
	}

	shared := crypto.DHSharedSecret(yPriv, x)
	sessionKey := crypto.SessionKeyFromSharedSecret(shared)

	hxy := crypto.SHA256(x[:], y[:])
	tsB := uint32(time.Now().Unix())
	phase2Plain := make([]byte, 0, crypto.HashSize+4+12)
	phase2Plain = append(phase2Plain, hxy.Bytes()...)
	var tsField [4]byte
	binary.BigEndian.PutUint32(tsField[:], tsB)
	phase2Plain = append(phase2Plain, tsField[:]...)
	for len(phase2Plain)%crypto.BlockSize != 0 {
		phase2Plain = append(phase2Plain, 0)
	}

	var iv2 [crypto.BlockSize]byte
	phase2Enc, err := crypto.CBCEncrypt(sessionKey[:], iv2[:], phase2Plain)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(phase2Enc); err != nil {
		return nil, err
	}
	var sessIV [crypto.BlockSize]byte
	copy(sessIV[:], phase2Enc[len(phase2Enc)-crypto.BlockSize:])

	// Phase 3: read A's identity + timestamp + signature, variable length.
	var sizeBlock [crypto.BlockSize]byte
	if _, err := readFull(conn, sizeBlock[:]); err != nil {
		return nil, err
	}
	sizeDec, err := crypto.CBCDecrypt(sessionKey[:], sessIV[:], sizeBlock[:])
	if err != nil {
		return nil, err
	}
	idSize := int(binary.BigEndian.Uint16(sizeDec[:2]))
	remaining := roundUp(2+idSize+4, crypto.BlockSize) - crypto.BlockSize

	plain := append([]byte(nil), sizeDec...)
	ivCursor := sessIV
	copy(ivCursor[:], sizeBlock[len(sizeBlock)-crypto.BlockSize:])
	for remaining > 0 {
		block := make([]byte, crypto.BlockSize)
		if _, err := readFull(conn, block); err != nil {
			return nil, err
		}
		dec, err := crypto.CBCDecrypt(sessionKey[:], ivCursor[:], block)
		if err != nil {
			return nil, err
		}
		copy(ivCursor[:], block[len(block)-crypto.BlockSize:])
		plain = append(plain, dec...)
		remaining -= crypto.BlockSize
	}

	peerID, rest, err := common.ReadRouterIdentity(plain[2 : 2+idSize])
	if err != nil {
		return nil, err
	}
	_ = rest
	tsA := binary.BigEndian.Uint32(plain[2+idSize : 2+idSize+4])
	sigStart := 2 + idSize + 4
	sigLen := sigSizeFor(peerID.SigningKey.Type())
	remainingForSig := roundUp(2+idSize+4+sigLen, crypto.BlockSize) - len(plain)
	for remainingForSig > 0 {
		block := make([]byte, crypto.BlockSize)
		if _, err := readFull(conn, block); err != nil {
			return nil, err
		}
		dec, err := crypto.CBCDecrypt(sessionKey[:], ivCursor[:], block)
		if err != nil {
			return nil, err
		}
		copy(ivCursor[:], block[len(block)-crypto.BlockSize:])
		plain = append(plain, dec...)
		remainingForSig -= crypto.BlockSize
	}
	sig := plain[sigStart : sigStart+sigLen]

	peerHash := peerID.Hash()
	sigMsg := phase3SignedMessage(x[:], y, selfHash, tsA, tsB)
	if err := peerID.SigningKey.Verify(sigMsg, sig); err != nil {
		return nil, fmt.Errorf("%w: ntcp phase 3 signature invalid", util.ErrAuthFailed)
	}

	// A's frames chain from phase 3's last ciphertext block, which is
	// where ivCursor now sits.
	ivIn := ivCursor

	// Phase 4: sign H(peer-ident) from our own side and send.
	replyMsg := phase3SignedMessage(x[:], y, peerHash, tsA, tsB)
	replySig, err := signer.Sign(replyMsg)
	if err != nil {
		return nil, err
	}
	phase4Plain := append([]byte(nil), replySig...)
	for len(phase4Plain)%crypto.BlockSize != 0 {
		phase4Plain = append(phase4Plain, 0)
	}
	phase4Enc, err := crypto.CBCEncrypt(sessionKey[:], ivCursor[:], phase4Plain)
	if err != nil {
		return nil, err
	}
	var ivOut [crypto.BlockSize]byte
	copy(ivOut[:], phase4Enc[len(phase4Enc)-crypto.BlockSize:])
	if _, err := conn.Write(phase4Enc); err != nil {
		return nil, err
	}

	return &Session{conn: conn, remote: peerHash, layerKey: sessionKey, ivOut: ivOut, ivIn: ivIn}, nil
}

// phase3SignedMessage builds the message phases 3 and 4 sign: X || Y ||
// H(peer) || tsA || tsB.
func phase3SignedMessage(x []byte, y [crypto.DHKeySize]byte, peerHash crypto.Hash, tsA, tsB uint32) []byte {
	buf := make([]byte, 0, len(x)+crypto.DHKeySize+crypto.HashSize+8)
	buf = append(buf, x...)
	buf = append(buf, y[:]...)
	buf = append(buf, peerHash.Bytes()...)
	var ts [8]byte
	binary.BigEndian.PutUint32(ts[:4], tsA)
	binary.BigEndian.PutUint32(ts[4:], tsB)
	buf = append(buf, ts[:]...)
	return buf
}

func sigSizeFor(t crypto.SigType) int {
	switch t {
	case crypto.SigDSA_SHA1:
		return 40
	case crypto.SigECDSA_P256:
		return 64
	case crypto.SigECDSA_P384:
		return 96
	case crypto.SigECDSA_P521:
		return 132
	case crypto.SigEdDSA25519:
		return 64
	default:
		return 64
	}
}

func roundUp(n, multiple int) int {
	if n%multiple == 0 {
		return n
	}
	return n + (multiple - n%multiple)
}

func constantEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
