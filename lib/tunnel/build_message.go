package tunnel

import (
	"crypto/rand"
	"fmt"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
	"github.com/go-i2p/go-i2p-router/lib/util"
)

// encryptedRecordSize is the ElGamal zero-padded ciphertext size a
// BuildRequestRecord is encrypted to.
const encryptedRecordSize = 514

// BuildMessage is the on-wire TunnelBuild/TunnelBuildReply payload: always
// RecordsPerBuild slots, the real ones ElGamal-encrypted to their hop's
// identity key and the rest filled with random bytes so message size
// never reveals the tunnel's true length.
type BuildMessage struct {
	Records [RecordsPerBuild][encryptedRecordSize]byte
}

// BuildRecordSlot associates a BuildRequestRecord with the hop it targets,
// used only while constructing or processing a BuildMessage (never
// serialized directly; Records carries the ciphertext).
type BuildRecordSlot struct {
	Hop    *common.RouterInfo
	Record *BuildRequestRecord
}

// EncodeBuildMessage ElGamal-encrypts each real slot's record to its hop's
// public key and fills the remaining RecordsPerBuild-len(slots) records
// with random bytes.
func EncodeBuildMessage(slots []BuildRecordSlot) (*BuildMessage, error) {
	if len(slots) > RecordsPerBuild {
		return nil, fmt.Errorf("%w: tunnel build cannot carry more than %d records", util.ErrMalformed, RecordsPerBuild)
	}
	msg := &BuildMessage{}
	for i := 0; i < RecordsPerBuild; i++ {
		if i < len(slots) {
			plain := slots[i].Record.Encode()
			// recordPlaintextSize is already within ElGamal's 222-byte
			// ceiling by construction (see build.go's field layout).
			ct, err := crypto.ElGamalEncrypt(&slots[i].Hop.Identity.PublicKey, plain, true)
			if err != nil {
				return nil, err
			}
			copy(msg.Records[i][:], ct)
		} else {
			if _, err := rand.Read(msg.Records[i][:]); err != nil {
				return nil, err
			}
		}
	}
	return msg, nil
}

// FindOwnRecord locates the slot, if any, whose toPeer prefix matches the
// first 16 bytes of self (a hop's own identity hash), decrypting it with
// priv. Hops that find no matching record are not part of this build.
func FindOwnRecord(msg *BuildMessage, self crypto.Hash, priv *crypto.ElGamalPrivateKey) (int, *BuildRequestRecord, error) {
	for i, ct := range msg.Records {
		plain, err := crypto.ElGamalDecrypt(priv, ct[:])
		if err != nil {
			continue // not ours, or random padding; try the next slot
		}
		rec, err := DecodeBuildRequestRecord(plain)
		if err != nil {
			continue
		}
		if selfPrefix(self) == rec.ToPeer {
			return i, rec, nil
		}
	}
	return -1, nil, fmt.Errorf("%w: no build record addressed to this hop", util.ErrNotFound)
}

func selfPrefix(h crypto.Hash) [16]byte {
	var out [16]byte
	copy(out[:], h.Bytes()[:16])
	return out
}

// MaskOthers XORs every record other than ownIndex with
// AES-CBC(replyKey, replyIV) keystream, so a later hop cannot correlate
// which ciphertext belongs to which earlier hop.
func MaskOthers(msg *BuildMessage, ownIndex int, replyKey [crypto.KeySize]byte, replyIV [crypto.BlockSize]byte) error {
	keystream, err := aesKeystream(replyKey[:], replyIV[:], RecordsPerBuild*encryptedRecordSize)
	if err != nil {
		return err
	}
	for i := 0; i < RecordsPerBuild; i++ {
		if i == ownIndex {
			continue
		}
		chunk := keystream[i*encryptedRecordSize : (i+1)*encryptedRecordSize]
		for j := range msg.Records[i] {
			msg.Records[i][j] ^= chunk[j]
		}
	}
	return nil
}

// aesKeystream generates n bytes of AES-CBC keystream by encrypting an
// all-zero plaintext, the standard way to turn a block cipher into a
// stream XOR mask when only a CBC primitive is available.
func aesKeystream(key, iv []byte, n int) ([]byte, error) {
	blocks := (n + crypto.BlockSize - 1) / crypto.BlockSize
	zero := make([]byte, blocks*crypto.BlockSize)
	out, err := crypto.CBCEncrypt(key, iv, zero)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}
