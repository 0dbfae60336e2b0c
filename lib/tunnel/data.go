package tunnel

import (
	"fmt"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

// EncryptOutbound prepares a cleartext tunnel frame for transmission by
// an outbound tunnel's gateway (us). Every relaying hop applies its own
// tunnel_encrypt as the frame travels forward and the terminal hop
// applies a single tunnel_decrypt before honoring the fragment's
// delivery instructions, so the gateway pre-images those
// transforms: encrypt once under the terminal hop's keys, then unwind
// each earlier hop's coming encryption with a tunnel_decrypt, outermost
// first-hop last. Each hop's transform then cancels exactly one layer
// and the terminal hop recovers the original frame.
func (t *Tunnel) EncryptOutbound(frame [FrameSize]byte) ([FrameSize]byte, error) {
	if t.Direction != Outbound {
		return frame, fmt.Errorf("tunnel: EncryptOutbound called on a %s tunnel", dirString(t.Direction))
	}
	last := t.Hops[len(t.Hops)-1]
	cur, err := crypto.TunnelEncrypt(frame[:], last.LayerKey[:], last.IVKey[:])
	if err != nil {
		return frame, err
	}
	for i := len(t.Hops) - 2; i >= 0; i-- {
		hop := t.Hops[i]
		dec, err := crypto.TunnelDecrypt(cur, hop.LayerKey[:], hop.IVKey[:])
		if err != nil {
			return frame, err
		}
		cur = dec
	}
	var out [FrameSize]byte
	copy(out[:], cur)
	return out, nil
}

// DecryptHop undoes one hop's tunnel_encrypt layer. The inbound
// endpoint (us) calls this once per hop, outermost (last hop) first, to
// recover the frame the inbound gateway was handed.
func DecryptHop(frame [FrameSize]byte, hop Hop) ([FrameSize]byte, error) {
	dec, err := crypto.TunnelDecrypt(frame[:], hop.LayerKey[:], hop.IVKey[:])
	if err != nil {
		return frame, err
	}
	var out [FrameSize]byte
	copy(out[:], dec)
	return out, nil
}
