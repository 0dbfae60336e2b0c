package common

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-i2p/go-i2p-router/lib/util"
)

// ReadRouterInfo decodes a RouterInfo from data, returning any trailing
// bytes (there should be none for a file-persisted record, but the NetDb
// store handler may see a RouterInfo embedded in a larger I2NP payload).
func ReadRouterInfo(data []byte) (*RouterInfo, []byte, error) {
	identity, rest, err := ReadRouterIdentity(data)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) < 8+1 {
		return nil, nil, fmt.Errorf("%w: router info truncated after identity", util.ErrMalformed)
	}
	publishedMs := binary.BigEndian.Uint64(rest[:8])
	rest = rest[8:]

	numAddrs := int(rest[0])
	rest = rest[1:]
	addrs := make([]RouterAddress, 0, numAddrs)
	for i := 0; i < numAddrs; i++ {
		if len(rest) < 9 {
			return nil, nil, fmt.Errorf("%w: router address truncated", util.ErrMalformed)
		}
		cost := rest[0]
		exp := binary.BigEndian.Uint64(rest[1:9])
		rest = rest[9:]
		style, r2, err := readString(rest)
		if err != nil {
			return nil, nil, err
		}
		rest = r2
		opts, r3, err := readMapping(rest)
		if err != nil {
			return nil, nil, err
		}
		rest = r3
		addrs = append(addrs, RouterAddress{
			Style:      TransportStyle(style),
			Cost:       cost,
			Expiration: exp,
			Options:    opts,
		})
	}

	if len(rest) < 1 {
		return nil, nil, fmt.Errorf("%w: router info truncated before peer size", util.ErrMalformed)
	}
	rest = rest[1:] // peer-size, always 0

	opts, rest, err := readMapping(rest)
	if err != nil {
		return nil, nil, err
	}

	sigSize := signatureWireSize(identity)
	if len(rest) < sigSize {
		return nil, nil, fmt.Errorf("%w: router info signature truncated", util.ErrMalformed)
	}
	sig := make([]byte, sigSize)
	copy(sig, rest[:sigSize])
	rest = rest[sigSize:]

	ri := &RouterInfo{
		Identity:  identity,
		Published: time.UnixMilli(int64(publishedMs)),
		Addresses: addrs,
		Options:   opts,
		Signature: sig,
	}
	return ri, rest, nil
}

func signatureWireSize(id *RouterIdentity) int {
	switch id.SigningKey.Type() {
	case 0: // SigDSA_SHA1
		return 40
	case 1: // SigECDSA_P256
		return 64
	case 2: // SigECDSA_P384
		return 96
	case 3: // SigECDSA_P521
		return 132
	case 4: // SigRSA_SHA512_4096
		return 512
	default: // SigEdDSA25519
		return 64
	}
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 1 {
		return "", nil, fmt.Errorf("%w: string length truncated", util.ErrMalformed)
	}
	n := int(data[0])
	if len(data) < 1+n {
		return "", nil, fmt.Errorf("%w: string body truncated", util.ErrMalformed)
	}
	return string(data[1 : 1+n]), data[1+n:], nil
}

func readMapping(data []byte) (map[string]string, []byte, error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("%w: mapping size truncated", util.ErrMalformed)
	}
	size := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+size {
		return nil, nil, fmt.Errorf("%w: mapping body truncated", util.ErrMalformed)
	}
	body := data[2 : 2+size]
	rest := data[2+size:]

	m := make(map[string]string)
	for len(body) > 0 {
		k, r2, err := readString(body)
		if err != nil {
			return nil, nil, err
		}
		body = r2
		if len(body) < 1 || body[0] != '=' {
			return nil, nil, fmt.Errorf("%w: mapping missing '='", util.ErrMalformed)
		}
		body = body[1:]
		v, r3, err := readString(body)
		if err != nil {
			return nil, nil, err
		}
		body = r3
		if len(body) < 1 || body[0] != ';' {
			return nil, nil, fmt.Errorf("%w: mapping missing ';'", util.ErrMalformed)
		}
		body = body[1:]
		m[k] = v
	}
	return m, rest, nil
}
