package crypto

import (
	"math/big"
	"sync"
)

// DHKeySupplierDepth is how many precomputed keypairs the supplier keeps
// warm.
const DHKeySupplierDepth = 5

// DHKeyPair is one precomputed ephemeral Diffie-Hellman keypair.
type DHKeyPair struct {
	Priv *big.Int
	Pub  [DHKeySize]byte
}

// DHKeySupplier keeps a bounded queue of precomputed DH keypairs so a
// transport handshake does not pay the modular exponentiation on its
// critical path. The producer goroutine blocks on the full channel until
// a consumer drains a slot.
type DHKeySupplier struct {
	ch   chan DHKeyPair
	done chan struct{}
	once sync.Once
}

// NewDHKeySupplier starts the producer and returns the supplier; call
// Close when the owning transport shuts down.
func NewDHKeySupplier() *DHKeySupplier {
	s := &DHKeySupplier{
		ch:   make(chan DHKeyPair, DHKeySupplierDepth),
		done: make(chan struct{}),
	}
	go s.fill()
	return s
}

func (s *DHKeySupplier) fill() {
	for {
		priv, pub, err := GenerateDHKeyPair()
		if err != nil {
			// The CSPRNG failing is unrecoverable; consumers fall back to
			// generating inline and will surface the error themselves.
			return
		}
		select {
		case s.ch <- DHKeyPair{Priv: priv, Pub: pub}:
		case <-s.done:
			return
		}
	}
}

// Get returns a precomputed keypair when one is ready, generating inline
// otherwise.
func (s *DHKeySupplier) Get() (*big.Int, [DHKeySize]byte, error) {
	select {
	case kp := <-s.ch:
		return kp.Priv, kp.Pub, nil
	default:
		return GenerateDHKeyPair()
	}
}

// Close stops the producer goroutine.
func (s *DHKeySupplier) Close() {
	s.once.Do(func() { close(s.done) })
}
