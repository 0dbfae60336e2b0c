package i2np

import (
	"fmt"

	"github.com/go-i2p/go-i2p-router/lib/util"
)

// Handler processes one decoded I2NP message. Implementations live in the
// NetDb, tunnel, and garlic packages; Dispatcher only routes by type.
type Handler interface {
	HandleI2NP(msg *Message) error
}

// Dispatcher routes a decoded I2NP message to the subsystem registered
// for its type ID.
type Dispatcher struct {
	handlers map[Type]Handler
}

// NewDispatcher creates an empty dispatcher; call Register for each type
// the router participates in.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Type]Handler)}
}

// Register installs h as the handler for typ, replacing any previous
// registration.
func (d *Dispatcher) Register(typ Type, h Handler) {
	d.handlers[typ] = h
}

// Dispatch routes msg to its registered handler. A message with no
// registered handler is reported as util.ErrMalformed rather than
// silently ignored, so callers can update stats.
func (d *Dispatcher) Dispatch(msg *Message) error {
	h, ok := d.handlers[msg.Type]
	if !ok {
		return fmt.Errorf("%w: no handler registered for i2np type %d", util.ErrMalformed, msg.Type)
	}
	return h.HandleI2NP(msg)
}
