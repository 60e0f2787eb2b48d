// Package node defines the local Node's identity and the process-wide
// lifecycle context threaded into every component. It deliberately holds
// no ambient global state: the source repo this core is modeled on kept
// a writable process-global Node reference, which every subsystem reached
// into directly. Here, Identity and Context are explicit values passed
// into constructors instead.
package node

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Identity names one Node: a positive 64-bit id regenerated on each cold
// start, the function name identifying its deployment's membership group,
// and the deployment number it is authorized to serve.
type Identity struct {
	ID           uint64
	FunctionName string
	Deployment   int
}

// String renders the identity for logs.
func (id Identity) String() string {
	return fmt.Sprintf("node[%d]@%s/deployment-%d", id.ID, id.FunctionName, id.Deployment)
}

// NewIdentity mints a fresh Node identity for a cold start. The id is a
// random value confined to the low idBits bits, matching the
// operation-id minting scheme WC uses for the same reason: values must
// be positive when round-tripped through signed 64-bit columns in the
// Shared Store, which idBits <= 63 guarantees. idBits <= 0 or > 63
// falls back to 63.
func NewIdentity(functionName string, deployment int, idBits int) (Identity, error) {
	if idBits <= 0 || idBits > 63 {
		idBits = 63
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return Identity{}, fmt.Errorf("node: failed to generate identity: %w", err)
	}
	mask := uint64(1)<<uint(idBits) - 1
	id := binary.BigEndian.Uint64(buf[:]) & mask
	return Identity{ID: id, FunctionName: functionName, Deployment: deployment}, nil
}

// Context is the process-wide lifecycle handle composed by the host and
// threaded (by value, not by ambient global) into every component that
// needs to observe process teardown. Cancelling it is how a session-loss
// callback or a shutdown request unblocks every in-flight WC.
type Context struct {
	context.Context
	Cancel context.CancelFunc
	Self   Identity
}

// NewContext derives a cancellable Context from parent for the given
// identity.
func NewContext(parent context.Context, self Identity) Context {
	ctx, cancel := context.WithCancel(parent)
	return Context{Context: ctx, Cancel: cancel, Self: self}
}
