package session

import "context"

// Gate is a counting admission permit. The process-wide defaultGate has
// capacity 1: adapters serialize poorly under concurrent connect
// handshakes, so at most one physical BLE connect runs at a time across all
// sessions. Steady-state reads and writes are not gated.
type Gate struct {
	permits chan struct{}
}

// NewGate creates a gate with the given capacity.
func NewGate(capacity int) *Gate {
	return &Gate{permits: make(chan struct{}, capacity)}
}

// Acquire blocks cooperatively until a permit is available or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.permits <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit. Must be called exactly once per successful
// Acquire, on every exit path.
func (g *Gate) Release() {
	select {
	case <-g.permits:
	default:
		panic("session: Gate.Release without matching Acquire")
	}
}

// defaultGate serializes raw connects process-wide.
var defaultGate = NewGate(1)
