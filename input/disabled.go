package input

import "context"

// Disabled is a source that never produces bytes. Sessions configured with
// it rely on an external collaborator writing the buffer file directly and
// segment jobs by watching the buffer grow.
type Disabled struct{}

var _ Source = Disabled{}

// NewDisabled creates a Disabled source.
func NewDisabled() Disabled {
	return Disabled{}
}

// Open is a no-op.
func (Disabled) Open(_ context.Context) error { return nil }

// NextByte blocks until ctx is done; a disabled source never yields a byte.
func (Disabled) NextByte(ctx context.Context) (byte, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

// Live reports false: the session must not run a read loop.
func (Disabled) Live() bool { return false }

// String describes the source.
func (Disabled) String() string { return "disabled" }

// Close is a no-op.
func (Disabled) Close() error { return nil }
