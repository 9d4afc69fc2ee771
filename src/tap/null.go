package tap

// NullTap is the no-op TAP collaborator installed when Sparkle is run with
// --no-tap: every frame handed to it for injection is silently discarded,
// and it never produces inbound frames, matching spec §6's "optional" TAP
// interface.
type NullTap struct{}

// SetHandler is a no-op; a NullTap never calls OnFrame.
func (NullTap) SetHandler(FrameHandler) {}

// WriteFrame discards the frame and reports success.
func (NullTap) WriteFrame([]byte) error { return nil }

// Close is a no-op.
func (NullTap) Close() error { return nil }
