package bridge

// Upstream forwards frames that no local connection can take, for
// example to a relay serving devices behind another bridge. A nil
// Upstream disables forwarding.
type Upstream interface {
	// Send forwards a frame; the return value reports whether the
	// frame was handed off.
	Send(f Frame) bool
	// UserID identifies the upstream account, used to stamp
	// forwarded frames.
	UserID() string
	// Connected reports link health for the debug surface.
	Connected() bool
}
