package sync

// Callbacks is the contract between the sync core and the host simulation.
// The core calls into the host; never the other way around. Every method is
// invoked on the simulation goroutine.
type Callbacks interface {
	// SaveGameState serializes the current simulation state. A non-nil hint
	// may be filled in place and returned resliced to the used length;
	// otherwise the host returns a freshly allocated buffer and the core
	// recycles the hint. The checksum is opaque to the core and is used
	// only for logging and determinism testing.
	SaveGameState(frame Frame, hint []byte) (buf []byte, checksum uint32, err error)

	// LoadGameState restores the simulation from exactly len(buf) bytes, as
	// produced by an earlier SaveGameState. Every determinism-affecting
	// field must be restored.
	LoadGameState(buf []byte) error

	// FreeBuffer releases a buffer the host allocated in SaveGameState once
	// the core will neither use nor recycle it again. Hosts that rely on
	// the garbage collector may ignore the call.
	FreeBuffer(buf []byte)

	// AdvanceFrame executes exactly one simulation tick. The host is
	// expected to call SynchronizeInputs and then IncrementFrame from
	// inside it; the core drives it repeatedly to replay after a rollback.
	AdvanceFrame(flags int)

	// OnEvent delivers controller notifications.
	OnEvent(ev Event)
}

// ConnectStatus is the core's view of one peer, shared with the transport
// that owns disconnect policy. For a disconnected player whose LastFrame
// has passed, input synthesis switches to zero-filled inputs.
type ConnectStatus struct {
	Disconnected bool
	LastFrame    Frame
}
