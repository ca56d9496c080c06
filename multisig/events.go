package multisig

// Canonical event types emitted during a key ceremony.
const (
	EventTypeRoundCompleted    = "multisig.round_completed"
	EventTypeCollisionDetected = "multisig.collision_detected"
	EventTypeSessionFinalized  = "multisig.finalized"
	EventTypeSessionFailed     = "multisig.failed"
)
