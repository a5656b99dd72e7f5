package haltz

import "github.com/zoobzio/capitan"

// Signal constants for haltz coordination events.
// Signals follow the pattern: <component>.<event>.
const (
	// Exclusive barrier signals.
	SignalExclusiveWaiting capitan.Signal = "exclusive.waiting"

	// Execution window signals.
	SignalExecStalled capitan.Signal = "exec.stalled"

	// Machine lock signals.
	SignalMachineLockContended capitan.Signal = "machinelock.contended"
)

// Common field keys using capitan primitive types.
// All keys use primitive types to avoid custom struct serialization.
var (
	// Common fields.
	FieldIndex     = capitan.NewIntKey("index")         // Worker index
	FieldTimestamp = capitan.NewFloat64Key("timestamp") // Unix timestamp

	// Exclusive barrier fields.
	FieldPending = capitan.NewIntKey("pending") // Current pending count
	FieldStopped = capitan.NewIntKey("stopped") // Workers the initiator is waiting on

	// Machine lock fields.
	FieldWaitSeconds = capitan.NewFloat64Key("wait_seconds") // Time spent blocked on the lock
)
