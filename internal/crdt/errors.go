package crdt

import "errors"

var (
	// ErrOutOfRange is returned when a position or length falls outside the
	// visible content of a container. The operation has no effect.
	ErrOutOfRange = errors.New("position out of range")

	// ErrInvalidDelta is returned when a delta retains or deletes past the end
	// of the content it is applied to. Nothing is applied.
	ErrInvalidDelta = errors.New("invalid delta")

	// ErrUnsupportedVersion is returned when an encoded buffer was produced
	// by an incompatible format version.
	ErrUnsupportedVersion = errors.New("unsupported format version")

	// ErrCorruptData is returned when an encoded buffer or change set fails
	// structural validation.
	ErrCorruptData = errors.New("corrupt data")

	// ErrAlreadyAttached is returned when an attached container is inserted
	// into another container.
	ErrAlreadyAttached = errors.New("container is already attached")

	// ErrInvalidValue is returned when a value cannot be stored where it was
	// supplied, such as a container reference passed to Map.Set.
	ErrInvalidValue = errors.New("invalid value")

	// ErrPendingLimit is returned when a change set would have to be parked
	// but the document already holds as many parked sets as it accepts.
	ErrPendingLimit = errors.New("too many pending updates")

	// ErrUnknownHistory is returned by ImportKnown for a change set that
	// builds on operations the document has never seen.
	ErrUnknownHistory = errors.New("update builds on unknown history")
)
