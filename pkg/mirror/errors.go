package mirror

import "errors"

var (
	// ErrInvalidRequest indicates that a transport request does not satisfy its invariants.
	ErrInvalidRequest = errors.New("mirror: invalid request")
	// ErrInvalidChatRef indicates that a chat reference cannot be parsed or is empty.
	ErrInvalidChatRef = errors.New("mirror: invalid chat reference")
	// ErrNotBound indicates that source or target chat has not been bound yet.
	ErrNotBound = errors.New("mirror: source or target not bound")
	// ErrAlreadyActive indicates a start request while mirroring is already running.
	ErrAlreadyActive = errors.New("mirror: mirroring already active")
	// ErrNotActive indicates a stop request while mirroring is not running.
	ErrNotActive = errors.New("mirror: mirroring not active")
	// ErrTopicIDUnavailable indicates a created topic whose identifier could not be extracted.
	ErrTopicIDUnavailable = errors.New("mirror: created topic id unavailable")
	// ErrPeerNotFound indicates that a chat could not be resolved by the transport.
	ErrPeerNotFound = errors.New("mirror: peer not found")
)
