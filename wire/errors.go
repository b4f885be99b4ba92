package wire

import "errors"

var (
	errMissingSDP       = errors.New("wire: signal missing sdp")
	errMissingCandidate = errors.New("wire: signal missing candidate")
	errUnknownSignalKind = errors.New("wire: unknown signal kind")
)
