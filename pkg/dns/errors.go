package dns

import "errors"

var (
	// ErrInvalidOpCode is returned for requests whose opcode is not QUERY
	ErrInvalidOpCode = errors.New("invalid opcode")

	// ErrInvalidMessageType is returned for messages with the QR bit set
	ErrInvalidMessageType = errors.New("invalid message type")

	// ErrNoQuestion is returned for requests without exactly one question
	ErrNoQuestion = errors.New("request must carry exactly one question")

	// ErrStore wraps rule store failures. The request is answered SERVFAIL.
	ErrStore = errors.New("rule store lookup failed")

	// ErrIO is returned when the response could not be written
	ErrIO = errors.New("failed to send response")

	// ErrUnsupportedType is returned when no sinkhole record exists for a qtype
	ErrUnsupportedType = errors.New("unsupported record type for sinkhole")
)
