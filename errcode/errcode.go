package errcode

import (
	"fmt"
)

// ErrorCode is the lightweight error representation returned by hot-path
// operations. Boundary operations wrap a code into an ErrorStack which
// carries capture sites; inner operations just pass the code up.
type ErrorCode int32

const (
	Ok ErrorCode = iota

	// Transaction errors.
	XctNotActive
	XctAlreadyActive
	XctRaceAbort
	XctReadSetOverflow
	XctWriteSetOverflow
	XctPointerSetOverflow
	XctPageVersionSetOverflow
	XctNoMoreLocalWorkMemory
	XctUserAbort

	// Storage errors.
	StrKeyNotFound
	StrKeyAlreadyExists
	StrTooLongPayload
	StrTooShortPayload
	StrInvalidOffset
	StrDuplicateStorage
	StrMovedRecord

	// Resource errors.
	MemNoFreePages
	LogBufferFull

	// Snapshot errors.
	SnapshotIOFailed
	SnapshotCancelled

	InvalidParameter
	Internal
)

var codeNames = map[ErrorCode]string{
	Ok:                        "ok",
	XctNotActive:              "transaction not active",
	XctAlreadyActive:          "transaction already active",
	XctRaceAbort:              "transaction aborted by race",
	XctReadSetOverflow:        "read set overflow",
	XctWriteSetOverflow:       "write set overflow",
	XctPointerSetOverflow:     "pointer set overflow",
	XctPageVersionSetOverflow: "page version set overflow",
	XctNoMoreLocalWorkMemory:  "no more local work memory",
	XctUserAbort:              "transaction aborted by user",
	StrKeyNotFound:            "key not found",
	StrKeyAlreadyExists:       "key already exists",
	StrTooLongPayload:         "payload too long",
	StrTooShortPayload:        "payload too short",
	StrInvalidOffset:          "invalid offset",
	StrDuplicateStorage:       "duplicate storage name",
	StrMovedRecord:            "record moved",
	MemNoFreePages:            "no free pages in pool",
	LogBufferFull:             "log buffer full",
	SnapshotIOFailed:          "snapshot i/o failed",
	SnapshotCancelled:         "snapshot cycle cancelled",
	InvalidParameter:          "invalid parameter",
	Internal:                  "internal error",
}

func (code ErrorCode) String() string {
	s, ok := codeNames[code]
	if !ok {
		return fmt.Sprintf("error code %d", int32(code))
	}
	return s
}

// Error makes ErrorCode usable as an error. Ok should never be returned
// as an error value; callers compare against Ok instead.
func (code ErrorCode) Error() string {
	return "errcode: " + code.String()
}
