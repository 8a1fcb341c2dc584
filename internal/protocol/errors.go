package protocol

import "slices"

// Result codes. An empty code means success.
const (
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	ErrWorldNotFound = "E_WORLD_NOT_FOUND"
	// ErrWorldBusy means the tick loop did not pick the edit up in time or has stopped.
	ErrWorldBusy = "E_WORLD_BUSY"

	ErrBadRequest   = "E_BAD_REQUEST"
	ErrUnknownBlock = "E_UNKNOWN_BLOCK"
	ErrBadFace      = "E_BAD_FACE"
	ErrInternal     = "E_INTERNAL"
)

var codes = []string{
	ErrProtoBadRequest,
	ErrWorldNotFound,
	ErrWorldBusy,
	ErrBadRequest,
	ErrUnknownBlock,
	ErrBadFace,
	ErrInternal,
}

// Codes lists every result code in the order the result schema enumerates them.
func Codes() []string { return slices.Clone(codes) }

func IsKnownCode(code string) bool {
	return code == "" || slices.Contains(codes, code)
}
