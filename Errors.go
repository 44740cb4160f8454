/*
File Name:  Errors.go
Copyright:  2019 Golem Factory
Author:     Golem Factory
*/

package transfer

import (
	"errors"
	"fmt"

	"github.com/golemfactory/simple-transfer/protocol"
)

// Connection-level errors. They terminate the link and are handed to every
// responder that is still pending on it.
var (
	ErrInvalidHandshake = errors.New("invalid handshake")
	ErrMissingHandshake = errors.New("handshake required")
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrDisconnect       = errors.New("disconnected by peer")
	ErrDisconnectByMe   = errors.New("disconnected")
	ErrTimeout          = errors.New("request timeout")

	// ErrDuplicateRequest reports a second request for a key that is still
	// pending on the same connection. This is a caller bug.
	ErrDuplicateRequest = errors.New("duplicate request")
)

// ResourceNotFoundError is returned when no candidate peer serves the bundle.
type ResourceNotFoundError struct {
	Hash protocol.Hash
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("resource %s not found", e.Hash.Hex())
}

// InvalidBlockHashError is returned when a received block does not hash to
// the value the file map promises. The download is aborted.
type InvalidBlockHashError struct {
	Expected protocol.Hash
	Observed protocol.Hash
	FileNr   uint32
	BlockNr  uint32
}

func (e *InvalidBlockHashError) Error() string {
	return fmt.Sprintf("invalid hash %s for block %d of file %d, expected %s", e.Observed.Hex(), e.BlockNr, e.FileNr, e.Expected.Hex())
}
