/*
File Name:  Command.go
Copyright:  2019 Golem Factory
Author:     Golem Factory
*/

package protocol

import "errors"

// ProtoVersion is the wire protocol version exchanged in the hello command.
// Peers announcing a different version are disconnected.
const ProtoVersion = 1

// MaxPacketSize is the maximum accepted payload size of a single frame.
// Frames declaring a bigger payload are rejected before any allocation.
const MaxPacketSize = 1024 * 1024 * 8

// Frame opcodes.
const (
	CommandNop      = 0 // No operation
	CommandHello    = 1 // Handshake: protocol version and node ID
	CommandAsk      = 2 // Ask whether the peer serves a bundle
	CommandAskReply = 3 // Reply carrying the bundle's file maps, if known
	CommandGetBlock = 4 // Request one block of one file
	CommandBlock    = 5 // One block of file data
	CommandBye      = 6 // Deliberate disconnect
)

var (
	ErrUnknownOpcode    = errors.New("unknown packet opcode")
	ErrPacketTooLarge   = errors.New("packet too big")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnexpectedEof    = errors.New("unexpected end of file")
)

// Command is one decoded frame of the peer protocol.
type Command interface {
	Opcode() uint8
}

// Nop is a no-operation frame.
type Nop struct{}

// Hello identifies a peer. Both sides send it immediately after connecting.
type Hello struct {
	ProtoVersion uint8
	NodeID       Hash
}

// NewHello creates a hello for the current protocol version.
func NewHello(nodeID Hash) *Hello {
	return &Hello{ProtoVersion: ProtoVersion, NodeID: nodeID}
}

// IsValid checks whether the announced protocol version is compatible.
func (hello *Hello) IsValid() bool {
	return hello.ProtoVersion == ProtoVersion
}

// Ask queries whether the peer serves the bundle with the given hash.
type Ask struct {
	Hash Hash
}

// AskReply answers an ask. Found is false if the hash is unknown to the peer;
// otherwise Files carries the bundle's file maps in order.
type AskReply struct {
	Hash  Hash
	Found bool
	Files []FileMap
}

// GetBlock requests a single block. The triple also serves as the correlation
// key for the matching block response on a connection.
type GetBlock struct {
	Hash    Hash
	FileNr  uint32
	BlockNr uint32
}

// Block carries one block of file data.
type Block struct {
	Hash    Hash
	BlockNr uint32
	FileNr  uint32
	Bytes   []byte
}

// Bye announces a deliberate disconnect.
type Bye struct{}

func (*Nop) Opcode() uint8      { return CommandNop }
func (*Hello) Opcode() uint8    { return CommandHello }
func (*Ask) Opcode() uint8      { return CommandAsk }
func (*AskReply) Opcode() uint8 { return CommandAskReply }
func (*GetBlock) Opcode() uint8 { return CommandGetBlock }
func (*Block) Opcode() uint8    { return CommandBlock }
func (*Bye) Opcode() uint8      { return CommandBye }
