/*
File Name:  Message Encoding.go
Copyright:  2019 Golem Factory
Author:     Golem Factory

Each frame starts with a 1-byte opcode. Fixed-size commands are followed
directly by their payload; variable-size commands carry a 4-byte little-endian
payload length first:

Opcode  Name       Length prefix  Payload
0       nop        no             empty
1       hello      no, fixed 17   1 protocol version, 16 node ID
2       ask        no, fixed 16   16 map hash
3       ask-reply  yes            16 map hash, optional list of file maps
4       get-block  yes            16 map hash, 4 file number, 4 block number
5       block      yes            16 map hash, 4 block number, 4 file number, length-prefixed data
6       bye        no             empty

Variable payloads use the canonical little-endian encoding: scalars
little-endian, length-prefixed bytes and sequences with a 8-byte length,
optionals with a 1-byte tag (0 = none, 1 = value follows). A file map is
encoded as 8-byte file size, length-prefixed file name, length-prefixed block
hash list. The same bytes are the input of the bundle hash, so both sides of a
link compute identical content identifiers from identical data.
*/

package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// frameFixedSize returns the fixed payload size for the opcode, or -1 if the
// frame carries an explicit length prefix.
func frameFixedSize(opcode uint8) (size int, valid bool) {
	switch opcode {
	case CommandNop, CommandBye:
		return 0, true
	case CommandHello:
		return 17, true
	case CommandAsk:
		return 16, true
	case CommandAskReply, CommandGetBlock, CommandBlock:
		return -1, true
	}
	return 0, false
}

// EncodeCommand encodes a single command into a raw frame.
func EncodeCommand(command Command) (raw []byte) {
	switch msg := command.(type) {
	case *Nop:
		return []byte{CommandNop}

	case *Bye:
		return []byte{CommandBye}

	case *Hello:
		raw = make([]byte, 18)
		raw[0] = CommandHello
		raw[1] = msg.ProtoVersion
		copy(raw[2:18], msg.NodeID[:])
		return raw

	case *Ask:
		raw = make([]byte, 17)
		raw[0] = CommandAsk
		copy(raw[1:17], msg.Hash[:])
		return raw

	case *AskReply:
		payload := append([]byte{}, msg.Hash[:]...)
		if !msg.Found {
			payload = append(payload, 0)
		} else {
			payload = append(payload, 1)
			payload = appendUint64(payload, uint64(len(msg.Files)))
			for n := range msg.Files {
				payload = EncodeFileMap(payload, &msg.Files[n])
			}
		}
		return appendFrame(CommandAskReply, payload)

	case *GetBlock:
		payload := append([]byte{}, msg.Hash[:]...)
		payload = appendUint32(payload, msg.FileNr)
		payload = appendUint32(payload, msg.BlockNr)
		return appendFrame(CommandGetBlock, payload)

	case *Block:
		payload := make([]byte, 0, HashSize+16+len(msg.Bytes))
		payload = append(payload, msg.Hash[:]...)
		payload = appendUint32(payload, msg.BlockNr)
		payload = appendUint32(payload, msg.FileNr)
		payload = appendUint64(payload, uint64(len(msg.Bytes)))
		payload = append(payload, msg.Bytes...)
		return appendFrame(CommandBlock, payload)
	}

	return nil
}

// WriteCommand encodes the command and writes the full frame.
func WriteCommand(writer io.Writer, command Command) (err error) {
	raw := EncodeCommand(command)
	if raw == nil {
		return errors.New("cannot encode unknown command")
	}
	if n, err := writer.Write(raw); err != nil {
		return err
	} else if n != len(raw) {
		return errors.New("error sending command")
	}
	return nil
}

// ReadCommand reads exactly one frame from the stream and decodes it.
// A declared payload size above MaxPacketSize is rejected without allocation.
func ReadCommand(reader io.Reader) (command Command, err error) {
	var opcodeBuf [1]byte
	if _, err = io.ReadFull(reader, opcodeBuf[:]); err != nil {
		return nil, err
	}
	opcode := opcodeBuf[0]

	size, valid := frameFixedSize(opcode)
	if !valid {
		return nil, ErrUnknownOpcode
	}
	if size < 0 {
		var lengthBuf [4]byte
		if _, err = io.ReadFull(reader, lengthBuf[:]); err != nil {
			return nil, err
		}
		size = int(binary.LittleEndian.Uint32(lengthBuf[:]))
	}
	if size > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	payload := make([]byte, size)
	if _, err = io.ReadFull(reader, payload); err != nil {
		return nil, err
	}

	return DecodeCommand(opcode, payload)
}

// DecodeCommand decodes the payload of a single frame. Structured payloads
// must be consumed exactly; trailing bytes are a protocol error.
func DecodeCommand(opcode uint8, payload []byte) (command Command, err error) {
	switch opcode {
	case CommandNop:
		return &Nop{}, nil

	case CommandBye:
		return &Bye{}, nil

	case CommandHello:
		if len(payload) != 17 {
			return nil, ErrMalformedPayload
		}
		msg := &Hello{ProtoVersion: payload[0]}
		copy(msg.NodeID[:], payload[1:17])
		return msg, nil

	case CommandAsk:
		if len(payload) != 16 {
			return nil, ErrMalformedPayload
		}
		msg := &Ask{}
		copy(msg.Hash[:], payload[0:16])
		return msg, nil

	case CommandAskReply:
		msg := &AskReply{}
		index, err := decodeHash(payload, 0, &msg.Hash)
		if err != nil {
			return nil, err
		}
		tag, index, err := decodeUint8(payload, index)
		if err != nil {
			return nil, err
		}
		if tag == 1 {
			msg.Found = true
			count, next, err := decodeUint64(payload, index)
			index = next
			if err != nil {
				return nil, err
			} else if count > uint64(len(payload)) {
				return nil, ErrMalformedPayload
			}
			for n := uint64(0); n < count; n++ {
				var fileMap FileMap
				if fileMap, index, err = DecodeFileMap(payload, index); err != nil {
					return nil, err
				}
				msg.Files = append(msg.Files, fileMap)
			}
		} else if tag != 0 {
			return nil, ErrMalformedPayload
		}
		if index != len(payload) {
			return nil, ErrMalformedPayload
		}
		return msg, nil

	case CommandGetBlock:
		if len(payload) != 24 {
			return nil, ErrMalformedPayload
		}
		msg := &GetBlock{}
		copy(msg.Hash[:], payload[0:16])
		msg.FileNr = binary.LittleEndian.Uint32(payload[16:20])
		msg.BlockNr = binary.LittleEndian.Uint32(payload[20:24])
		return msg, nil

	case CommandBlock:
		msg := &Block{}
		index, err := decodeHash(payload, 0, &msg.Hash)
		if err != nil {
			return nil, err
		}
		if msg.BlockNr, index, err = decodeUint32(payload, index); err != nil {
			return nil, err
		}
		if msg.FileNr, index, err = decodeUint32(payload, index); err != nil {
			return nil, err
		}
		if msg.Bytes, index, err = decodeBytes(payload, index); err != nil {
			return nil, err
		}
		if index != len(payload) {
			return nil, ErrMalformedPayload
		}
		return msg, nil
	}

	return nil, ErrUnknownOpcode
}

// ---- canonical encoding of file maps ----

// EncodeFileMap appends the canonical serialization of the file map.
// The same bytes are used on the wire, in descriptor files and as the input
// of the bundle hash.
func EncodeFileMap(raw []byte, fileMap *FileMap) []byte {
	raw = appendUint64(raw, fileMap.FileSize)
	raw = appendUint64(raw, uint64(len(fileMap.FileName)))
	raw = append(raw, fileMap.FileName...)
	raw = appendUint64(raw, uint64(len(fileMap.Blocks)))
	for n := range fileMap.Blocks {
		raw = append(raw, fileMap.Blocks[n][:]...)
	}
	return raw
}

// DecodeFileMap decodes one canonical file map starting at the given offset
// and returns the offset past it.
func DecodeFileMap(payload []byte, index int) (fileMap FileMap, next int, err error) {
	if fileMap.FileSize, index, err = decodeUint64(payload, index); err != nil {
		return fileMap, index, err
	}
	name, index, err := decodeBytes(payload, index)
	if err != nil {
		return fileMap, index, err
	}
	fileMap.FileName = string(name)

	count, index, err := decodeUint64(payload, index)
	if err != nil {
		return fileMap, index, err
	} else if count > uint64(len(payload)-index)/HashSize {
		return fileMap, index, ErrMalformedPayload
	}
	fileMap.Blocks = make([]Hash, count)
	for n := uint64(0); n < count; n++ {
		index, err = decodeHash(payload, index, &fileMap.Blocks[n])
		if err != nil {
			return fileMap, index, err
		}
	}
	return fileMap, index, nil
}

// ---- little-endian helpers ----

func appendFrame(opcode uint8, payload []byte) []byte {
	raw := make([]byte, 0, 5+len(payload))
	raw = append(raw, opcode)
	raw = appendUint32(raw, uint32(len(payload)))
	return append(raw, payload...)
}

func appendUint32(raw []byte, value uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return append(raw, buf[:]...)
}

func appendUint64(raw []byte, value uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return append(raw, buf[:]...)
}

func decodeUint8(payload []byte, index int) (value uint8, next int, err error) {
	if index+1 > len(payload) {
		return 0, index, ErrMalformedPayload
	}
	return payload[index], index + 1, nil
}

func decodeUint32(payload []byte, index int) (value uint32, next int, err error) {
	if index+4 > len(payload) {
		return 0, index, ErrMalformedPayload
	}
	return binary.LittleEndian.Uint32(payload[index : index+4]), index + 4, nil
}

func decodeUint64(payload []byte, index int) (value uint64, next int, err error) {
	if index+8 > len(payload) {
		return 0, index, ErrMalformedPayload
	}
	return binary.LittleEndian.Uint64(payload[index : index+8]), index + 8, nil
}

func decodeHash(payload []byte, index int, hash *Hash) (next int, err error) {
	if index+HashSize > len(payload) {
		return index, ErrMalformedPayload
	}
	copy(hash[:], payload[index:index+HashSize])
	return index + HashSize, nil
}

func decodeBytes(payload []byte, index int) (data []byte, next int, err error) {
	length, index, err := decodeUint64(payload, index)
	if err != nil {
		return nil, index, err
	}
	if length > uint64(len(payload)-index) {
		return nil, index, ErrMalformedPayload
	}
	data = make([]byte, length)
	copy(data, payload[index:index+int(length)])
	return data, index + int(length), nil
}
