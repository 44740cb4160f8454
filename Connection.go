/*
File Name:  Connection.go
Copyright:  2019 Golem Factory
Author:     Golem Factory

A connection is one peer link carrying framed commands in both directions.
Each side identifies with a hello immediately after the socket opens. The
server side answers asks from the catalog and get-blocks from local files;
the client side correlates ask replies and blocks with one-shot responders
keyed by hash or by (hash, file, block). Closing a connection fails every
responder still pending on it.
*/

package transfer

import (
	"bufio"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golemfactory/simple-transfer/catalog"
	"github.com/golemfactory/simple-transfer/protocol"
	log "github.com/sirupsen/logrus"
)

// handshakeTimeout is how long to wait for the peer's hello before closing.
var handshakeTimeout = time.Second * 60

// byeLinger is the drain time between announcing a bye and closing the socket,
// giving inflight writes time to reach the peer.
var byeLinger = time.Second * 5

// connectionIDs assigns each connection a unique id for logging.
var connectionIDs uint64

// getBlockKey correlates an outstanding block request with its response.
// At most one request per key may be pending on a connection.
type getBlockKey struct {
	hash    protocol.Hash
	fileNr  uint32
	blockNr uint32
}

type askResult struct {
	reply *protocol.AskReply
	err   error
}

type blockResult struct {
	block *protocol.Block
	err   error
}

// Connection is a single peer link. It is the sole owner of its socket.
type Connection struct {
	backend      *Backend
	connectionID uint64
	conn         net.Conn
	reader       *bufio.Reader
	peerAddr     net.Addr

	// writeMutex serializes frames onto the socket; within one connection
	// writes reach the peer in submission order.
	writeMutex sync.Mutex

	stateMutex    sync.Mutex
	peerNodeID    *protocol.Hash                       // set once the peer's hello arrived
	currentBundle *catalog.FileDesc                    // the bundle served on this link
	askRequests   map[protocol.Hash]chan askResult     // pending asks by map hash
	blockRequests map[getBlockKey]chan blockResult     // pending block requests by key
	closed        bool
	closeReason   error
}

func newConnection(backend *Backend, conn net.Conn) *Connection {
	return &Connection{
		backend:       backend,
		connectionID:  atomic.AddUint64(&connectionIDs, 1),
		conn:          conn,
		reader:        bufio.NewReaderSize(conn, 64*1024),
		peerAddr:      conn.RemoteAddr(),
		askRequests:   make(map[protocol.Hash]chan askResult),
		blockRequests: make(map[getBlockKey]chan blockResult),
	}
}

// start sends the hello and begins reading. Both roles identify immediately.
func (c *Connection) start() (err error) {
	log.Debugf("opened connection [%d] [%s]", c.connectionID, c.peerAddr)

	if err = c.writeCommand(protocol.NewHello(c.backend.Catalog.NodeID())); err != nil {
		return err
	}

	time.AfterFunc(handshakeTimeout, c.handshakeDeadline)
	go c.readLoop()

	return nil
}

func (c *Connection) handshakeDeadline() {
	c.stateMutex.Lock()
	identified := c.peerNodeID != nil || c.closed
	c.stateMutex.Unlock()

	if !identified {
		c.backend.LogError("connection.handshake", "identification timeout for %s", c.peerAddr)
		c.closeWithError(ErrHandshakeTimeout)
	}
}

// PeerNodeID returns the peer's node identity once the handshake completed.
func (c *Connection) PeerNodeID() (nodeID protocol.Hash, identified bool) {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	if c.peerNodeID == nil {
		return nodeID, false
	}
	return *c.peerNodeID, true
}

func (c *Connection) isClosed() bool {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	return c.closed
}

func (c *Connection) readLoop() {
	for !c.isClosed() {
		command, err := protocol.ReadCommand(c.reader)
		if err != nil {
			switch err {
			case protocol.ErrUnknownOpcode, protocol.ErrPacketTooLarge, protocol.ErrMalformedPayload:
				c.backend.LogError("connection.read", "protocol error from %s: %v", c.peerAddr, err)
				c.closeWithError(err)
			default:
				c.closeWithError(ErrDisconnect)
			}
			return
		}

		switch msg := command.(type) {
		case *protocol.Nop:

		case *protocol.Bye:
			log.Infof("disconnect from %s", c.peerAddr)
			c.closeWithError(ErrDisconnect)

		case *protocol.Hello:
			c.handleHello(msg)

		case *protocol.Ask:
			if _, identified := c.PeerNodeID(); !identified {
				c.backend.LogError("connection.read", "ask without handshake from %s", c.peerAddr)
				c.closeWithError(ErrMissingHandshake)
				continue
			}
			c.handleAsk(msg.Hash)

		case *protocol.AskReply:
			c.handleAskReply(msg)

		case *protocol.GetBlock:
			c.handleGetBlock(msg)

		case *protocol.Block:
			c.handleBlock(msg)
		}
	}
}

func (c *Connection) handleHello(msg *protocol.Hello) {
	if !msg.IsValid() {
		c.backend.LogError("connection.hello", "invalid handshake from %s", c.peerAddr)
		c.closeWithError(ErrInvalidHandshake)
		return
	}

	nodeID := msg.NodeID
	c.stateMutex.Lock()
	c.peerNodeID = &nodeID
	c.stateMutex.Unlock()
}

// ---- serving side ----

func (c *Connection) handleAsk(hash protocol.Hash) {
	c.stateMutex.Lock()
	bundle := c.currentBundle
	c.stateMutex.Unlock()

	if bundle != nil && bundle.MapHash == hash {
		c.sendAskReply(bundle)
		return
	}

	desc := c.backend.Catalog.Get(hash)
	if desc == nil {
		c.writeCommand(&protocol.AskReply{Hash: hash})
		return
	}
	if desc.MapHash != hash {
		// inconsistent catalog result; reject instead of serving wrong data
		c.backend.LogError("connection.ask", "catalog returned %s for %s", desc.MapHash.Hex(), hash.Hex())
		c.closeWithError(ErrDisconnectByMe)
		return
	}

	c.stateMutex.Lock()
	c.currentBundle = desc
	c.stateMutex.Unlock()

	c.sendAskReply(desc)
}

func (c *Connection) sendAskReply(desc *catalog.FileDesc) {
	c.writeCommand(&protocol.AskReply{Hash: desc.MapHash, Found: true, Files: desc.FileMaps()})
}

func (c *Connection) handleGetBlock(msg *protocol.GetBlock) {
	c.stateMutex.Lock()
	bundle := c.currentBundle
	c.stateMutex.Unlock()

	if bundle == nil {
		c.backend.LogError("connection.getBlock", "get block before ask from %s", c.peerAddr)
		c.closeWithError(ErrDisconnectByMe)
		return
	}
	if bundle.MapHash != msg.Hash {
		c.backend.LogError("connection.getBlock", "wrong hash %s from %s", msg.Hash.Hex(), c.peerAddr)
		c.closeWithError(ErrDisconnectByMe)
		return
	}

	// a single small file may be carried inline with the registration
	if len(bundle.InlineData) > 0 && msg.FileNr == 0 && msg.BlockNr == 0 {
		c.writeCommand(&protocol.Block{Hash: msg.Hash, BlockNr: msg.BlockNr, FileNr: msg.FileNr, Bytes: bundle.InlineData})
		return
	}

	if int(msg.FileNr) >= len(bundle.Files) {
		c.backend.LogError("connection.getBlock", "invalid file number %d for %s", msg.FileNr, msg.Hash.Hex())
		c.closeWithError(ErrDisconnectByMe)
		return
	}
	entry := &bundle.Files[msg.FileNr]

	data, err := readBlock(entry.Path, &entry.Map, msg.BlockNr)
	if err != nil {
		c.backend.LogError("connection.getBlock", "read block %d of '%s': %v", msg.BlockNr, entry.Path, err)
		c.closeWithError(ErrDisconnectByMe)
		return
	}

	c.writeCommand(&protocol.Block{Hash: msg.Hash, BlockNr: msg.BlockNr, FileNr: msg.FileNr, Bytes: data})
}

// readBlock reads one block of the file backing the file map.
func readBlock(path string, fileMap *protocol.FileMap, blockNr uint32) (data []byte, err error) {
	offset := uint64(blockNr) * protocol.BlockSize
	if fileMap.FileSize < offset {
		return nil, protocol.ErrMalformedPayload
	}
	size := fileMap.FileSize - offset
	if size > protocol.BlockSize {
		size = protocol.BlockSize
	}

	log.Debugf("read block for '%s', block=%d, file=%s", path, blockNr, fileMap.FileName)

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if _, err = file.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, err
	}

	data = make([]byte, size)
	if _, err = io.ReadFull(file, data); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, protocol.ErrUnexpectedEof
		}
		return nil, err
	}
	return data, nil
}

// ---- requesting side ----

// Ask queries the peer for a bundle and waits for its reply. The done channel
// aborts the wait, typically because another peer won the race.
func (c *Connection) Ask(done <-chan struct{}, hash protocol.Hash) (reply *protocol.AskReply, err error) {
	result := make(chan askResult, 1)

	c.stateMutex.Lock()
	if c.closed {
		reason := c.closeReason
		c.stateMutex.Unlock()
		return nil, reason
	}
	if _, exists := c.askRequests[hash]; exists {
		c.stateMutex.Unlock()
		c.backend.LogError("connection.Ask", "duplicate ask for %s", hash.Hex())
		return nil, ErrDuplicateRequest
	}
	c.askRequests[hash] = result
	c.stateMutex.Unlock()

	if err = c.writeCommand(&protocol.Ask{Hash: hash}); err != nil {
		return nil, err
	}

	select {
	case r := <-result:
		return r.reply, r.err
	case <-done:
		c.stateMutex.Lock()
		delete(c.askRequests, hash)
		c.stateMutex.Unlock()
		return nil, ErrDisconnectByMe
	}
}

// GetBlock requests a single block and waits for it, up to the given
// wall-clock timeout. A timeout closes the connection.
func (c *Connection) GetBlock(hash protocol.Hash, fileNr, blockNr uint32, timeout time.Duration) (block *protocol.Block, err error) {
	key := getBlockKey{hash: hash, fileNr: fileNr, blockNr: blockNr}
	result := make(chan blockResult, 1)

	c.stateMutex.Lock()
	if c.closed {
		reason := c.closeReason
		c.stateMutex.Unlock()
		return nil, reason
	}
	if _, exists := c.blockRequests[key]; exists {
		c.stateMutex.Unlock()
		c.backend.LogError("connection.GetBlock", "duplicate request for block %d of file %d", blockNr, fileNr)
		return nil, ErrDuplicateRequest
	}
	c.blockRequests[key] = result
	c.stateMutex.Unlock()

	if err = c.writeCommand(&protocol.GetBlock{Hash: hash, FileNr: fileNr, BlockNr: blockNr}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-result:
		return r.block, r.err
	case <-timer.C:
		c.backend.LogError("connection.GetBlock", "timeout for block %d of file %d from %s", blockNr, fileNr, c.peerAddr)
		c.closeWithError(ErrTimeout)
		return nil, ErrTimeout
	}
}

func (c *Connection) handleAskReply(msg *protocol.AskReply) {
	c.stateMutex.Lock()
	responder, exists := c.askRequests[msg.Hash]
	delete(c.askRequests, msg.Hash)
	c.stateMutex.Unlock()

	if !exists {
		log.Warnf("unexpected ask reply from %s", c.peerAddr)
		return
	}
	responder <- askResult{reply: msg}
}

func (c *Connection) handleBlock(msg *protocol.Block) {
	key := getBlockKey{hash: msg.Hash, fileNr: msg.FileNr, blockNr: msg.BlockNr}

	c.stateMutex.Lock()
	responder, exists := c.blockRequests[key]
	delete(c.blockRequests, key)
	c.stateMutex.Unlock()

	if !exists {
		c.backend.LogError("connection.block", "response for not requested block from %s", c.peerAddr)
		return
	}
	responder <- blockResult{block: msg}
}

// ---- lifecycle ----

func (c *Connection) writeCommand(command protocol.Command) (err error) {
	c.writeMutex.Lock()
	err = protocol.WriteCommand(c.conn, command)
	c.writeMutex.Unlock()

	if err != nil {
		c.closeWithError(ErrDisconnect)
	}
	return err
}

// Bye announces a deliberate shutdown. The socket stays open briefly so that
// inflight writes drain before the close.
func (c *Connection) Bye() {
	log.Infof("bye to %s", c.peerAddr)
	c.writeCommand(&protocol.Bye{})

	time.AfterFunc(byeLinger, func() {
		c.closeWithError(ErrDisconnectByMe)
	})
}

// Close releases the connection with a best-effort bye.
func (c *Connection) Close() {
	c.Bye()
}

// closeWithError moves the connection to closed and completes every pending
// responder with the reason. It is safe to call more than once.
func (c *Connection) closeWithError(reason error) {
	c.stateMutex.Lock()
	if c.closed {
		c.stateMutex.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason
	askPending := c.askRequests
	blockPending := c.blockRequests
	c.askRequests = make(map[protocol.Hash]chan askResult)
	c.blockRequests = make(map[getBlockKey]chan blockResult)
	c.stateMutex.Unlock()

	for _, responder := range askPending {
		responder <- askResult{err: reason}
	}
	for _, responder := range blockPending {
		responder <- blockResult{err: reason}
	}

	c.conn.Close()
	log.Debugf("closed connection [%d] [%s]: %v", c.connectionID, c.peerAddr, reason)
}
