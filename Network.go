/*
File Name:  Network.go
Copyright:  2019 Golem Factory
Author:     Golem Factory
*/

package transfer

import (
	"context"
	"net"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// initNetwork binds the peer listen port.
func (backend *Backend) initNetwork() (err error) {
	if backend.listener, err = net.Listen("tcp", backend.Config.Listen); err != nil {
		return err
	}

	log.Infof("listening for peers at %s", backend.listener.Addr())
	return nil
}

// acceptLoop accepts inbound peers and starts one connection per socket.
// The listener does not initiate; it responds.
func (backend *Backend) acceptLoop() {
	for {
		socket, err := backend.listener.Accept()
		if err != nil {
			// the listener was closed on termination
			log.Debugf("accept loop ends: %v", err)
			return
		}

		log.Infof("connection from %s", socket.RemoteAddr())
		connection := newConnection(backend, socket)
		if err := connection.start(); err != nil {
			backend.LogError("acceptLoop", "failed to initialize connection from %s: %v", socket.RemoteAddr(), err)
		}
	}
}

// DialPeer opens an outbound connection to the given endpoint and sends the
// hello. The returned connection may be used immediately; the peer processes
// requests after both hellos crossed the wire.
func (backend *Backend) DialPeer(ctx context.Context, endpoint string) (connection *Connection, err error) {
	dialer := net.Dialer{}
	socket, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, err
	}

	connection = newConnection(backend, socket)
	if err = connection.start(); err != nil {
		return nil, err
	}
	return connection, nil
}

// Addresses returns the advertised peer endpoint.
func (backend *Backend) Addresses() (host string, port uint16) {
	if backend.listener != nil {
		if addr, ok := backend.listener.Addr().(*net.TCPAddr); ok {
			return addr.IP.String(), uint16(addr.Port)
		}
	}

	host, portText, err := net.SplitHostPort(backend.Config.Listen)
	if err != nil {
		return backend.Config.Listen, 0
	}
	portNumber, _ := strconv.Atoi(portText)
	return host, uint16(portNumber)
}
