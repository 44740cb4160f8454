/*
File Name:  Transfer.go
Copyright:  2019 Golem Factory
Author:     Golem Factory
*/

package transfer

import (
	"net"
	"time"

	"github.com/golemfactory/simple-transfer/catalog"
	log "github.com/sirupsen/logrus"
)

// Version is the current library version. It is reported by the control plane.
const Version = "0.3.2"

// The Backend represents one node: it serves registered bundles to peers and
// downloads bundles on behalf of the local control plane.
type Backend struct {
	Config  Config           // Core configuration
	Catalog *catalog.Catalog // Registered bundles and the node identity

	listener net.Listener
}

// Init initializes the backend from the configuration file. If the file does
// not exist or is empty, the default configuration is used. The returned
// status is of type ExitX; anything other than ExitSuccess is a fatal failure.
// The modify callback, if not nil, is applied to the configuration before any
// of it takes effect.
func Init(configFilename string, modify func(config *Config)) (backend *Backend, status int, err error) {
	backend = &Backend{}

	if status, err = LoadConfig(configFilename, &backend.Config); status != ExitSuccess {
		return nil, status, err
	}
	if modify != nil {
		modify(&backend.Config)
	}

	if err = backend.initLog(); err != nil {
		return nil, ExitErrorLogInit, err
	}

	if backend.Catalog, err = catalog.Init(backend.Config.DataDirectory); err != nil {
		return nil, ExitCatalogCorrupt, err
	}

	return backend, ExitSuccess, nil
}

// Connect binds the peer port and starts serving inbound connections and the
// catalog garbage collection.
func (backend *Backend) Connect() (err error) {
	if err = backend.initNetwork(); err != nil {
		return err
	}
	go backend.acceptLoop()

	backend.Catalog.StartGC(time.Duration(backend.Config.SweepInterval) * time.Second)

	return nil
}

// Terminate shuts the node down: the listener is closed and the catalog
// stops its garbage collection. Established connections are not closed and
// are not sent a bye here.
func (backend *Backend) Terminate() {
	if backend.listener != nil {
		backend.listener.Close()
	}
	backend.Catalog.Terminate()
}

// LogError logs an error message from the given function.
func (backend *Backend) LogError(function, format string, v ...interface{}) {
	log.WithField("function", function).Errorf(format, v...)
}
