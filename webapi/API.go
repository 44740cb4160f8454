/*
File Name:  API.go
Copyright:  2019 Golem Factory
Author:     Golem Factory
*/

package webapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	transfer "github.com/golemfactory/simple-transfer"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type WebapiInstance struct {
	Backend *transfer.Backend

	// Router can be used to register additional API functions
	Router *mux.Router

	// download jobs
	downloads      map[uuid.UUID]*downloadJob
	downloadsMutex sync.RWMutex
}

// WSUpgrader is used for streaming download progress. It allows all requests.
var WSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// the control plane is local only
		return true
	},
}

// Start starts the control-plane API. ListenAddresses is a list of IP:Ports.
// The read and write timeout may be 0 for no timeout.
func Start(Backend *transfer.Backend, ListenAddresses []string, TimeoutRead, TimeoutWrite time.Duration) (api *WebapiInstance) {
	if len(ListenAddresses) == 0 {
		return nil
	}

	api = &WebapiInstance{
		Backend:   Backend,
		Router:    mux.NewRouter(),
		downloads: make(map[uuid.UUID]*downloadJob),
	}

	api.Router.HandleFunc("/id", api.apiID).Methods("GET")
	api.Router.HandleFunc("/addresses", api.apiAddresses).Methods("GET")
	api.Router.HandleFunc("/upload", api.apiUpload).Methods("POST")
	api.Router.HandleFunc("/check", api.apiCheck).Methods("GET")
	api.Router.HandleFunc("/download", api.apiDownload).Methods("POST")
	api.Router.HandleFunc("/download/status", api.apiDownloadStatus).Methods("GET")
	api.Router.HandleFunc("/download/ws", api.apiDownloadStream).Methods("GET")
	api.Router.HandleFunc("/remove", api.apiRemove).Methods("GET", "POST")
	api.Router.HandleFunc("/list", api.apiList).Methods("GET")

	for _, listen := range ListenAddresses {
		go startWebAPI(Backend, listen, api.Router, TimeoutRead, TimeoutWrite)
	}

	return api
}

// startWebAPI starts a web-server with the given parameters and logs the
// status. It may block forever and only returns if there is an error.
func startWebAPI(Backend *transfer.Backend, WebListen string, Handler http.Handler, ReadTimeout, WriteTimeout time.Duration) {
	Backend.LogError("startWebAPI", "Start API at '%s'", WebListen)

	server := &http.Server{
		Addr:         WebListen,
		Handler:      Handler,
		ReadTimeout:  ReadTimeout,  // max duration for reading the entire request, including the body
		WriteTimeout: WriteTimeout, // max duration before timing out writes of the response
	}

	if err := server.ListenAndServe(); err != nil {
		Backend.LogError("startWebAPI", "Error listening on '%s': %v", WebListen, err)
	}
}

// EncodeJSON encodes the data as JSON
func EncodeJSON(Backend *transfer.Backend, w http.ResponseWriter, r *http.Request, data interface{}) (err error) {
	w.Header().Set("Content-Type", "application/json")

	if err = json.NewEncoder(w).Encode(data); err != nil {
		Backend.LogError("EncodeJSON", "Error writing data for route '%s': %v", r.URL.Path, err)
	}
	return err
}

// DecodeJSON decodes input JSON data sent via POST. In case of error it
// automatically sends an error to the client.
func DecodeJSON(w http.ResponseWriter, r *http.Request, data interface{}) (err error) {
	if r.Body == nil {
		http.Error(w, "", http.StatusBadRequest)
		return errors.New("no data")
	}

	if err = json.NewDecoder(r.Body).Decode(data); err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return err
	}
	return nil
}
