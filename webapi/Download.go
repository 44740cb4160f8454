/*
File Name:  Download.go
Copyright:  2019 Golem Factory
Author:     Golem Factory
*/

package webapi

import (
	"net/http"
	"sync"

	"github.com/golemfactory/simple-transfer/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Download job states.
const (
	DownloadActive   = 0
	DownloadFinished = 1
	DownloadFailed   = 2
)

type apiResponseDownloadStatus struct {
	ID         string   `json:"id"`
	Status     int      `json:"status"` // See DownloadX.
	Hash       string   `json:"hash"`
	File       string   `json:"file"`       // File currently being written
	BlocksDone int      `json:"blocksDone"` // Blocks written of the current file
	BlockCount int      `json:"blockCount"` // Block count of the current file
	Files      []string `json:"files"`      // Written files once finished
	Error      string   `json:"error,omitempty"`
}

// downloadJob tracks the progress of one control-plane download.
type downloadJob struct {
	ID   uuid.UUID
	Hash protocol.Hash
	Dest string

	mutex       sync.RWMutex
	status      int
	file        string
	blocksDone  int
	blockCount  int
	files       []string
	errorText   string
	subscribers []chan apiResponseDownloadStatus
}

func (api *WebapiInstance) downloadAdd(mapHash protocol.Hash, dest string) (job *downloadJob) {
	job = &downloadJob{ID: uuid.New(), Hash: mapHash, Dest: dest}

	api.downloadsMutex.Lock()
	api.downloads[job.ID] = job
	api.downloadsMutex.Unlock()

	return job
}

func (api *WebapiInstance) downloadLookup(id uuid.UUID) (job *downloadJob) {
	api.downloadsMutex.RLock()
	defer api.downloadsMutex.RUnlock()
	return api.downloads[id]
}

// snapshot returns the current state as a status response.
func (job *downloadJob) snapshot() apiResponseDownloadStatus {
	return apiResponseDownloadStatus{
		ID:         job.ID.String(),
		Status:     job.status,
		Hash:       job.Hash.Hex(),
		File:       job.file,
		BlocksDone: job.blocksDone,
		BlockCount: job.blockCount,
		Files:      job.files,
		Error:      job.errorText,
	}
}

// publish pushes the current state to all subscribers. Slow subscribers miss
// intermediate events: when a subscriber's buffer is full, its oldest queued
// event is dropped to make room for the new one.
func (job *downloadJob) publish() {
	event := job.snapshot()
	for _, subscriber := range job.subscribers {
		select {
		case subscriber <- event:
		default:
			select {
			case <-subscriber:
			default:
			}
			select {
			case subscriber <- event:
			default:
			}
		}
	}
}

// progress is handed to the download driver and called per written block.
func (job *downloadJob) progress(fileName string, fileNr, blockNr, blockCount int) {
	job.mutex.Lock()
	defer job.mutex.Unlock()

	job.file = fileName
	job.blocksDone = blockNr + 1
	job.blockCount = blockCount
	job.publish()
}

func (job *downloadJob) finish(files []string, err error) {
	job.mutex.Lock()
	defer job.mutex.Unlock()

	if err != nil {
		job.status = DownloadFailed
		job.errorText = err.Error()
	} else {
		job.status = DownloadFinished
		job.files = files
	}
	job.publish()
}

func (job *downloadJob) subscribe() (events chan apiResponseDownloadStatus) {
	events = make(chan apiResponseDownloadStatus, 64)

	job.mutex.Lock()
	defer job.mutex.Unlock()
	job.subscribers = append(job.subscribers, events)

	// deliver the current state right away
	events <- job.snapshot()
	return events
}

/*
apiDownloadStatus returns the state of a download started via /download.

Request:    GET /download/status?id=[download id]
Result:     200 with JSON structure apiResponseDownloadStatus, or 404
*/
func (api *WebapiInstance) apiDownloadStatus(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	id, err := uuid.Parse(r.Form.Get("id"))
	if err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	job := api.downloadLookup(id)
	if job == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	job.mutex.RLock()
	event := job.snapshot()
	job.mutex.RUnlock()

	EncodeJSON(api.Backend, w, r, event)
}

/*
apiDownloadStream streams progress events of a download over a websocket
until the download reaches a terminal state.

Request:    GET /download/ws?id=[download id]
Result:     101 and a stream of JSON apiResponseDownloadStatus events
*/
func (api *WebapiInstance) apiDownloadStream(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	id, err := uuid.Parse(r.Form.Get("id"))
	if err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	job := api.downloadLookup(id)
	if job == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	socket, err := WSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		api.Backend.LogError("webapi.DownloadStream", "upgrade: %v", err)
		return
	}
	defer socket.Close()

	for event := range job.subscribe() {
		if err := socket.WriteJSON(event); err != nil {
			return
		}
		if event.Status != DownloadActive {
			socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
