/*
File Name:  Commands.go
Copyright:  2019 Golem Factory
Author:     Golem Factory

The JSON control plane invoked by the local client:

/id               GET   Node identity and version.
/addresses        GET   Advertised peer endpoint.
/upload           POST  Register a bundle of local files.
/check            GET   Check whether a hash is registered.
/download         POST  Fetch a bundle from candidate peers.
/remove           GET   Delete a registration.
/list             GET   Summaries of all registrations.
*/

package webapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	transfer "github.com/golemfactory/simple-transfer"
	"github.com/golemfactory/simple-transfer/catalog"
	"github.com/golemfactory/simple-transfer/protocol"
	"github.com/golemfactory/simple-transfer/sanitize"
	"golang.org/x/sync/errgroup"
)

// inlineDataLimit bounds the inline data of a registration: only files
// smaller than this are carried inline. Only bundles of exactly one file
// qualify.
const inlineDataLimit = 200

type apiResponseError struct {
	Error string `json:"error"`
}

type apiResponseID struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

/*
apiID returns the node identity.

Request:    GET /id
Result:     200 with JSON structure apiResponseID
*/
func (api *WebapiInstance) apiID(w http.ResponseWriter, r *http.Request) {
	EncodeJSON(api.Backend, w, r, apiResponseID{ID: api.Backend.Catalog.NodeID().Hex(), Version: transfer.Version})
}

type apiResponseAddresses struct {
	Addresses apiAddressTCP `json:"addresses"`
}

type apiAddressTCP struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

/*
apiAddresses returns the advertised TCP endpoint for peers.

Request:    GET /addresses
Result:     200 with JSON structure apiResponseAddresses
*/
func (api *WebapiInstance) apiAddresses(w http.ResponseWriter, r *http.Request) {
	host, port := api.Backend.Addresses()
	EncodeJSON(api.Backend, w, r, apiResponseAddresses{Addresses: apiAddressTCP{Address: host, Port: port}})
}

type apiRequestUpload struct {
	Files   map[string]string `json:"files"`   // local path -> published name
	Timeout *float64          `json:"timeout"` // share lifetime in seconds; default from config
}

type apiResponseUpload struct {
	Hash string `json:"hash"`
}

/*
apiUpload hashes the given local files and registers them as one bundle.

Request:    POST /upload with JSON structure apiRequestUpload
Result:     200 with JSON structure apiResponseUpload
*/
func (api *WebapiInstance) apiUpload(w http.ResponseWriter, r *http.Request) {
	var input apiRequestUpload
	if DecodeJSON(w, r, &input) != nil {
		return
	}
	if len(input.Files) == 0 {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	// bundle order is the published name order, so identical uploads hash identically
	entries := make([]catalog.FileEntry, 0, len(input.Files))
	for path, name := range input.Files {
		entries = append(entries, catalog.FileEntry{Map: protocol.FileMap{FileName: name}, Path: path})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Map.FileName < entries[j].Map.FileName })

	var group errgroup.Group
	for n := range entries {
		n := n
		group.Go(func() error {
			fileMap, err := protocol.HashFile(entries[n].Path, entries[n].Map.FileName)
			if err != nil {
				return err
			}
			entries[n].Map = *fileMap
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		api.Backend.LogError("webapi.Upload", "hashing: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		EncodeJSON(api.Backend, w, r, apiResponseError{Error: err.Error()})
		return
	}

	// a single small file travels inline with the registration
	var inlineData []byte
	if len(entries) == 1 && entries[0].Map.FileSize < inlineDataLimit {
		data, err := os.ReadFile(entries[0].Path)
		if err != nil {
			api.Backend.LogError("webapi.Upload", "inline read: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			EncodeJSON(api.Backend, w, r, apiResponseError{Error: err.Error()})
			return
		}
		inlineData = data
	}

	lifetime := time.Duration(api.Backend.Config.SweepLifetime) * time.Second
	if input.Timeout != nil {
		lifetime = time.Duration(*input.Timeout * float64(time.Second))
	}
	validTo := time.Now().Add(lifetime)

	mapHash := api.Backend.Catalog.Register(entries, inlineData, &validTo)

	EncodeJSON(api.Backend, w, r, apiResponseUpload{Hash: mapHash.Hex()})
}

type apiResponseCheck struct {
	Hash string `json:"hash"`
}

/*
apiCheck checks whether the hash is registered.

Request:    GET /check?hash=[bundle hash]
Result:     200 with JSON structure apiResponseCheck, or 404
*/
func (api *WebapiInstance) apiCheck(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	mapHash, valid := protocol.HashFromHex(r.Form.Get("hash"))
	if !valid {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	if api.Backend.Catalog.Get(mapHash) == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	EncodeJSON(api.Backend, w, r, apiResponseCheck{Hash: mapHash.Hex()})
}

type apiRequestDownload struct {
	Hash    string   `json:"hash"`
	Dest    string   `json:"dest"`
	Peers   []string `json:"peers"`   // candidate endpoints as host:port
	Timeout *float64 `json:"timeout"` // overall deadline in seconds
}

type apiResponseDownload struct {
	ID    string   `json:"id"`
	Files []string `json:"files"`
}

/*
apiDownload fetches a bundle from the first responsive candidate peer. With an
empty peer list the bundle is copied from the local catalog instead.

Request:    POST /download with JSON structure apiRequestDownload
Result:     200 with JSON structure apiResponseDownload
            404 if no peer serves the hash
*/
func (api *WebapiInstance) apiDownload(w http.ResponseWriter, r *http.Request) {
	var input apiRequestDownload
	if DecodeJSON(w, r, &input) != nil {
		return
	}
	mapHash, valid := protocol.HashFromHex(input.Hash)
	if !valid || input.Dest == "" {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	if len(input.Peers) == 0 {
		api.mimicCopy(w, r, mapHash, input.Dest)
		return
	}

	job := api.downloadAdd(mapHash, input.Dest)

	ctx := r.Context()
	if input.Timeout != nil {
		deadlineCtx, cancel := context.WithTimeout(ctx, time.Duration(*input.Timeout*float64(time.Second)))
		defer cancel()
		ctx = deadlineCtx
	}

	files, err := api.Backend.DownloadBundle(ctx, mapHash, input.Dest, input.Peers, job.progress)
	job.finish(files, err)

	if err != nil {
		api.Backend.LogError("webapi.Download", "download %s: %v", mapHash.Hex(), err)
		var notFound *transfer.ResourceNotFoundError
		if errors.As(err, &notFound) {
			w.WriteHeader(http.StatusNotFound)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
		EncodeJSON(api.Backend, w, r, apiResponseError{Error: err.Error()})
		return
	}

	EncodeJSON(api.Backend, w, r, apiResponseDownload{ID: job.ID.String(), Files: files})
}

// mimicCopy serves a download with no candidate peers from the local catalog.
func (api *WebapiInstance) mimicCopy(w http.ResponseWriter, r *http.Request, mapHash protocol.Hash, destDir string) {
	desc := api.Backend.Catalog.Get(mapHash)
	if desc == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var files []string
	for n := range desc.Files {
		outPath := filepath.Join(destDir, sanitize.PathFile(desc.Files[n].Map.FileName))
		if err := copyFile(desc.Files[n].Path, outPath); err != nil {
			api.Backend.LogError("webapi.Download", "local copy of '%s': %v", desc.Files[n].Path, err)
			w.WriteHeader(http.StatusInternalServerError)
			EncodeJSON(api.Backend, w, r, apiResponseError{Error: err.Error()})
			return
		}
		files = append(files, outPath)
	}

	EncodeJSON(api.Backend, w, r, apiResponseDownload{Files: files})
}

func copyFile(sourcePath, outPath string) (err error) {
	source, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer source.Close()

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, source)
	return err
}

/*
apiRemove deletes a registration.

Request:    GET /remove?hash=[bundle hash]
Result:     204, or 404 if the hash is not registered
*/
func (api *WebapiInstance) apiRemove(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	mapHash, valid := protocol.HashFromHex(r.Form.Get("hash"))
	if !valid {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	if api.Backend.Catalog.Remove(mapHash) == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type apiFileShare struct {
	Hash      string     `json:"hash"`
	Files     []string   `json:"files"`
	TotalSize uint64     `json:"totalSize"`
	ValidTo   *time.Time `json:"validTo"`
}

/*
apiList returns a summary of every registration.

Request:    GET /list
Result:     200 with JSON list of apiFileShare
*/
func (api *WebapiInstance) apiList(w http.ResponseWriter, r *http.Request) {
	descs := api.Backend.Catalog.List()

	shares := make([]apiFileShare, 0, len(descs))
	for _, desc := range descs {
		share := apiFileShare{Hash: desc.MapHash.Hex(), TotalSize: desc.TotalSize(), ValidTo: desc.ValidTo}
		for n := range desc.Files {
			share.Files = append(share.Files, desc.Files[n].Map.FileName)
		}
		shares = append(shares, share)
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].Hash < shares[j].Hash })

	EncodeJSON(api.Backend, w, r, shares)
}
