/*
File Name:  Catalog.go
Copyright:  2019 Golem Factory
Author:     Golem Factory

The catalog maps content hashes to the local files that back them. Entries are
immutable once handed out; re-registration replaces the stored pointer. All
mutation is funneled through the catalog's lock, so operations are
linearizable and the sweep never observes a half-constructed registration.
*/

package catalog

import (
	"sync"
	"time"

	"github.com/golemfactory/simple-transfer/protocol"
	log "github.com/sirupsen/logrus"
)

// Bounds for the garbage collection sweep interval.
const (
	sweepIntervalMin = 30 * time.Second
	sweepIntervalMax = 300 * time.Second
)

// FileEntry binds one file map to the local file that backs it.
type FileEntry struct {
	Map  protocol.FileMap
	Path string
}

// FileDesc describes one registered bundle. It is shared with request
// handlers and must not be modified after registration.
type FileDesc struct {
	MapHash    protocol.Hash
	Files      []FileEntry
	InlineData []byte
	ValidTo    *time.Time
}

// FileMaps returns the bundle's file maps in order, as sent in an ask reply.
func (desc *FileDesc) FileMaps() (fileMaps []protocol.FileMap) {
	fileMaps = make([]protocol.FileMap, 0, len(desc.Files))
	for n := range desc.Files {
		fileMaps = append(fileMaps, desc.Files[n].Map)
	}
	return fileMaps
}

// TotalSize returns the byte count of all files in the bundle.
func (desc *FileDesc) TotalSize() (total uint64) {
	for n := range desc.Files {
		total += desc.Files[n].Map.FileSize
	}
	return total
}

func (desc *FileDesc) logEvent(event string) {
	for n := range desc.Files {
		log.Infof("%s %s %s", event, desc.MapHash.Hex(), desc.Files[n].Path)
	}
}

// Catalog is the in-memory bundle registry backed by a data directory.
type Catalog struct {
	Directory string // Data directory holding the meta file and the descriptors

	nodeID protocol.Hash
	files  map[protocol.Hash]*FileDesc
	mutex  sync.RWMutex

	terminateGC   chan struct{}
	terminateOnce sync.Once
}

// Init opens the data directory and loads the node metadata and all stored
// descriptors. Missing or invalid metadata re-initializes the directory with
// a fresh random node ID; any other failure is fatal to the caller.
func Init(directory string) (cat *Catalog, err error) {
	cat = &Catalog{
		Directory:   directory,
		files:       make(map[protocol.Hash]*FileDesc),
		terminateGC: make(chan struct{}),
	}

	if err = createDirectory(directory); err != nil {
		return nil, err
	}

	switch err = cat.load(); {
	case err == nil:
	case isMetaError(err):
		log.Debugf("load meta error: %s", err)
		if err = cat.clearDirectory(); err != nil {
			return nil, err
		}
		if err = cat.initMeta(); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	log.Infof("catalog started id=%s", cat.nodeID.Hex())
	return cat, nil
}

// NodeID returns the persistent node identity.
func (cat *Catalog) NodeID() protocol.Hash {
	return cat.nodeID
}

// Register computes the bundle hash and inserts the descriptor. When the hash
// is already registered, the entry with the longer lifetime is kept: an entry
// without a deadline always wins, otherwise the later deadline wins and the
// existing entry wins ties. Re-registration extends, never shortens.
func (cat *Catalog) Register(files []FileEntry, inlineData []byte, validTo *time.Time) (mapHash protocol.Hash) {
	fileMaps := make([]protocol.FileMap, 0, len(files))
	for n := range files {
		fileMaps = append(fileMaps, files[n].Map)
	}
	mapHash = protocol.HashBundle(fileMaps)

	desc := &FileDesc{MapHash: mapHash, Files: files, InlineData: inlineData, ValidTo: validTo}

	cat.mutex.Lock()
	defer cat.mutex.Unlock()

	if existing, ok := cat.files[mapHash]; ok {
		if keepExisting(existing.ValidTo, validTo) {
			return mapHash
		}
		cat.files[mapHash] = desc
		cat.saveDesc(desc)
		desc.logEvent("share extend")
		return mapHash
	}

	cat.files[mapHash] = desc
	cat.saveDesc(desc)
	desc.logEvent("share")
	return mapHash
}

// keepExisting decides the re-registration merge: true keeps the stored entry.
func keepExisting(existing, update *time.Time) bool {
	if existing == nil {
		return true
	}
	if update == nil {
		return false
	}
	return !existing.Before(*update)
}

// Get returns the descriptor for the hash, or nil. The result is a shared
// immutable snapshot.
func (cat *Catalog) Get(mapHash protocol.Hash) (desc *FileDesc) {
	cat.mutex.RLock()
	defer cat.mutex.RUnlock()
	return cat.files[mapHash]
}

// Remove deletes the registration and its descriptor file. It returns the
// removed descriptor, or nil if the hash was not registered.
func (cat *Catalog) Remove(mapHash protocol.Hash) (desc *FileDesc) {
	cat.mutex.Lock()
	defer cat.mutex.Unlock()

	desc, ok := cat.files[mapHash]
	if !ok {
		return nil
	}
	delete(cat.files, mapHash)
	cat.removeDescFile(mapHash)
	desc.logEvent("unshare")
	return desc
}

// List returns a snapshot of all registered descriptors.
func (cat *Catalog) List() (descs []*FileDesc) {
	cat.mutex.RLock()
	defer cat.mutex.RUnlock()

	descs = make([]*FileDesc, 0, len(cat.files))
	for _, desc := range cat.files {
		descs = append(descs, desc)
	}
	return descs
}

// StartGC starts the periodic sweep that removes expired registrations.
// The interval is clamped to the 30-300 second range.
func (cat *Catalog) StartGC(interval time.Duration) {
	if interval < sweepIntervalMin {
		interval = sweepIntervalMin
	} else if interval > sweepIntervalMax {
		interval = sweepIntervalMax
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				log.Trace("sweep start")
				cat.sweep(time.Now())
			case <-cat.terminateGC:
				return
			}
		}
	}()
}

// Terminate stops the garbage collection.
func (cat *Catalog) Terminate() {
	cat.terminateOnce.Do(func() {
		close(cat.terminateGC)
	})
}

// sweep removes every entry whose deadline lies strictly before now.
// Entries without a deadline are never collected.
func (cat *Catalog) sweep(now time.Time) {
	cat.mutex.Lock()
	defer cat.mutex.Unlock()

	for mapHash, desc := range cat.files {
		if desc.ValidTo != nil && desc.ValidTo.Before(now) {
			delete(cat.files, mapHash)
			cat.removeDescFile(mapHash)
			desc.logEvent("unshare")
		}
	}
}
