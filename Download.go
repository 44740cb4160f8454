/*
File Name:  Download.go
Copyright:  2019 Golem Factory
Author:     Golem Factory

The download driver races an ask across all candidate peers, then streams
every block of every file from the winning peer into the destination
directory, verifying each block against the file map before it is written.
*/

package transfer

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/golemfactory/simple-transfer/protocol"
	"github.com/golemfactory/simple-transfer/sanitize"
	"golang.org/x/sync/errgroup"
)

// blockTimeout is the wall-clock limit for a single block response.
var blockTimeout = time.Second * 300

// DownloadProgress receives per-block progress while a download runs.
type DownloadProgress func(fileName string, fileNr, blockNr, blockCount int)

// DownloadBundle fetches the bundle with the given hash from the first
// candidate peer that serves it and writes its files into the destination
// directory. It returns the written paths in bundle order. Any failure aborts
// the whole download; partially written files remain on disk.
func (backend *Backend) DownloadBundle(ctx context.Context, mapHash protocol.Hash, destDir string, peers []string, progress DownloadProgress) (files []string, err error) {
	connection, fileMaps, err := backend.findPeer(ctx, mapHash, peers)
	if err != nil {
		return nil, err
	}
	defer connection.Close()

	for fileNr := range fileMaps {
		outPath, err := backend.createOutputFile(destDir, fileMaps[fileNr].FileName)
		if err != nil {
			return nil, err
		}

		err = backend.downloadFile(ctx, connection, mapHash, uint32(fileNr), &fileMaps[fileNr], outPath, progress)
		if err != nil {
			return nil, err
		}

		files = append(files, outPath)
	}

	return files, nil
}

// findPeer races an ask across all candidate peers. The first positive reply
// wins; the losing connections are dropped, which fires their bye.
func (backend *Backend) findPeer(ctx context.Context, mapHash protocol.Hash, peers []string) (winner *Connection, fileMaps []protocol.FileMap, err error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type raceWinner struct {
		connection *Connection
		files      []protocol.FileMap
	}
	won := make(chan raceWinner, 1)

	group, groupCtx := errgroup.WithContext(raceCtx)
	for _, peer := range peers {
		peer := peer
		group.Go(func() error {
			connection, err := backend.DialPeer(groupCtx, peer)
			if err != nil {
				// a failed candidate does not abort the race
				backend.LogError("download.findPeer", "connect to %s: %v", peer, err)
				return nil
			}

			reply, err := connection.Ask(groupCtx.Done(), mapHash)
			if err != nil {
				backend.LogError("download.findPeer", "ask %s: %v", peer, err)
				connection.Close()
				return nil
			}
			if !reply.Found {
				connection.Close()
				return nil
			}

			select {
			case won <- raceWinner{connection: connection, files: reply.Files}:
				cancel()
			default:
				// another peer already won
				connection.Close()
			}
			return nil
		})
	}
	group.Wait()

	select {
	case result := <-won:
		return result.connection, result.files, nil
	default:
		return nil, nil, &ResourceNotFoundError{Hash: mapHash}
	}
}

// createOutputFile prepares the destination path of one file. An existing
// file is renamed to a .bak sibling first, best effort; the output itself is
// created exclusively.
func (backend *Backend) createOutputFile(destDir, fileName string) (outPath string, err error) {
	outPath = filepath.Join(destDir, sanitize.PathFile(fileName))

	if _, err := os.Stat(outPath); err == nil {
		if err := os.Rename(outPath, outPath+".bak"); err != nil {
			backend.LogError("download.createOutputFile", "backup rename of '%s': %v", outPath, err)
		}
	}

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", err
	}
	out.Close()

	return outPath, nil
}

// downloadFile streams all blocks of one file in order, verifying each block
// hash before appending it.
func (backend *Backend) downloadFile(ctx context.Context, connection *Connection, mapHash protocol.Hash, fileNr uint32, fileMap *protocol.FileMap, outPath string, progress DownloadProgress) (err error) {
	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	for blockNr := range fileMap.Blocks {
		if err = ctx.Err(); err != nil {
			return err
		}

		block, err := connection.GetBlock(mapHash, fileNr, uint32(blockNr), blockTimeout)
		if err != nil {
			return err
		}

		if observed := protocol.HashBlock(block.Bytes); observed != fileMap.Blocks[blockNr] {
			return &InvalidBlockHashError{
				Expected: fileMap.Blocks[blockNr],
				Observed: observed,
				FileNr:   fileNr,
				BlockNr:  uint32(blockNr),
			}
		}

		if _, err = out.Write(block.Bytes); err != nil {
			return err
		}

		if progress != nil {
			progress(fileMap.FileName, int(fileNr), blockNr, len(fileMap.Blocks))
		}
	}

	return nil
}
