package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golemfactory/simple-transfer/catalog"
	"github.com/golemfactory/simple-transfer/protocol"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()

	backend := &Backend{Config: Config{
		Listen:        "127.0.0.1:0",
		DataDirectory: t.TempDir(),
		SweepInterval: 30,
		SweepLifetime: 300,
	}}

	var err error
	if backend.Catalog, err = catalog.Init(backend.Config.DataDirectory); err != nil {
		t.Fatal(err)
	}
	if err = backend.initNetwork(); err != nil {
		t.Fatal(err)
	}
	go backend.acceptLoop()

	t.Cleanup(backend.Terminate)
	return backend
}

func (backend *Backend) testEndpoint() string {
	return backend.listener.Addr().String()
}

// registerTestFile writes deterministic content of the given size and
// registers it as a single-file bundle.
func registerTestFile(t *testing.T, backend *Backend, name string, size int) (mapHash protocol.Hash, path string, content []byte) {
	t.Helper()

	content = make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(content)

	path = filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	fileMap, err := protocol.HashFile(path, name)
	if err != nil {
		t.Fatal(err)
	}
	mapHash = backend.Catalog.Register([]catalog.FileEntry{{Map: *fileMap, Path: path}}, nil, nil)
	return mapHash, path, content
}

func TestDownloadBundle(t *testing.T) {
	server := newTestBackend(t)
	client := newTestBackend(t)

	// one 4.5 MiB file: a full block plus a partial one
	mapHash, _, content := registerTestFile(t, server, "payload.bin", protocol.BlockSize+protocol.BlockSize/8)

	destDir := t.TempDir()

	// a pre-existing file of the same name is moved aside
	outPath := filepath.Join(destDir, "payload.bin")
	if err := os.WriteFile(outPath, []byte("previous"), 0644); err != nil {
		t.Fatal(err)
	}

	files, err := client.DownloadBundle(context.Background(), mapHash, destDir, []string{server.testEndpoint()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != outPath {
		t.Fatalf("unexpected file list %v", files)
	}

	written, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, content) {
		t.Error("downloaded file does not match the source")
	}

	backup, err := os.ReadFile(outPath + ".bak")
	if err != nil || string(backup) != "previous" {
		t.Error("pre-existing file was not moved to .bak")
	}
}

func TestDownloadCorruptBlock(t *testing.T) {
	server := newTestBackend(t)
	client := newTestBackend(t)

	mapHash, path, content := registerTestFile(t, server, "corrupt.bin", 100*1024)

	// corrupt the backing file after registration, so the served block no
	// longer matches the registered block hash
	content[0] ^= 0xFF
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	_, err := client.DownloadBundle(context.Background(), mapHash, t.TempDir(), []string{server.testEndpoint()}, nil)

	var invalidHash *InvalidBlockHashError
	if !errors.As(err, &invalidHash) {
		t.Fatalf("expected InvalidBlockHashError, got %v", err)
	}
}

func TestDownloadResourceNotFound(t *testing.T) {
	server := newTestBackend(t)
	client := newTestBackend(t)

	unknown := protocol.HashData([]byte("nobody has this"))
	_, err := client.DownloadBundle(context.Background(), unknown, t.TempDir(), []string{server.testEndpoint()}, nil)

	var notFound *ResourceNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ResourceNotFoundError, got %v", err)
	}
	if notFound.Hash != unknown {
		t.Error("error does not carry the requested hash")
	}
}

func TestPeerRace(t *testing.T) {
	empty := newTestBackend(t)
	full := newTestBackend(t)
	client := newTestBackend(t)

	mapHash, _, content := registerTestFile(t, full, "raced.bin", 64*1024)

	destDir := t.TempDir()

	// the peer replying "unknown" first must not win the race
	peers := []string{empty.testEndpoint(), full.testEndpoint()}
	files, err := client.DownloadBundle(context.Background(), mapHash, destDir, peers, nil)
	if err != nil {
		t.Fatal(err)
	}

	written, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, content) {
		t.Error("downloaded file does not match the source")
	}
}

func TestDownloadInlineData(t *testing.T) {
	server := newTestBackend(t)
	client := newTestBackend(t)

	content := []byte("tiny inline payload")
	path := filepath.Join(t.TempDir(), "inline.bin")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	fileMap, err := protocol.HashFile(path, "inline.bin")
	if err != nil {
		t.Fatal(err)
	}
	mapHash := server.Catalog.Register([]catalog.FileEntry{{Map: *fileMap, Path: path}}, content, nil)

	// remove the backing file: the block must be served from memory
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	files, err := client.DownloadBundle(context.Background(), mapHash, t.TempDir(), []string{server.testEndpoint()}, nil)
	if err != nil {
		t.Fatal(err)
	}

	written, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, content) {
		t.Error("inline data was not served correctly")
	}
}

func TestDownloadEmptyFile(t *testing.T) {
	server := newTestBackend(t)
	client := newTestBackend(t)

	mapHash, _, _ := registerTestFile(t, server, "empty.bin", 0)

	files, err := client.DownloadBundle(context.Background(), mapHash, t.TempDir(), []string{server.testEndpoint()}, nil)
	if err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("expected an empty file, got %d bytes", info.Size())
	}
}

func TestHandshakeTimeout(t *testing.T) {
	previous := handshakeTimeout
	handshakeTimeout = 200 * time.Millisecond
	defer func() { handshakeTimeout = previous }()

	server := newTestBackend(t)

	socket, err := net.Dial("tcp", server.testEndpoint())
	if err != nil {
		t.Fatal(err)
	}
	defer socket.Close()

	// the server identifies immediately
	socket.SetReadDeadline(time.Now().Add(2 * time.Second))
	hello, err := protocol.ReadCommand(socket)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := hello.(*protocol.Hello); !ok {
		t.Fatalf("expected a hello, got %T", hello)
	}

	// never send our hello: the server must drop the link
	if _, err = protocol.ReadCommand(socket); err == nil {
		t.Fatal("expected the connection to be closed")
	}
}

func TestPendingRequestUniqueness(t *testing.T) {
	backend := newTestBackend(t)

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	go io.Copy(io.Discard, serverSide)

	c := newConnection(backend, clientSide)
	mapHash := protocol.HashData([]byte("pending"))

	done := make(chan struct{})
	defer close(done)
	firstResult := make(chan error, 1)
	go func() {
		_, err := c.Ask(done, mapHash)
		firstResult <- err
	}()

	// wait until the first ask is pending
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.stateMutex.Lock()
		pending := len(c.askRequests)
		c.stateMutex.Unlock()
		if pending == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first ask never became pending")
		}
		time.Sleep(time.Millisecond)
	}

	// a second ask for the same hash is rejected
	if _, err := c.Ask(done, mapHash); err != ErrDuplicateRequest {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}

	// closing the connection fails the pending responder
	c.closeWithError(ErrDisconnect)
	select {
	case err := <-firstResult:
		if err != ErrDisconnect {
			t.Errorf("pending ask completed with %v, expected ErrDisconnect", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending ask was not completed on close")
	}

	// requests after the close fail immediately
	if _, err := c.Ask(done, mapHash); err != ErrDisconnect {
		t.Errorf("ask on a closed connection returned %v", err)
	}
}

func TestMultiFileBundle(t *testing.T) {
	server := newTestBackend(t)
	client := newTestBackend(t)

	dir := t.TempDir()
	var entries []catalog.FileEntry
	contents := map[string][]byte{
		"first.bin":  bytes.Repeat([]byte{1}, 1000),
		"second.bin": bytes.Repeat([]byte{2}, 2000),
	}
	for _, name := range []string{"first.bin", "second.bin"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, contents[name], 0644); err != nil {
			t.Fatal(err)
		}
		fileMap, err := protocol.HashFile(path, name)
		if err != nil {
			t.Fatal(err)
		}
		entries = append(entries, catalog.FileEntry{Map: *fileMap, Path: path})
	}
	mapHash := server.Catalog.Register(entries, nil, nil)

	destDir := t.TempDir()
	files, err := client.DownloadBundle(context.Background(), mapHash, destDir, []string{server.testEndpoint()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}

	for n, name := range []string{"first.bin", "second.bin"} {
		written, err := os.ReadFile(files[n])
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(written, contents[name]) {
			t.Errorf("file %s does not match the source", name)
		}
	}
}
