package ctlsock

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	shutdownCalled bool
}

func (h *stubHandler) AddTorrent(src, dst string) (string, error) {
	if src == "" {
		return "", fmt.Errorf("empty source")
	}
	return "deadbeef", nil
}

func (h *stubHandler) ListTorrents() (interface{}, error) {
	return []string{"one", "two"}, nil
}

func (h *stubHandler) Shutdown() error {
	h.shutdownCalled = true
	return nil
}

func startTestServer(t *testing.T, handler Handler) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gopherd.sock")
	srv, err := Listen(path, handler, nil)
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return path
}

func TestAddTorrentRoundTrip(t *testing.T) {
	path := startTestServer(t, &stubHandler{})

	resp, err := Dial(path, Request{Type: ReqAddTorrent, SourcePath: "a.torrent", DestPath: "/tmp/out"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "deadbeef", resp.InfoHash)
}

func TestAddTorrentErrorPropagates(t *testing.T) {
	path := startTestServer(t, &stubHandler{})

	resp, err := Dial(path, Request{Type: ReqAddTorrent})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "empty source")
}

func TestListTorrents(t *testing.T) {
	path := startTestServer(t, &stubHandler{})

	resp, err := Dial(path, Request{Type: ReqListTorrents})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.NotNil(t, resp.Torrents)
}

func TestShutdownInvokesHandler(t *testing.T) {
	handler := &stubHandler{}
	path := startTestServer(t, handler)

	resp, err := Dial(path, Request{Type: ReqShutdown})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Eventually(t, func() bool { return handler.shutdownCalled }, time.Second, 10*time.Millisecond)
}

func TestUnknownRequestType(t *testing.T) {
	path := startTestServer(t, &stubHandler{})

	resp, err := Dial(path, Request{Type: "bogus"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
}
