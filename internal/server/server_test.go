package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg Config) (*serverImpl, context.CancelFunc, <-chan error) {
	t.Helper()
	srv := New(cfg, nil).(*serverImpl)
	srv.RegisterHTTPHandler("GET /ping", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "pong")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- srv.Start(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errChan:
		cancel()
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(time.Second):
		cancel()
		t.Fatal("server did not start in time")
	}
	return srv, cancel, errChan
}

func TestServer_ServeAndStop(t *testing.T) {
	srv, cancel, errChan := startServer(t, Config{Host: "127.0.0.1"})

	resp, err := http.Get("http://" + srv.Addr() + "/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	require.NoError(t, srv.Stop(context.Background()))
	cancel()
	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server did not stop in time")
	}
}

func TestServer_Start_AlreadyStarted(t *testing.T) {
	srv, cancel, _ := startServer(t, Config{Host: "127.0.0.1"})
	defer cancel()
	defer srv.Stop(context.Background())

	err := srv.Start(context.Background())
	assert.ErrorContains(t, err, "server already started")
}

func TestServer_Start_PortConflict(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	srv := New(Config{Host: "127.0.0.1", HTTPPort: l.Addr().(*net.TCPAddr).Port}, nil)
	assert.Error(t, srv.Start(context.Background()))
}

func TestServer_StopBeforeStart(t *testing.T) {
	srv := New(Config{}, nil)
	assert.NoError(t, srv.Stop(context.Background()))
	assert.Empty(t, srv.Addr())
}

func TestServer_HTTPMux(t *testing.T) {
	srv := New(Config{}, nil).(*serverImpl)
	assert.Same(t, srv.httpMux, srv.HTTPMux())
}
