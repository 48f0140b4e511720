package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/neonwatty/vibetunnel-sub007/internal/adapters/storage/memory"
	"github.com/neonwatty/vibetunnel-sub007/internal/domain"
	obs "github.com/neonwatty/vibetunnel-sub007/internal/infrastructure/observability"
	"github.com/neonwatty/vibetunnel-sub007/internal/usecase"
)

// fakeConn records every frame written to it and satisfies MessageWriter.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

var errConnClosed = errors.New("fake conn closed")

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errConnClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeConn) frame(t *testing.T, i int) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.frames) {
		t.Fatalf("frame %d not written (have %d)", i, len(f.frames))
	}
	return f.frames[i]
}

// lastRequest decodes the most recent frame as an api-request.
func (f *fakeConn) lastRequest(t *testing.T) domain.APIRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		t.Fatal("no frames written")
	}
	var req domain.APIRequest
	if err := json.Unmarshal(f.frames[len(f.frames)-1], &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

// lastResponse decodes the most recent frame as an api-response.
func (f *fakeConn) lastResponse(t *testing.T) domain.APIResponse {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		t.Fatal("no frames written")
	}
	var resp domain.APIResponse
	if err := json.Unmarshal(f.frames[len(f.frames)-1], &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func testSessions(max int) *usecase.SessionService {
	return usecase.NewSessionService(memory.NewStore(max))
}

func testHub(t *testing.T, maxSessions int) (*Hub, *PeerManager) {
	t.Helper()
	logger := testLogger()
	peer := NewPeerManager(logger)
	hub := NewHub(logger, obs.NewMetrics(), testSessions(maxSessions), peer, nil, Options{
		RequestTimeout:     5 * time.Second,
		SweepInterval:      time.Second,
		SessionIdleTimeout: time.Hour,
		IdleSweepInterval:  time.Hour,
		MaxSessions:        maxSessions,
	})
	return hub, peer
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
