package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neonwatty/vibetunnel-sub007/internal/domain"
)

func testCorrelator(t *testing.T, timeout time.Duration) (*Correlator, *PeerManager, *fakeConn) {
	t.Helper()
	logger := testLogger()
	peer := NewPeerManager(logger)
	conn := &fakeConn{}
	peer.Accept(conn)
	return NewCorrelator(logger, peer, timeout, time.Second), peer, conn
}

func TestIssueFailsFastWithoutPeer(t *testing.T) {
	logger := testLogger()
	peer := NewPeerManager(logger)
	c := NewCorrelator(logger, peer, time.Second, time.Second)

	_, err := c.Issue("conn-1", domain.APIRequest{RequestID: "r1", Endpoint: "/displays"}, func(domain.APIResponse) {
		t.Fatal("done must never fire when issue fails")
	})
	if !errors.Is(err, domain.ErrPeerUnavailable) {
		t.Fatalf("err = %v, want ErrPeerUnavailable", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", c.Pending())
	}
}

func TestResolveDeliversExactlyOnce(t *testing.T) {
	c, _, conn := testCorrelator(t, time.Second)

	var calls atomic.Int32
	var got domain.APIResponse
	var mu sync.Mutex
	cid, err := c.Issue("conn-1", domain.APIRequest{RequestID: "browser-req-7", Endpoint: "/displays"}, func(resp domain.APIResponse) {
		calls.Add(1)
		mu.Lock()
		got = resp
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// The forwarded frame carries the correlation id, not the browser's id.
	fwd := conn.lastRequest(t)
	if fwd.RequestID != cid {
		t.Fatalf("forwarded requestId = %q, want correlation id %q", fwd.RequestID, cid)
	}
	if fwd.RequestID == "browser-req-7" {
		t.Fatal("browser request id leaked to the peer")
	}

	result, _ := json.Marshal(map[string]string{"status": "ok"})
	c.Resolve(domain.APIResponse{Type: domain.KindAPIResponse, RequestID: cid, Result: result})
	// Duplicate and unknown resolutions are silent no-ops.
	c.Resolve(domain.APIResponse{Type: domain.KindAPIResponse, RequestID: cid})
	c.Resolve(domain.APIResponse{Type: domain.KindAPIResponse, RequestID: "never-issued"})

	if n := calls.Load(); n != 1 {
		t.Fatalf("done fired %d times, want 1", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if got.RequestID != "browser-req-7" {
		t.Fatalf("delivered requestId = %q, want browser's original", got.RequestID)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d after resolve", c.Pending())
	}
}

func TestTimeoutResolution(t *testing.T) {
	c, _, _ := testCorrelator(t, 10*time.Millisecond)

	var timeouts atomic.Int32
	c.OnTimeout(func() { timeouts.Add(1) })

	respCh := make(chan domain.APIResponse, 1)
	if _, err := c.Issue("conn-1", domain.APIRequest{RequestID: "r1", Endpoint: "/frame"}, func(resp domain.APIResponse) {
		respCh <- resp
	}); err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Drive the sweep directly; deterministic, no ticker involved.
	c.expire(time.Now().UTC().Add(time.Minute))

	select {
	case resp := <-respCh:
		if resp.Error != domain.ErrRequestTimeout.Error() {
			t.Fatalf("error = %q, want timeout", resp.Error)
		}
	default:
		t.Fatal("expired entry not resolved")
	}
	if timeouts.Load() != 1 {
		t.Fatalf("timeout hook fired %d times", timeouts.Load())
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d after expiry", c.Pending())
	}

	// A late response after expiry is dropped silently.
	c.Resolve(domain.APIResponse{RequestID: "r1"})
}

// dyingConn models the agent vanishing mid-forward: the write fails and
// the peer read loop's Drop lands before the write even returns.
type dyingConn struct {
	fakeConn
	peer *PeerManager
}

func (c *dyingConn) WriteMessage(int, []byte) error {
	c.peer.Drop(c)
	return errConnClosed
}

func TestPeerLossDuringForwardAnswersOnce(t *testing.T) {
	logger := testLogger()
	peer := NewPeerManager(logger)
	c := NewCorrelator(logger, peer, time.Minute, time.Second)
	peer.OnDisconnect(func() { c.FailAll(domain.ErrPeerDisconnected) })

	conn := &dyingConn{peer: peer}
	peer.Accept(conn)

	var mu sync.Mutex
	var responses []domain.APIResponse
	_, err := c.Issue("conn-1", domain.APIRequest{RequestID: "r1", Endpoint: "/click"}, func(resp domain.APIResponse) {
		mu.Lock()
		responses = append(responses, resp)
		mu.Unlock()
	})
	// The disconnect escalation already resolved the entry; Issue must not
	// report a failure on top of that.
	if err != nil {
		t.Fatalf("issue returned %v after the entry was already failed", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(responses) != 1 {
		t.Fatalf("done fired %d times, want exactly 1", len(responses))
	}
	if responses[0].RequestID != "r1" || responses[0].Error != domain.ErrPeerDisconnected.Error() {
		t.Fatalf("resp = %+v", responses[0])
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d", c.Pending())
	}
}

// failingConn rejects every write without touching the peer manager.
type failingConn struct {
	fakeConn
}

func (c *failingConn) WriteMessage(int, []byte) error { return errConnClosed }

func TestSendFailureSurfacesPeerError(t *testing.T) {
	logger := testLogger()
	peer := NewPeerManager(logger)
	c := NewCorrelator(logger, peer, time.Minute, time.Second)
	peer.Accept(&failingConn{})

	_, err := c.Issue("conn-1", domain.APIRequest{RequestID: "r1", Endpoint: "/click"}, func(domain.APIResponse) {
		t.Fatal("done must never fire when issue fails")
	})
	// Raw transport errors stay inside the relay; the browser-facing error
	// is one of the stable peer errors.
	if !errors.Is(err, domain.ErrPeerDisconnected) {
		t.Fatalf("err = %v, want ErrPeerDisconnected", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d", c.Pending())
	}
}

func TestFailOwnedOnlyHitsOwner(t *testing.T) {
	c, _, _ := testCorrelator(t, time.Minute)

	got1 := make(chan domain.APIResponse, 1)
	got2 := make(chan domain.APIResponse, 1)
	_, _ = c.Issue("conn-1", domain.APIRequest{RequestID: "a", Endpoint: "/displays"}, func(r domain.APIResponse) { got1 <- r })
	_, _ = c.Issue("conn-2", domain.APIRequest{RequestID: "b", Endpoint: "/processes"}, func(r domain.APIResponse) { got2 <- r })

	c.FailOwned("conn-1", domain.ErrConnectionClosed)

	select {
	case resp := <-got1:
		if resp.Error != domain.ErrConnectionClosed.Error() {
			t.Fatalf("error = %q", resp.Error)
		}
	default:
		t.Fatal("conn-1 pending not cancelled")
	}
	select {
	case <-got2:
		t.Fatal("conn-2 pending must survive")
	default:
	}
	if c.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", c.Pending())
	}
}

func TestFailAll(t *testing.T) {
	c, _, _ := testCorrelator(t, time.Minute)

	var failed atomic.Int32
	for i := 0; i < 5; i++ {
		_, _ = c.Issue("conn-1", domain.APIRequest{RequestID: "r", Endpoint: "/displays"}, func(r domain.APIResponse) {
			if r.Error == domain.ErrPeerDisconnected.Error() {
				failed.Add(1)
			}
		})
	}
	c.FailAll(domain.ErrPeerDisconnected)
	if failed.Load() != 5 {
		t.Fatalf("failed = %d, want 5", failed.Load())
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d", c.Pending())
	}
}

func TestConcurrentIssueResolve(t *testing.T) {
	c, _, conn := testCorrelator(t, time.Minute)

	const n = 64
	var wg sync.WaitGroup
	var delivered atomic.Int32
	cids := make(chan string, n)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			cid, err := c.Issue("conn-1", domain.APIRequest{RequestID: "r", Endpoint: "/displays"}, func(domain.APIResponse) {
				delivered.Add(1)
			})
			if err != nil {
				t.Errorf("issue: %v", err)
				return
			}
			cids <- cid
		}()
	}
	wg.Wait()
	close(cids)

	seen := map[string]bool{}
	for cid := range cids {
		if seen[cid] {
			t.Fatalf("correlation id %q reused while pending", cid)
		}
		seen[cid] = true
	}
	if conn.count() != n {
		t.Fatalf("peer received %d frames, want %d", conn.count(), n)
	}

	var rg sync.WaitGroup
	for cid := range seen {
		rg.Add(2)
		// Race a resolve against a duplicate resolve for the same id.
		go func(id string) { defer rg.Done(); c.Resolve(domain.APIResponse{RequestID: id}) }(cid)
		go func(id string) { defer rg.Done(); c.Resolve(domain.APIResponse{RequestID: id}) }(cid)
	}
	rg.Wait()

	if delivered.Load() != n {
		t.Fatalf("delivered = %d, want exactly %d", delivered.Load(), n)
	}
}
