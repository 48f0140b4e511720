package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neonwatty/vibetunnel-sub007/internal/domain"
)

// Correlator turns the single multiplexed peer stream into independent
// request/response pairs. Each forwarded request gets a fresh correlation
// id; the browser's own requestId is restored before delivery.
type Correlator struct {
	logger  zerolog.Logger
	peer    *PeerManager
	timeout time.Duration
	sweep   time.Duration

	onTimeout func() // metrics hook, optional

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	correlationID string
	owner         string
	requestID     string // browser-side id, restored on delivery
	endpoint      string
	issuedAt      time.Time
	deadline      time.Time
	done          func(domain.APIResponse)
}

func NewCorrelator(logger *zerolog.Logger, peer *PeerManager, timeout, sweep time.Duration) *Correlator {
	return &Correlator{
		logger:  logger.With().Str("component", "correlator").Logger(),
		peer:    peer,
		timeout: timeout,
		sweep:   sweep,
		pending: make(map[string]*pendingRequest),
	}
}

// OnTimeout registers a hook invoked once per timed-out request.
func (c *Correlator) OnTimeout(fn func()) { c.onTimeout = fn }

// Pending reports the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Issue forwards req to the peer under a fresh correlation id and records
// the pending entry. done fires exactly once: with the peer's response, a
// timeout, or a cancellation error. A non-nil error means done will never
// fire; a nil error means it fires (or already fired) exactly once.
func (c *Correlator) Issue(owner string, req domain.APIRequest, done func(domain.APIResponse)) (string, error) {
	if !c.peer.Present() {
		return "", domain.ErrPeerUnavailable
	}
	cid := uuid.NewString()
	now := time.Now().UTC()
	entry := &pendingRequest{
		correlationID: cid,
		owner:         owner,
		requestID:     req.RequestID,
		endpoint:      req.Endpoint,
		issuedAt:      now,
		deadline:      now.Add(c.timeout),
		done:          done,
	}
	c.mu.Lock()
	c.pending[cid] = entry
	c.mu.Unlock()

	fwd := req
	fwd.RequestID = cid
	if err := c.peer.Send(fwd); err != nil {
		c.mu.Lock()
		_, present := c.pending[cid]
		delete(c.pending, cid)
		c.mu.Unlock()
		if !present {
			// The failed write raced a disconnect escalation that already
			// resolved this entry; the browser has its one response.
			return cid, nil
		}
		if errors.Is(err, domain.ErrPeerUnavailable) {
			return "", err
		}
		return "", domain.ErrPeerDisconnected
	}
	return cid, nil
}

// Resolve matches a peer response to its pending entry. Unknown, duplicate
// or late correlation ids are dropped silently.
func (c *Correlator) Resolve(resp domain.APIResponse) {
	c.mu.Lock()
	entry, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("correlationId", resp.RequestID).Msg("dropping response for unknown correlation id")
		return
	}
	resp.RequestID = entry.requestID
	entry.done(resp)
}

// FailOwned resolves every pending request owned by a connection with err.
// Used as implicit cancellation on browser disconnect.
func (c *Correlator) FailOwned(owner string, err error) {
	c.failIf(func(e *pendingRequest) bool { return e.owner == owner }, err)
}

// FailAll resolves everything with err; used on peer disconnect so nothing
// is left to time out individually.
func (c *Correlator) FailAll(err error) {
	c.failIf(func(*pendingRequest) bool { return true }, err)
}

func (c *Correlator) failIf(match func(*pendingRequest) bool, err error) {
	c.mu.Lock()
	var failed []*pendingRequest
	for cid, e := range c.pending {
		if match(e) {
			failed = append(failed, e)
			delete(c.pending, cid)
		}
	}
	c.mu.Unlock()
	for _, e := range failed {
		e.done(domain.NewAPIError(e.requestID, err))
	}
}

// Run drives the timeout sweep until ctx is cancelled.
func (c *Correlator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.expire(now.UTC())
		}
	}
}

func (c *Correlator) expire(now time.Time) {
	c.mu.Lock()
	var expired []*pendingRequest
	for cid, e := range c.pending {
		if now.After(e.deadline) {
			expired = append(expired, e)
			delete(c.pending, cid)
		}
	}
	c.mu.Unlock()
	for _, e := range expired {
		c.logger.Warn().Str("endpoint", e.endpoint).Str("correlationId", e.correlationID).
			Dur("age", now.Sub(e.issuedAt)).Msg("pending request timed out")
		if c.onTimeout != nil {
			c.onTimeout()
		}
		e.done(domain.NewAPIError(e.requestID, domain.ErrRequestTimeout))
	}
}
