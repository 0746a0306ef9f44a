// Package downloader turns block ranges into bounded header and body
// requests, tracks their deadlines and validates what comes back.
//
// A Downloader is owned by the sync routine and is not safe for concurrent
// use.
package downloader

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

const (
	// MaxHeaderFetch is the largest header request issued or served.
	MaxHeaderFetch = 512
	// MaxBodyFetch is the largest body request issued or served.
	MaxBodyFetch = 256
)

var (
	ErrRangeOutstanding  = errors.New("range already outstanding")
	ErrMalformedResponse = errors.New("malformed response")
	ErrUnknownRequest    = errors.New("unknown request")
	ErrNoPeers           = errors.New("no eligible peer")
	ErrInvalidRequest    = errors.New("invalid request")
)

// Sender delivers requests to peers. Implementations must not block.
type Sender interface {
	SendGetBlockHeaders(peer peerset.ID, id peerset.RequestID, req HeaderRequest) error
	SendGetBlockBodies(peer peerset.ID, id peerset.RequestID, hashes []types.Hash) error
}

// Config tunes request issuing.
type Config struct {
	RequestTimeout     time.Duration
	MaxInflightPerPeer int
}

// DefaultConfig returns the defaults used by the node.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:     10 * time.Second,
		MaxInflightPerPeer: 4,
	}
}

// Expired describes a request whose deadline elapsed.
type Expired struct {
	Request *Request
	// Reissued is the replacement request, nil if no other peer could take
	// the range; the range is then parked.
	Reissued *Request
	// Banned reports that the timeout pushed the peer over the ban threshold.
	Banned bool
}

// BodiesResult is the outcome of a valid body response.
type BodiesResult struct {
	Blocks []*types.Block
	// Missing holds the requested headers the peer did not return.
	Missing []*types.BlockHeader
}

// Downloader issues and tracks requests.
type Downloader struct {
	logger  log.Logger
	cfg     Config
	peers   *peerset.PeerSet
	sender  Sender
	metrics *Metrics
	now     func() time.Time

	nextID   peerset.RequestID
	requests map[peerset.RequestID]*Request
	ranges   map[rangeKey]peerset.RequestID
	parked   []*Request
}

// New returns a Downloader issuing requests through sender.
func New(logger log.Logger, cfg Config, peers *peerset.PeerSet, sender Sender, metrics *Metrics, now func() time.Time) *Downloader {
	if now == nil {
		now = time.Now
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxInflightPerPeer <= 0 {
		cfg.MaxInflightPerPeer = def.MaxInflightPerPeer
	}
	return &Downloader{
		logger:   logger,
		cfg:      cfg,
		peers:    peers,
		sender:   sender,
		metrics:  metrics,
		now:      now,
		requests: make(map[peerset.RequestID]*Request),
		ranges:   make(map[rangeKey]peerset.RequestID),
	}
}

// Config returns the effective configuration.
func (d *Downloader) Config() Config { return d.cfg }

// RequestHeaders sends a header query to peer.
func (d *Downloader) RequestHeaders(peer peerset.ID, req HeaderRequest, tag Tag) (*Request, error) {
	if req.Amount == 0 || req.Amount > MaxHeaderFetch {
		return nil, fmt.Errorf("%w: amount %d", ErrInvalidRequest, req.Amount)
	}
	return d.issue(&Request{Peer: peer, Kind: KindHeaders, Tag: tag, Headers: req})
}

// RequestBodies asks peer for the bodies of headers.
func (d *Downloader) RequestBodies(peer peerset.ID, headers []*types.BlockHeader, tag Tag) (*Request, error) {
	if len(headers) == 0 || len(headers) > MaxBodyFetch {
		return nil, fmt.Errorf("%w: %d bodies", ErrInvalidRequest, len(headers))
	}
	return d.issue(&Request{Peer: peer, Kind: KindBodies, Tag: tag, Bodies: headers})
}

func (d *Downloader) issue(req *Request) (*Request, error) {
	key := req.key()
	if _, ok := d.ranges[key]; ok {
		return nil, ErrRangeOutstanding
	}

	p, ok := d.peers.Get(req.Peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", peerset.ErrPeerNotFound, req.Peer)
	}

	d.nextID++
	req.ID = d.nextID
	req.Handle = p.Handle
	req.Deadline = d.now().Add(d.cfg.RequestTimeout)
	req.Tried = append(req.Tried, req.Peer)

	if err := d.peers.RecordRequest(req.Peer, req.ID, req.Deadline); err != nil {
		return nil, err
	}

	var err error
	switch req.Kind {
	case KindHeaders:
		err = d.sender.SendGetBlockHeaders(req.Peer, req.ID, req.Headers)
	case KindBodies:
		err = d.sender.SendGetBlockBodies(req.Peer, req.ID, req.hashes())
	}
	if err != nil {
		d.peers.CancelRequest(req.Peer, req.ID)
		return nil, fmt.Errorf("send %v to %s: %w", req.Kind, req.Peer, err)
	}

	d.requests[req.ID] = req
	d.ranges[key] = req.ID
	d.metrics.RequestsSent.With("kind", req.Kind.String()).Add(1)
	d.metrics.Inflight.Set(float64(len(d.requests)))
	d.logger.Debug("request sent", "id", req.ID, "peer", req.Peer, "kind", req.Kind, "tag", req.Tag,
		"req", log.NewLazySprintf("%v", req.Headers))
	return req, nil
}

func (d *Downloader) remove(req *Request) {
	delete(d.requests, req.ID)
	if id, ok := d.ranges[req.key()]; ok && id == req.ID {
		delete(d.ranges, req.key())
	}
	d.metrics.Inflight.Set(float64(len(d.requests)))
}

// take resolves a response to its request and clears it everywhere. A
// request whose peer left the set since it was sent fails with
// ErrStaleHandle, even when the same node id is connected again.
func (d *Downloader) take(peer peerset.ID, id peerset.RequestID, kind Kind) (*Request, error) {
	req, ok := d.requests[id]
	if !ok || req.Peer != peer || req.Kind != kind {
		return nil, fmt.Errorf("%w: %v %d from %s", peerset.ErrUnsolicitedResponse, kind, id, peer)
	}
	d.remove(req)
	if _, err := d.peers.Lookup(req.Handle); err != nil {
		return nil, fmt.Errorf("%w: request %d was sent to an earlier connection of %s", err, id, peer)
	}
	if err := d.peers.RecordResponse(peer, id); err != nil {
		return nil, err
	}
	return req, nil
}

// OnBlockHeaders validates a header response. On a malformed response the
// peer is penalized and the request is returned so the caller can retry it.
func (d *Downloader) OnBlockHeaders(peer peerset.ID, id peerset.RequestID, headers []*types.BlockHeader) (*Request, error) {
	req, err := d.take(peer, id, KindHeaders)
	if err != nil {
		d.unsolicited(peer, err)
		return nil, err
	}
	if err := ValidateHeaders(req.Headers, headers); err != nil {
		d.metrics.MalformedResponses.Add(1)
		d.penalize(peer, peerset.SeverityMalformed, err.Error())
		return req, err
	}
	if len(headers) > 0 {
		d.peers.Reward(peer)
	}
	return req, nil
}

// OnBlockBodies matches a body response to the requested headers. Bodies
// must be returned in request order; a shorter answer is allowed.
func (d *Downloader) OnBlockBodies(peer peerset.ID, id peerset.RequestID, bodies []*types.Body) (*Request, BodiesResult, error) {
	req, err := d.take(peer, id, KindBodies)
	if err != nil {
		d.unsolicited(peer, err)
		return nil, BodiesResult{}, err
	}
	res, err := MatchBodies(req.Bodies, bodies)
	if err != nil {
		d.metrics.MalformedResponses.Add(1)
		d.penalize(peer, peerset.SeverityMalformed, err.Error())
		return req, BodiesResult{}, err
	}
	if len(res.Blocks) > 0 {
		d.peers.Reward(peer)
	}
	return req, res, nil
}

// Expire handles every request whose deadline is at or before now. Each one
// costs its peer the timeout penalty and is re-issued to a different peer.
func (d *Downloader) Expire(now time.Time) []Expired {
	var due []*Request
	for _, req := range d.requests {
		if !req.Deadline.After(now) {
			due = append(due, req)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	out := make([]Expired, 0, len(due))
	for _, req := range due {
		if _, ok := d.requests[req.ID]; !ok {
			// cancelled by a ban earlier in this loop
			continue
		}
		d.remove(req)
		d.peers.CancelRequest(req.Peer, req.ID)
		d.metrics.Timeouts.Add(1)

		res := d.penalize(req.Peer, peerset.SeverityTimeout, fmt.Sprintf("request %d timed out", req.ID))
		d.logger.Info("request timed out", "id", req.ID, "peer", req.Peer, "kind", req.Kind, "score", res.Score)

		ex := Expired{Request: req, Banned: res.Banned}
		if next, err := d.Retry(req); err == nil {
			ex.Reissued = next
		}
		out = append(out, ex)
	}
	return out
}

// Retry re-issues the range of req to a peer that has not been tried yet.
// When no such peer exists the request is parked and ErrNoPeers returned.
func (d *Downloader) Retry(req *Request) (*Request, error) {
	preds := []peerset.Predicate{
		peerset.NotSaturated(d.cfg.MaxInflightPerPeer),
		peerset.AtLeast(req.minHead()),
		func(p peerset.Peer) bool { return !req.tried(p.ID) },
	}
	if req.Kind == KindBodies {
		preds = append(preds, peerset.HasCapability(peerset.CapBodies))
	} else {
		preds = append(preds, peerset.HasCapability(peerset.CapHeaders))
	}

	for _, p := range d.peers.SelectBestPeers(0, preds...) {
		next := &Request{
			Peer:    p.ID,
			Kind:    req.Kind,
			Tag:     req.Tag,
			Headers: req.Headers,
			Bodies:  req.Bodies,
			Tried:   append([]peerset.ID(nil), req.Tried...),
		}
		issued, err := d.issue(next)
		if err == nil {
			d.logger.Debug("request re-issued", "old", req.ID, "new", issued.ID, "peer", p.ID)
			return issued, nil
		}
		if errors.Is(err, ErrRangeOutstanding) {
			return nil, err
		}
	}

	d.parked = append(d.parked, req)
	return nil, ErrNoPeers
}

// RetryParked re-issues parked ranges, for example after a new peer joined.
// Each parked range may go to any peer again.
func (d *Downloader) RetryParked() []*Request {
	parked := d.parked
	d.parked = nil

	var issued []*Request
	for _, req := range parked {
		req.Tried = nil
		if next, err := d.Retry(req); err == nil {
			issued = append(issued, next)
		}
	}
	return issued
}

// Parked returns the ranges waiting for a peer.
func (d *Downloader) Parked() []*Request { return d.parked }

// DropParked forgets parked ranges matching tag.
func (d *Downloader) DropParked(tag Tag) {
	kept := d.parked[:0]
	for _, req := range d.parked {
		if req.Tag != tag {
			kept = append(kept, req)
		}
	}
	d.parked = kept
}

// CancelPeer drops every request of peer and returns them, oldest first, so
// their ranges can be requested again.
func (d *Downloader) CancelPeer(peer peerset.ID) []*Request {
	var out []*Request
	for _, req := range d.requests {
		if req.Peer == peer {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for _, req := range out {
		d.remove(req)
		d.peers.CancelRequest(peer, req.ID)
	}
	return out
}

// Cancel drops the request with the given id.
func (d *Downloader) Cancel(id peerset.RequestID) (*Request, bool) {
	req, ok := d.requests[id]
	if !ok {
		return nil, false
	}
	d.remove(req)
	d.peers.CancelRequest(req.Peer, req.ID)
	return req, true
}

// CancelTag drops every request with the given tag.
func (d *Downloader) CancelTag(tag Tag) {
	for _, req := range d.requests {
		if req.Tag == tag {
			d.remove(req)
			d.peers.CancelRequest(req.Peer, req.ID)
		}
	}
	d.DropParked(tag)
}

// Inflight returns the number of outstanding requests.
func (d *Downloader) Inflight() int { return len(d.requests) }

// InflightTag returns the number of outstanding requests with tag.
func (d *Downloader) InflightTag(tag Tag) int {
	n := 0
	for _, req := range d.requests {
		if req.Tag == tag {
			n++
		}
	}
	return n
}

// Outstanding reports whether a request with the same range is in flight.
func (d *Downloader) Outstanding(req HeaderRequest) bool {
	_, ok := d.ranges[(&Request{Kind: KindHeaders, Headers: req}).key()]
	return ok
}

// Get returns the outstanding request with id.
func (d *Downloader) Get(id peerset.RequestID) (*Request, bool) {
	req, ok := d.requests[id]
	return req, ok
}

// unsolicited penalizes a response nobody asked the peer for. Answers to a
// previous connection of the peer are dropped without a penalty.
func (d *Downloader) unsolicited(peer peerset.ID, err error) {
	if errors.Is(err, peerset.ErrStaleHandle) {
		d.logger.Debug("dropping response to a stale request", "peer", peer, "err", err)
		return
	}
	d.penalize(peer, peerset.SeverityUseless, err.Error())
}

func (d *Downloader) penalize(peer peerset.ID, sev peerset.Severity, reason string) peerset.PenaltyResult {
	res, err := d.peers.Penalize(peer, sev, reason)
	if err != nil {
		return res
	}
	if res.Banned {
		// the peer is gone for scheduling purposes: release its ranges now
		for _, req := range d.CancelPeer(peer) {
			if _, err := d.Retry(req); err != nil {
				d.logger.Debug("could not re-issue request of banned peer", "id", req.ID, "err", err)
			}
		}
	}
	return res
}
