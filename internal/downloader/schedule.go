package downloader

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/types"
)

const (
	// DefaultHeaderBatch is the number of headers asked for in one request.
	DefaultHeaderBatch = 192
	// DefaultMaxAhead bounds how far past the local head headers are fetched.
	DefaultMaxAhead = 20000
)

var ErrUnexpectedBatch = errors.New("unexpected batch")

// LinkError reports a delivered batch that does not extend the headers
// before it. The batch is dropped and scheduled again.
type LinkError struct {
	Start uint64
	Peer  peerset.ID
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("batch at #%d from %s does not link to its predecessor", e.Start, e.Peer)
}

// Segment is an ordered parent-linked run of headers.
type Segment []*types.BlockHeader

// First returns the lowest header, nil for an empty segment.
func (s Segment) First() *types.BlockHeader {
	if len(s) == 0 {
		return nil
	}
	return s[0]
}

// Last returns the highest header, nil for an empty segment.
func (s Segment) Last() *types.BlockHeader {
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

type delivery struct {
	peer    peerset.ID
	headers []*types.BlockHeader
}

type span struct {
	start, amount uint64
}

// Schedule splits the header range [from, to] into batches and reassembles
// the delivered batches into one parent-linked run. Schedules are owned by
// the sync routine.
type Schedule struct {
	batch    uint64
	maxAhead uint64

	to     uint64
	next   uint64 // lowest number never scheduled
	base   uint64 // lowest number not yet handed out by Segment
	anchor types.Hash

	retry    []span
	pending  map[uint64]uint64 // start -> amount
	received map[uint64]delivery
}

// NewSchedule returns a schedule for the headers after the local block
// anchor at number from-1, up to and including to.
func NewSchedule(from, to uint64, anchor types.Hash, batch, maxAhead uint64) *Schedule {
	if batch == 0 {
		batch = DefaultHeaderBatch
	}
	if maxAhead == 0 {
		maxAhead = DefaultMaxAhead
	}
	return &Schedule{
		batch:    batch,
		maxAhead: maxAhead,
		to:       to,
		next:     from,
		base:     from,
		anchor:   anchor,
		pending:  make(map[uint64]uint64),
		received: make(map[uint64]delivery),
	}
}

// Target returns the highest header number scheduled.
func (s *Schedule) Target() uint64 { return s.to }

// SetTarget moves the end of the range forward. Lowering it is ignored.
func (s *Schedule) SetTarget(to uint64) {
	if to > s.to {
		s.to = to
	}
}

// Next returns the next batch to request. floor is the local head number;
// nothing starting beyond floor+maxAhead is handed out.
func (s *Schedule) Next(floor uint64) (HeaderRequest, bool) {
	if len(s.retry) > 0 {
		sp := s.retry[0]
		if sp.start <= floor+s.maxAhead {
			s.retry = s.retry[1:]
			s.pending[sp.start] = sp.amount
			return s.request(sp), true
		}
	}
	if s.next > s.to || s.next > floor+s.maxAhead {
		return HeaderRequest{}, false
	}
	amount := s.batch
	if rest := s.to - s.next + 1; rest < amount {
		amount = rest
	}
	sp := span{start: s.next, amount: amount}
	s.next += amount
	s.pending[sp.start] = sp.amount
	return s.request(sp), true
}

func (s *Schedule) request(sp span) HeaderRequest {
	return HeaderRequest{Origin: Origin{Number: sp.start}, Amount: sp.amount}
}

// Deliver stores the headers answering the batch starting at start. Headers
// must already be validated against the request. A short answer schedules
// the remainder again; it returns the number of headers accepted.
func (s *Schedule) Deliver(start uint64, peer peerset.ID, headers []*types.BlockHeader) (int, error) {
	amount, ok := s.pending[start]
	if !ok {
		return 0, fmt.Errorf("%w: #%d", ErrUnexpectedBatch, start)
	}
	delete(s.pending, start)

	if uint64(len(headers)) > amount {
		headers = headers[:amount]
	}
	if len(headers) == 0 {
		s.pushRetry(span{start, amount})
		return 0, nil
	}
	s.received[start] = delivery{peer: peer, headers: headers}
	if got := uint64(len(headers)); got < amount {
		s.pushRetry(span{start + got, amount - got})
	}
	return len(headers), nil
}

// Fail schedules the batch starting at start again.
func (s *Schedule) Fail(start uint64) {
	amount, ok := s.pending[start]
	if !ok {
		return
	}
	delete(s.pending, start)
	s.pushRetry(span{start, amount})
}

func (s *Schedule) pushRetry(sp span) {
	s.retry = append(s.retry, sp)
	sort.Slice(s.retry, func(i, j int) bool { return s.retry[i].start < s.retry[j].start })
}

// Segment returns the contiguous run of delivered headers starting at the
// lowest number not yet handed out. A batch that does not link is dropped,
// rescheduled and reported as a *LinkError together with the headers
// assembled before it.
func (s *Schedule) Segment() (Segment, error) {
	var out Segment
	for {
		d, ok := s.received[s.base]
		if !ok {
			return out, nil
		}
		if d.headers[0].ParentHash != s.anchor {
			delete(s.received, s.base)
			s.pushRetry(span{s.base, uint64(len(d.headers))})
			return out, &LinkError{Start: s.base, Peer: d.peer}
		}
		delete(s.received, s.base)
		out = append(out, d.headers...)
		last := d.headers[len(d.headers)-1]
		s.anchor = last.Hash()
		s.base = last.Number + 1
	}
}

// Pending returns the number of batches in flight.
func (s *Schedule) Pending() int { return len(s.pending) }

// Buffered returns the number of headers delivered but not yet assembled.
func (s *Schedule) Buffered() int {
	n := 0
	for _, d := range s.received {
		n += len(d.headers)
	}
	return n
}

// Done reports whether every header up to the target has been handed out.
func (s *Schedule) Done() bool { return s.base > s.to }

// BodyQueue holds validated headers whose bodies are still to be fetched,
// in ascending order.
type BodyQueue struct {
	headers []*types.BlockHeader
}

// Add appends headers. Headers are expected in ascending order.
func (q *BodyQueue) Add(headers ...*types.BlockHeader) {
	q.headers = append(q.headers, headers...)
}

// Take removes and returns up to max headers from the front.
func (q *BodyQueue) Take(max int) []*types.BlockHeader {
	if max > len(q.headers) {
		max = len(q.headers)
	}
	out := append([]*types.BlockHeader(nil), q.headers[:max]...)
	q.headers = q.headers[max:]
	return out
}

// Return puts headers back, keeping the queue ordered by number.
func (q *BodyQueue) Return(headers ...*types.BlockHeader) {
	q.headers = append(q.headers, headers...)
	sort.SliceStable(q.headers, func(i, j int) bool { return q.headers[i].Number < q.headers[j].Number })
}

// Len returns the number of queued headers.
func (q *BodyQueue) Len() int { return len(q.headers) }

// Reset drops every queued header.
func (q *BodyQueue) Reset() { q.headers = nil }
