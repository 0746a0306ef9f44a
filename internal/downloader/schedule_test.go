package downloader

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/internal/test/factory"
	"github.com/tendermint/chainsync/types"
)

func TestScheduleBatches(t *testing.T) {
	gen := factory.Genesis(1)
	blocks := factory.Extend(gen, 25, 2, "main")
	headers := factory.Headers(blocks)

	s := NewSchedule(1, 25, gen.Hash(), 10, 100)

	var reqs []HeaderRequest
	for {
		req, ok := s.Next(0)
		if !ok {
			break
		}
		reqs = append(reqs, req)
	}
	require.Equal(t, []HeaderRequest{
		{Origin: Origin{Number: 1}, Amount: 10},
		{Origin: Origin{Number: 11}, Amount: 10},
		{Origin: Origin{Number: 21}, Amount: 5},
	}, reqs)
	require.Equal(t, 3, s.Pending())

	// out of order delivery is held back until the gap closes
	_, err := s.Deliver(11, "b", headers[10:20])
	require.NoError(t, err)
	seg, err := s.Segment()
	require.NoError(t, err)
	require.Empty(t, seg)
	require.Equal(t, 10, s.Buffered())

	_, err = s.Deliver(1, "a", headers[:10])
	require.NoError(t, err)
	seg, err = s.Segment()
	require.NoError(t, err)
	require.Equal(t, Segment(headers[:20]), seg)

	_, err = s.Deliver(21, "a", headers[20:])
	require.NoError(t, err)
	seg, err = s.Segment()
	require.NoError(t, err)
	require.Equal(t, Segment(headers[20:]), seg)
	require.True(t, s.Done())

	_, err = s.Deliver(21, "a", headers[20:])
	require.ErrorIs(t, err, ErrUnexpectedBatch)
}

func TestSchedulePartialDelivery(t *testing.T) {
	gen := factory.Genesis(1)
	headers := factory.Headers(factory.Extend(gen, 10, 2, "main"))

	s := NewSchedule(1, 10, gen.Hash(), 10, 100)
	req, ok := s.Next(0)
	require.True(t, ok)

	n, err := s.Deliver(req.Origin.Number, "a", headers[:4])
	require.NoError(t, err)
	require.Equal(t, 4, n)

	rest, ok := s.Next(0)
	require.True(t, ok)
	require.Equal(t, HeaderRequest{Origin: Origin{Number: 5}, Amount: 6}, rest)

	_, err = s.Deliver(5, "b", headers[4:])
	require.NoError(t, err)
	seg, err := s.Segment()
	require.NoError(t, err)
	require.Equal(t, Segment(headers), seg)
}

func TestScheduleWindow(t *testing.T) {
	s := NewSchedule(1, 1000, types.Hash{}, 100, 250)

	var n int
	for {
		if _, ok := s.Next(0); !ok {
			break
		}
		n++
	}
	// batches at 1, 101 and 201 start inside the window
	require.Equal(t, 3, n)

	req, ok := s.Next(100)
	require.True(t, ok)
	require.Equal(t, uint64(301), req.Origin.Number)
}

func TestScheduleFailAndLinkError(t *testing.T) {
	gen := factory.Genesis(1)
	headers := factory.Headers(factory.Extend(gen, 10, 2, "main"))
	other := factory.Headers(factory.Extend(factory.Extend(gen, 5, 3, "other")[4], 5, 3, "other"))

	s := NewSchedule(1, 10, gen.Hash(), 5, 100)
	first, _ := s.Next(0)
	second, _ := s.Next(0)

	s.Fail(first.Origin.Number)
	again, ok := s.Next(0)
	require.True(t, ok)
	require.Equal(t, first, again)

	_, err := s.Deliver(1, "a", headers[:5])
	require.NoError(t, err)
	_, err = s.Deliver(second.Origin.Number, "liar", other)
	require.NoError(t, err)

	seg, err := s.Segment()
	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
	require.Equal(t, peerset.ID("liar"), linkErr.Peer)
	require.Equal(t, uint64(6), linkErr.Start)
	require.Equal(t, Segment(headers[:5]), seg)

	retry, ok := s.Next(0)
	require.True(t, ok)
	require.Equal(t, second, retry)
}

func TestBodyQueue(t *testing.T) {
	headers := factory.Headers(factory.Extend(factory.Genesis(1), 6, 1, "main"))

	var q BodyQueue
	q.Add(headers...)
	first := q.Take(4)
	require.Equal(t, headers[:4], first)
	require.Equal(t, 2, q.Len())

	q.Return(first[2:]...)
	require.Equal(t, headers[2:], q.Take(10))
	require.Zero(t, q.Len())
}
