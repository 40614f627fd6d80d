package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/chatsync/pkg/chaterr"
	"github.com/mahaj/chatsync/pkg/model"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// store is an in-memory backend holding n messages with ids 1..n, one per second.
type store struct {
	mu       sync.Mutex
	msgs     []model.Message
	calls    int
	requests []PageRequest
}

func newStore(n int) *store {
	s := &store{}
	for i := 1; i <= n; i++ {
		s.msgs = append(s.msgs, model.Message{
			ID:     fmt.Sprintf("%04d", i),
			Body:   fmt.Sprintf("m%d", i),
			SentAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return s
}

func (s *store) FetchPage(_ context.Context, req PageRequest) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.requests = append(s.requests, req)

	c, err := DecodeCursor(req.Cursor)
	if err != nil {
		return Page{}, chaterr.Malformed("fetch", err)
	}
	end := len(s.msgs)
	if c.BeforeID != "" {
		for i, m := range s.msgs {
			if m.ID == c.BeforeID {
				end = i
				break
			}
		}
	}
	start := end - req.Limit
	if start < 0 {
		start = 0
	}
	page := Page{Messages: append([]model.Message(nil), s.msgs[start:end]...), HasMore: start > 0}
	return page, nil
}

func TestFetchOlderWalksBackward(t *testing.T) {
	s := newStore(70)
	p := NewPager(s, model.Direct("bob"), "alice", "")

	batch, exhausted, err := p.FetchOlder(context.Background())
	require.NoError(t, err)
	require.False(t, exhausted)
	require.Len(t, batch, 30)
	require.Equal(t, "0041", batch[0].ID)
	require.Equal(t, "0070", batch[29].ID)

	batch, exhausted, err = p.FetchOlder(context.Background())
	require.NoError(t, err)
	require.False(t, exhausted)
	require.Len(t, batch, 30)
	require.Equal(t, "0011", batch[0].ID)

	batch, exhausted, err = p.FetchOlder(context.Background())
	require.NoError(t, err)
	require.True(t, exhausted)
	require.Len(t, batch, 10)

	calls := s.calls
	batch, exhausted, err = p.FetchOlder(context.Background())
	require.NoError(t, err)
	require.True(t, exhausted)
	require.Empty(t, batch)
	require.Equal(t, calls, s.calls, "exhausted pager must not call the backend")
}

func TestFetchOlderThreadPageSize(t *testing.T) {
	s := newStore(25)
	p := NewPager(s, model.Group("g1"), "alice", "0007")

	batch, _, err := p.FetchOlder(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, DefaultThreadPageSize)
	require.Equal(t, "0007", s.requests[0].ThreadParentID)
}

// blockingFetcher holds the first call until released.
type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
	page    Page
	calls   int
	mu      sync.Mutex
}

func (b *blockingFetcher) FetchPage(ctx context.Context, _ PageRequest) (Page, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	close(b.started)
	<-b.release
	return b.page, nil
}

func TestConcurrentFetchIsNoOp(t *testing.T) {
	s := newStore(60)
	page, err := s.FetchPage(context.Background(), PageRequest{Limit: 30})
	require.NoError(t, err)

	bf := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{}), page: page}
	p := NewPager(bf, model.Direct("bob"), "alice", "")

	type result struct {
		batch     []model.Message
		exhausted bool
		err       error
	}
	first := make(chan result, 1)
	go func() {
		b, e, err := p.FetchOlder(context.Background())
		first <- result{b, e, err}
	}()
	<-bf.started

	before := p.Cursor()
	require.True(t, before.FetchInFlight)
	require.True(t, p.Loading())

	batch, exhausted, err := p.FetchOlder(context.Background())
	require.NoError(t, err)
	require.Empty(t, batch)
	require.False(t, exhausted)
	require.Equal(t, before, p.Cursor())

	close(bf.release)
	r := <-first
	require.NoError(t, r.err)
	require.Len(t, r.batch, 30)
	require.False(t, r.exhausted)
	require.Equal(t, 1, bf.calls)
	require.False(t, p.Cursor().FetchInFlight)
}

func TestFetchOlderErrorClearsInFlight(t *testing.T) {
	calls := 0
	f := FetcherFunc(func(context.Context, PageRequest) (Page, error) {
		calls++
		if calls == 1 {
			return Page{}, errors.New("connection reset")
		}
		return Page{Messages: []model.Message{{ID: "1", SentAt: base}}, HasMore: false}, nil
	})
	p := NewPager(f, model.Direct("bob"), "alice", "")

	batch, exhausted, err := p.FetchOlder(context.Background())
	require.Error(t, err)
	require.True(t, chaterr.Is(err, chaterr.KindTransient))
	require.Empty(t, batch)
	require.False(t, exhausted)
	require.False(t, p.Loading())

	batch, exhausted, err = p.FetchOlder(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.True(t, exhausted)
}

func TestFetchOlderNeverRepeatsIDs(t *testing.T) {
	pages := []Page{
		{Messages: []model.Message{{ID: "c", SentAt: base.Add(3 * time.Second)}, {ID: "d", SentAt: base.Add(4 * time.Second)}}, NextCursor: "p2", HasMore: true},
		// backend overlaps the previous page and sneaks in something newer
		{Messages: []model.Message{{ID: "b", SentAt: base.Add(2 * time.Second)}, {ID: "c", SentAt: base.Add(3 * time.Second)}, {ID: "z", SentAt: base.Add(9 * time.Second)}}, NextCursor: "p3", HasMore: true},
	}
	i := 0
	f := FetcherFunc(func(context.Context, PageRequest) (Page, error) {
		pg := pages[i]
		i++
		return pg, nil
	})
	p := NewPager(f, model.Group("g1"), "alice", "")

	batch, _, err := p.FetchOlder(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 2)

	batch, exhausted, err := p.FetchOlder(context.Background())
	require.NoError(t, err)
	require.False(t, exhausted)
	require.Len(t, batch, 1)
	require.Equal(t, "b", batch[0].ID)
	require.Equal(t, "p3", p.Cursor().Cursor)
}

func TestEmptyPageExhausts(t *testing.T) {
	f := FetcherFunc(func(context.Context, PageRequest) (Page, error) {
		return Page{HasMore: true}, nil
	})
	p := NewPager(f, model.Direct("bob"), "alice", "")
	batch, exhausted, err := p.FetchOlder(context.Background())
	require.NoError(t, err)
	require.Empty(t, batch)
	require.True(t, exhausted)
	require.False(t, p.Cursor().HasMore)
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{BeforeID: "12345", BeforeTS: base}
	token := EncodeCursor(c)
	require.NotEmpty(t, token)

	got, err := DecodeCursor(token)
	require.NoError(t, err)
	require.Equal(t, c.BeforeID, got.BeforeID)
	require.True(t, c.BeforeTS.Equal(got.BeforeTS))

	require.Empty(t, EncodeCursor(Cursor{}))
	zero, err := DecodeCursor("")
	require.NoError(t, err)
	require.Empty(t, zero.BeforeID)

	_, err = DecodeCursor("%%%")
	require.Error(t, err)
}

func TestFetchOlderReturnsOldestFirst(t *testing.T) {
	at := func(id string, sec int) model.Message {
		return model.Message{ID: id, SentAt: base.Add(time.Duration(sec) * time.Second)}
	}
	f := FetcherFunc(func(context.Context, PageRequest) (Page, error) {
		// newest first, the way a descending query hands rows back
		return Page{Messages: []model.Message{at("9", 9), at("8", 5), at("7", 5), at("3", 1)}, HasMore: true}, nil
	})
	p := NewPager(f, model.Group("g1"), "me", "")

	batch, _, err := p.FetchOlder(context.Background())
	require.NoError(t, err)
	var got []string
	for _, m := range batch {
		got = append(got, m.ID)
	}
	require.Equal(t, []string{"3", "7", "8", "9"}, got)
}
