// Package history pages backward through a conversation's stored messages.
package history

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mahaj/chatsync/pkg/chaterr"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
)

const (
	DefaultPageSize       = 30
	DefaultThreadPageSize = 10
)

// PageRequest asks for up to Limit messages older than Cursor.
type PageRequest struct {
	Conversation model.Conversation
	LocalUserID  string
	// ThreadParentID selects a thread's replies instead of the main timeline.
	ThreadParentID string
	Cursor         string
	Limit          int
}

// Page is one backend response. Messages may arrive in any order; the Pager
// sorts them.
type Page struct {
	Messages   []model.Message
	NextCursor string
	HasMore    bool
}

// Fetcher loads history pages from the backend.
type Fetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req PageRequest) (Page, error)

func (f FetcherFunc) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	return f(ctx, req)
}

// PaginationCursor is a snapshot of the pager's position.
type PaginationCursor struct {
	HasMore       bool
	FetchInFlight bool
	Cursor        string
}

// Pager walks a conversation backward one page at a time. At most one fetch
// runs at a time; overlapping calls return immediately with nothing.
type Pager struct {
	fetcher Fetcher
	base    PageRequest
	logger  zerolog.Logger

	inFlight atomic.Bool

	mu        sync.Mutex
	cursor    string
	exhausted bool
	seen      map[string]struct{}
	oldest    *model.Message
}

type Option func(*Pager)

func WithPageSize(n int) Option {
	return func(p *Pager) {
		if n > 0 {
			p.base.Limit = n
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pager) { p.logger = logger }
}

// NewPager creates a pager for the conversation, or for the thread under
// threadParentID when it is non-empty.
func NewPager(fetcher Fetcher, conv model.Conversation, localUserID, threadParentID string, opts ...Option) *Pager {
	limit := DefaultPageSize
	if threadParentID != "" {
		limit = DefaultThreadPageSize
	}
	p := &Pager{
		fetcher: fetcher,
		base: PageRequest{
			Conversation:   conv,
			LocalUserID:    localUserID,
			ThreadParentID: threadParentID,
			Limit:          limit,
		},
		logger: logging.WithConversation(logging.Component("history"), conv.ID, threadParentID),
		seen:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FetchOlder loads the next older page. It returns the messages not returned
// before, oldest first, and whether history is now exhausted. While a fetch is in flight, or
// once exhausted, it returns (nil, exhausted, nil) without calling the backend.
func (p *Pager) FetchOlder(ctx context.Context) ([]model.Message, bool, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return nil, p.Exhausted(), nil
	}
	defer p.inFlight.Store(false)

	p.mu.Lock()
	if p.exhausted {
		p.mu.Unlock()
		return nil, true, nil
	}
	req := p.base
	req.Cursor = p.cursor
	p.mu.Unlock()

	page, err := p.fetcher.FetchPage(ctx, req)
	if err != nil {
		metrics.HistoryFetches.WithLabelValues(metrics.OutcomeError).Inc()
		p.logger.Warn().Err(err).Str("cursor", req.Cursor).Msg("history fetch failed")
		return nil, p.Exhausted(), chaterr.Wrap("fetch history", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	batch := make([]model.Message, 0, len(page.Messages))
	for _, msg := range page.Messages {
		if msg.ID == "" {
			continue
		}
		if _, dup := p.seen[msg.ID]; dup {
			continue
		}
		if p.oldest != nil && !model.Less(&msg, p.oldest) {
			// pages only move backward; anything newer than what we hold came from a stale cursor
			continue
		}
		batch = append(batch, msg)
	}
	sort.SliceStable(batch, func(i, j int) bool { return model.Less(&batch[i], &batch[j]) })
	for i := range batch {
		p.seen[batch[i].ID] = struct{}{}
	}
	if len(batch) > 0 {
		oldest := batch[0]
		p.oldest = &oldest
	}

	next := page.NextCursor
	if next == "" && p.oldest != nil {
		next = EncodeCursor(Cursor{BeforeID: p.oldest.ID, BeforeTS: p.oldest.SentAt})
	}
	if len(batch) == 0 || !page.HasMore || next == p.cursor {
		p.exhausted = true
	}
	p.cursor = next

	outcome := metrics.OutcomeOK
	if p.exhausted {
		outcome = metrics.OutcomeExhausted
	}
	metrics.HistoryFetches.WithLabelValues(outcome).Inc()
	p.logger.Debug().Int("count", len(batch)).Bool("exhausted", p.exhausted).Msg("history page loaded")

	return batch, p.exhausted, nil
}

func (p *Pager) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

func (p *Pager) Loading() bool {
	return p.inFlight.Load()
}

// Cursor returns the current position.
func (p *Pager) Cursor() PaginationCursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PaginationCursor{
		HasMore:       !p.exhausted,
		FetchInFlight: p.inFlight.Load(),
		Cursor:        p.cursor,
	}
}
