package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/skillmart/chatsync/internal/model"
	"github.com/skillmart/chatsync/internal/store"
)

// HistoryFetcher performs the paged history REST call.
type HistoryFetcher interface {
	History(ctx context.Context, conversationID string, before time.Time, limit int) ([]*model.Message, error)
}

// Pager drives cursor-based backward pagination of the message history. The
// cursor is the timestamp of the oldest held message; "no more pages" is
// inferred when a page comes back short of the page size. A page of exactly
// the remaining count costs one extra empty round-trip, which is accepted.
type Pager struct {
	conversationID string
	msgs           *store.MessageStore
	fetcher        HistoryFetcher
	limit          int

	mu       sync.Mutex
	cursor   time.Time
	hasMore  bool
	primed   bool
	inFlight bool
}

// NewPager creates a pager. Nothing is fetched until LoadInitial.
func NewPager(conversationID string, msgs *store.MessageStore, fetcher HistoryFetcher, limit int) *Pager {
	return &Pager{
		conversationID: conversationID,
		msgs:           msgs,
		fetcher:        fetcher,
		limit:          limit,
	}
}

// LoadInitial fetches the newest page and establishes the cursor. Until it
// succeeds, LoadOlder is a no-op.
func (p *Pager) LoadInitial(ctx context.Context) error {
	p.mu.Lock()
	if p.primed || p.inFlight {
		p.mu.Unlock()
		return nil
	}
	p.inFlight = true
	p.mu.Unlock()

	page, err := p.fetcher.History(ctx, p.conversationID, time.Time{}, p.limit)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false
	if err != nil {
		return err
	}
	p.msgs.AppendOlder(page)
	p.primed = true
	p.hasMore = len(page) >= p.limit
	if len(page) > 0 {
		p.cursor = page[len(page)-1].Timestamp
	}
	return nil
}

// LoadOlder fetches the next page of strictly older messages and appends it
// as the oldest tail. It returns false without fetching when no initial page
// was loaded, no more pages are known to exist, or a fetch is already in
// flight; concurrent calls coalesce into the single in-flight one. A fetch
// error leaves all pagination state unchanged so the action can be retried.
func (p *Pager) LoadOlder(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.conversationID == "" || !p.primed || !p.hasMore || p.inFlight {
		p.mu.Unlock()
		return false, nil
	}
	p.inFlight = true
	cursor := p.cursor
	p.mu.Unlock()

	page, err := p.fetcher.History(ctx, p.conversationID, cursor, p.limit)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false
	if err != nil {
		return false, err
	}
	p.msgs.AppendOlder(page)
	p.hasMore = len(page) >= p.limit
	if len(page) > 0 {
		p.cursor = page[len(page)-1].Timestamp
	}
	return true, nil
}

// HasMore reports whether older pages are believed to exist.
func (p *Pager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// Primed reports whether the initial page has been loaded.
func (p *Pager) Primed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primed
}
