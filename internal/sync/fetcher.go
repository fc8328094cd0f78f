package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/njoerd114/calrelay/internal/model"
)

// PageFetcher builds list requests for a sync config: incremental when the
// config has a cursor, otherwise a full fetch over a window around now.
type PageFetcher struct {
	provider     Provider
	windowPast   time.Duration
	windowFuture time.Duration
	now          func() time.Time
}

// NewPageFetcher creates a PageFetcher.
func NewPageFetcher(provider Provider, windowPast, windowFuture time.Duration) *PageFetcher {
	return &PageFetcher{
		provider:     provider,
		windowPast:   windowPast,
		windowFuture: windowFuture,
		now:          time.Now,
	}
}

// Pages starts a paginated fetch for cfg.
func (f *PageFetcher) Pages(cfg *model.SyncConfig) *Pager {
	req := model.ListRequest{CalendarID: cfg.ProviderCalendarID}
	if cfg.CursorToken != "" {
		req.SyncToken = cfg.CursorToken
	} else {
		now := f.now()
		req.TimeMin = now.Add(-f.windowPast)
		req.TimeMax = now.Add(f.windowFuture)
	}
	return &Pager{provider: f.provider, req: req}
}

// Pager iterates over the pages of one fetch:
//
//	p := fetcher.Pages(cfg)
//	for p.Next(ctx) {
//		handle(p.Page())
//	}
//	if err := p.Err(); err != nil { ... }
type Pager struct {
	provider  Provider
	req       model.ListRequest
	page      *model.Page
	syncToken string
	done      bool
	err       error
}

// Next fetches the next page. It returns false when the last page has been
// consumed or an error occurred.
func (p *Pager) Next(ctx context.Context) bool {
	if p.done || p.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		p.err = err
		return false
	}

	page, err := p.provider.ListEvents(ctx, p.req)
	if err != nil {
		p.err = err
		return false
	}
	p.page = page

	switch {
	case page.NextPageToken == "":
		p.done = true
		p.syncToken = page.NextSyncToken
	case page.NextPageToken == p.req.PageToken:
		p.err = fmt.Errorf("provider repeated page token %q", page.NextPageToken)
		return false
	default:
		p.req.PageToken = page.NextPageToken
	}
	return true
}

// Page returns the page fetched by the last successful Next.
func (p *Pager) Page() *model.Page { return p.page }

// Err returns the error that stopped iteration, if any.
func (p *Pager) Err() error { return p.err }

// SyncToken returns the cursor delivered with the final page. It is empty
// until the last page has been fetched.
func (p *Pager) SyncToken() string { return p.syncToken }

// Incremental reports whether the fetch continues from a cursor.
func (p *Pager) Incremental() bool { return p.req.Incremental() }
