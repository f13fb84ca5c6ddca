package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"chatsweep/internal/model"
	"chatsweep/internal/ratelimit"
	"chatsweep/internal/transport"
)

// pageSource yields candidate records one page at a time. cursor handling is
// source-specific: live search indexes shrink as messages are deleted, an
// archive does not.
type pageSource interface {
	NextPage(ctx context.Context, cursor int) ([]model.MessageRecord, int, error)
	Advance(cursor, seen, deleted int) int
}

// indexWait is how long to let the server build a fresh search index before
// asking again.
const indexWait = 1500 * time.Millisecond

const maxIndexRetries = 10

// pager retrieves candidate pages for one target from live search.
// Server-filterable predicates go into the query; regex, exact bounds and
// pinned gating stay with the evaluator.
type pager struct {
	svc     transport.Service
	limiter *ratelimit.Limiter
	cfg     *model.RunConfig
	target  model.Target
	log     *slog.Logger
}

func (p *pager) query(cursor int) transport.SearchQuery {
	q := transport.SearchQuery{
		AuthorID:    p.cfg.AuthorID,
		MinID:       p.cfg.MinID,
		MaxID:       p.cfg.MaxID,
		Content:     p.cfg.Content,
		IncludeNSFW: p.cfg.IncludeNSFW,
		Offset:      cursor,
	}
	switch {
	case p.cfg.HasLink:
		q.Has = "link"
	case p.cfg.HasFile:
		q.Has = "file"
	}
	if p.target.Kind == model.KindDirect {
		q.GuildID = "@me"
		q.ChannelID = p.target.ID
	} else {
		q.GuildID = p.target.ParentID
		q.ChannelID = p.target.ID
	}
	return q
}

// NextPage fetches one page, consuming one search grant per request.
// Rate-limited and not-yet-indexed responses are absorbed here; transient
// failures retry with exponential backoff up to the configured cap.
func (p *pager) NextPage(ctx context.Context, cursor int) ([]model.MessageRecord, int, error) {
	q := p.query(cursor)

	var page transport.SearchPage
	b := retry.WithMaxRetries(uint64(p.cfg.MaxAttempts-1), retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		pg, err := p.fetch(ctx, q)
		if err != nil {
			if transport.IsTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		page = pg
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return page.Records, page.Total, nil
}

func (p *pager) fetch(ctx context.Context, q transport.SearchQuery) (transport.SearchPage, error) {
	indexRetries := 0
	for {
		if err := p.limiter.Acquire(ctx, ratelimit.Search); err != nil {
			return transport.SearchPage{}, err
		}
		page, err := p.svc.Search(ctx, q)

		var rl *transport.RateLimitedError
		switch {
		case err == nil:
			p.limiter.ReportSuccess()
			return page, nil
		case errors.As(err, &rl):
			p.limiter.ReportLimited(ratelimit.Search, rl.RetryAfter)
			p.log.Warn("search rate limited", "target_id", p.target.ID, "retry_after", rl.RetryAfter)
		case errors.Is(err, transport.ErrIndexing):
			indexRetries++
			if indexRetries > maxIndexRetries {
				return transport.SearchPage{}, &transport.TransientError{Err: err}
			}
			p.log.Info("waiting for search index", "target_id", p.target.ID)
			if err := sleepCtx(ctx, indexWait); err != nil {
				return transport.SearchPage{}, err
			}
		default:
			return transport.SearchPage{}, err
		}
	}
}

// Advance computes the next cursor. Deleted messages vanish from the search
// index, so only the records left behind move the offset.
func (p *pager) Advance(cursor, seen, deleted int) int {
	next := cursor + seen - deleted
	if next < 0 {
		return 0
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
