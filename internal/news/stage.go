// Package news implements the News Stage from spec §4.D: cheap hint-based
// symbol extraction with a fallback to the external extractor collaborator,
// plus duplicate suppression, grounded on teacher's subscription-handler
// shape (one goroutine draining one channel, emitting onto another).
package news

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shockline/engine/internal/extractor"
	"github.com/shockline/engine/internal/model"
	"github.com/shockline/engine/internal/queue"
)

const dedupeWindow = 60 * time.Second

// Extractor is the subset of extractor.Client the stage needs.
type Extractor interface {
	Extract(ctx context.Context, text string, hint []string) (extractor.Response, error)
}

// Stage consumes NewsArticle and emits at most one TickerEvent per article.
type Stage struct {
	extractor Extractor
	out       *queue.Bounded[model.TickerEvent]
	log       zerolog.Logger

	mu   sync.Mutex
	seen map[string]time.Time

	now func() time.Time
}

// New constructs a Stage publishing onto out.
func New(extractor Extractor, out *queue.Bounded[model.TickerEvent], log zerolog.Logger) *Stage {
	return &Stage{
		extractor: extractor,
		out:       out,
		log:       log,
		seen:      make(map[string]time.Time),
		now:       time.Now,
	}
}

// Run drains in until ctx is cancelled or in is closed and drained.
func (s *Stage) Run(ctx context.Context, in *queue.Bounded[model.NewsArticle]) {
	sweepTicker := time.NewTicker(dedupeWindow)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			s.sweep()
		default:
		}

		article, ok, err := in.Pop(ctx)
		if err != nil || !ok {
			return
		}
		s.handle(ctx, article)
	}
}

func (s *Stage) handle(ctx context.Context, article model.NewsArticle) {
	log := s.log.With().Str("article_id", article.ArticleID).Logger()

	symbol, ok := resolveFromHint(article.SymbolsHint)
	if !ok {
		resp, err := s.extractor.Extract(ctx, article.Headline+"\n"+article.Body, article.SymbolsHint)
		if err != nil {
			log.Warn().Err(err).Msg("extractor call failed, dropping article")
			return
		}
		if resp.Symbol == nil || !model.ValidSymbol(*resp.Symbol) {
			log.Info().Msg("extractor returned no usable symbol")
			return
		}
		symbol = *resp.Symbol
	}

	if s.isDuplicate(symbol, article.ArticleID) {
		log.Debug().Str("symbol", symbol).Msg("duplicate ticker event suppressed")
		return
	}

	ev := model.TickerEvent{
		Symbol:      symbol,
		ArticleID:   article.ArticleID,
		PublishedAt: article.PublishedAt,
		ReceivedAt:  s.now(),
	}
	if err := s.out.Push(ctx, ev); err != nil {
		log.Warn().Err(err).Msg("failed to enqueue ticker event")
	}
}

// resolveFromHint applies the cheap extraction path: a single valid symbol
// in the hint list is unambiguous and used directly; zero or multiple
// candidates fall through to the extractor.
func resolveFromHint(hint []string) (string, bool) {
	var candidate string
	count := 0
	for _, h := range hint {
		if model.ValidSymbol(h) {
			candidate = h
			count++
		}
	}
	if count == 1 {
		return candidate, true
	}
	return "", false
}

func (s *Stage) isDuplicate(symbol, articleID string) bool {
	key := symbol + "|" + articleID
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if until, ok := s.seen[key]; ok && now.Before(until) {
		return true
	}
	s.seen[key] = now.Add(dedupeWindow)
	return false
}

func (s *Stage) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, until := range s.seen {
		if now.After(until) {
			delete(s.seen, k)
		}
	}
}
