// SPDX-License-Identifier: AGPL-3.0-or-later
// Package template implements C1 TemplateStore and C2 TemplateRenderer.
package template

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/relaynotify/core/internal/domain/models"
	"github.com/relaynotify/core/internal/infrastructure/i18n"
	"github.com/relaynotify/core/pkg/logger"
)

// Repository is the subset of database.TemplateRepository the store needs,
// narrowed so tests can fake it without a database.
type Repository interface {
	Get(ctx context.Context, typ, language string) (*models.Template, error)
	LanguagesFor(ctx context.Context, typ string) ([]string, error)
}

// entry is one LRU node: a resolved template plus the time it was cached.
type entry struct {
	key      models.TemplateKey
	tmpl     *models.Template
	cachedAt time.Time
}

// Store is a read-through, TTL-bounded, LRU-evicted cache in front of a
// TemplateRepository, with BCP-47 language fallback and single-flight
// collapsing of concurrent misses for the same key (§4.1).
type Store struct {
	repo       Repository
	ttl        time.Duration
	maxEntries int

	mu       sync.Mutex
	items    map[models.TemplateKey]*list.Element
	order    *list.List // front = most recently used
	matchers map[string]*i18n.Matcher
	group    singleflight.Group

	warmupMu     sync.Mutex
	warmupStatus WarmupStatus
}

// WarmupStatus is a read-only snapshot of a warm-up pass's progress, polled
// by operators (e.g. a readiness probe) without blocking on completion (§4.1).
type WarmupStatus struct {
	Total      int
	Processed  int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Done reports whether the most recent warm-up pass has finished.
func (w WarmupStatus) Done() bool {
	return !w.StartedAt.IsZero() && !w.FinishedAt.IsZero()
}

// NewStore builds a Store with the given TTL and LRU capacity.
func NewStore(repo Repository, ttl time.Duration, maxEntries int) *Store {
	return &Store{
		repo:       repo,
		ttl:        ttl,
		maxEntries: maxEntries,
		items:      make(map[models.TemplateKey]*list.Element),
		order:      list.New(),
		matchers:   make(map[string]*i18n.Matcher),
	}
}

// Get resolves a template for (typ, lang), applying BCP-47 fallback when the
// exact language is not stored, and serving from cache when fresh.
func (s *Store) Get(ctx context.Context, typ, lang string) (*models.Template, error) {
	resolvedLang, err := s.resolveLanguage(ctx, typ, lang)
	if err != nil {
		return nil, err
	}
	key := models.TemplateKey{Type: typ, Language: resolvedLang}

	if tmpl, ok := s.lookup(key); ok {
		return tmpl, nil
	}

	// singleflight collapses concurrent misses for the same key into one
	// repository call (§5 "only one loader per key").
	groupKey := fmt.Sprintf("%s:%s", key.Type, key.Language)
	v, err, _ := s.group.Do(groupKey, func() (interface{}, error) {
		tmpl, err := s.repo.Get(ctx, key.Type, key.Language)
		if err != nil {
			return nil, err
		}
		s.store(key, tmpl)
		return tmpl, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Template), nil
}

// resolveLanguage maps a requested language onto the closest one the type
// actually has a template for, building (and caching) a matcher per type.
func (s *Store) resolveLanguage(ctx context.Context, typ, lang string) (string, error) {
	s.mu.Lock()
	matcher, ok := s.matchers[typ]
	s.mu.Unlock()

	if !ok {
		langs, err := s.repo.LanguagesFor(ctx, typ)
		if err != nil {
			return "", fmt.Errorf("failed to resolve languages for %s: %w", typ, err)
		}
		if len(langs) == 0 {
			return "", models.ErrTemplateNotFound
		}
		matcher = i18n.NewMatcher(langs)

		s.mu.Lock()
		s.matchers[typ] = matcher
		s.mu.Unlock()
	}

	return matcher.Resolve(lang), nil
}

func (s *Store) lookup(key models.TemplateKey) (*models.Template, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*entry)
	if time.Since(ent.cachedAt) > s.ttl {
		s.order.Remove(el)
		delete(s.items, key)
		return nil, false
	}
	s.order.MoveToFront(el)
	return ent.tmpl, true
}

func (s *Store) store(key models.TemplateKey, tmpl *models.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		el.Value.(*entry).tmpl = tmpl
		el.Value.(*entry).cachedAt = time.Now()
		s.order.MoveToFront(el)
		return
	}

	el := s.order.PushFront(&entry{key: key, tmpl: tmpl, cachedAt: time.Now()})
	s.items[key] = el

	for s.order.Len() > s.maxEntries {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*entry).key)
	}
}

// Invalidate drops a key from the cache, used when operator tooling updates
// a template so the next request re-reads from the repository.
func (s *Store) Invalidate(typ, lang string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.TemplateKey{Type: typ, Language: lang}
	if el, ok := s.items[key]; ok {
		s.order.Remove(el)
		delete(s.items, key)
	}
	delete(s.matchers, typ)
}

// warmupJob is one (type, language) pair to preload.
type warmupJob struct {
	typ, lang string
}

// Warmup preloads every configured language for each critical type named in
// config, loading jobs in batches of bounded parallelism so startup never
// opens more than `concurrency` repository calls at once (§4.1,
// TemplateCacheConfig). Progress is published through WarmupSnapshot as it
// goes, so a readiness probe can observe it without waiting for completion.
func (s *Store) Warmup(ctx context.Context, types []string, concurrency int) error {
	if len(types) == 0 {
		return nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	var jobs []warmupJob
	for _, typ := range types {
		langs, err := s.repo.LanguagesFor(ctx, typ)
		if err != nil {
			return fmt.Errorf("failed to resolve languages for %s: %w", typ, err)
		}
		if len(langs) == 0 {
			logger.Logger.Warn("template warm-up: no languages configured, skipping", "type", typ)
			continue
		}
		for _, lang := range langs {
			jobs = append(jobs, warmupJob{typ: typ, lang: lang})
		}
	}

	s.warmupMu.Lock()
	s.warmupStatus = WarmupStatus{Total: len(jobs), StartedAt: time.Now()}
	s.warmupMu.Unlock()

	for batchStart := 0; batchStart < len(jobs); batchStart += concurrency {
		end := batchStart + concurrency
		if end > len(jobs) {
			end = len(jobs)
		}
		batch := jobs[batchStart:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, job := range batch {
			job := job
			g.Go(func() error {
				_, err := s.Get(gctx, job.typ, job.lang)
				s.warmupMu.Lock()
				s.warmupStatus.Processed++
				if err != nil {
					s.warmupStatus.Failed++
				}
				s.warmupMu.Unlock()
				if err != nil {
					logger.Logger.Warn("template warm-up failed", "type", job.typ, "language", job.lang, "error", err)
				}
				return nil
			})
		}
		// batches run serially: the next batch does not start until this one
		// fully drains, so warm-up never exceeds `concurrency` in flight.
		if err := g.Wait(); err != nil {
			return err
		}
	}

	s.warmupMu.Lock()
	s.warmupStatus.FinishedAt = time.Now()
	s.warmupMu.Unlock()

	return nil
}

// WarmupSnapshot returns the current progress of the most recent Warmup
// call, safe to poll concurrently with it.
func (s *Store) WarmupSnapshot() WarmupStatus {
	s.warmupMu.Lock()
	defer s.warmupMu.Unlock()
	return s.warmupStatus
}
