// Package epg owns the guide cache: feed ingestion, durable storage,
// progressive hydration and channel-matched programme lookups.
package epg

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"guidecast/config"
	"guidecast/models"
	"guidecast/utils/channelmatch"
)

// lookupWindow bounds how far ahead a programme lookup reaches.
const lookupWindow = 24 * time.Hour

// Store is the persistence surface the service depends on.
type Store interface {
	SaveFull(ctx context.Context, channels []models.ChannelRecord, programmes []models.ProgrammeRecord, sourceTag string) ([]models.ProgrammeRecord, error)
	QueryChannels(ctx context.Context) ([]models.ChannelRecord, error)
	QueryProgrammes(ctx context.Context, channelID string, from, to time.Time) ([]models.ProgrammeRecord, error)
	CountProgrammes(ctx context.Context) (int, error)
	PageProgrammes(ctx context.Context, offset, limit int) ([]models.ProgrammeRecord, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (models.StoreStats, error)
	FirstSession(ctx context.Context) (bool, error)
	SetFirstSession(ctx context.Context, value bool) error
}

// FeedFetcher obtains the raw guide document.
type FeedFetcher interface {
	Fetch(ctx context.Context, src FeedSource) (io.ReadCloser, error)
}

// snapshot is the in-memory view of the guide. It is immutable once
// installed; refreshes swap in a whole new one.
type snapshot struct {
	channels   []models.ChannelRecord
	programmes map[string][]models.ProgrammeRecord
	loadedAt   time.Time
}

func newSnapshot(channels []models.ChannelRecord, programmes []models.ProgrammeRecord, at time.Time) *snapshot {
	byChannel := make(map[string][]models.ProgrammeRecord)
	for _, p := range programmes {
		byChannel[p.ChannelID] = append(byChannel[p.ChannelID], p)
	}
	for id := range byChannel {
		rows := byChannel[id]
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Start.Before(rows[j].Start) })
	}
	return &snapshot{channels: channels, programmes: byChannel, loadedAt: at}
}

func (sn *snapshot) programmeCount() int {
	total := 0
	for _, rows := range sn.programmes {
		total += len(rows)
	}
	return total
}

func (sn *snapshot) programmesFor(channelID string, from, to, now time.Time) []models.ProgrammeRecord {
	out := make([]models.ProgrammeRecord, 0)
	for _, p := range sn.programmes[channelID] {
		overlap := p.Start.Before(to) && p.End.After(from)
		onAir := !p.Start.After(now) && !p.End.Before(now)
		if overlap || onAir {
			out = append(out, p)
		}
	}
	return out
}

// Service orchestrates the guide cache lifecycle. The store is the
// single source of truth; the snapshot, name index and match cache are
// derived views that can always be rebuilt from it.
type Service struct {
	store   Store
	fetcher FeedFetcher
	source  FeedSource

	validity    time.Duration
	chunkSize   int
	minChannels int

	mu           sync.RWMutex
	state        models.CacheState
	progress     int
	lastError    string
	hydrating    bool
	firstSession bool
	snap         *snapshot
	index        channelmatch.Index
	matchCache   map[string]string
	subscribers  map[string]func(models.CacheStatus)

	workers conc.WaitGroup
	now     func() time.Time
}

func NewService(store Store, fetcher FeedFetcher, cfg config.EPGSettings) *Service {
	validity := time.Duration(cfg.CacheValidityMinutes) * time.Minute
	if validity <= 0 {
		validity = 30 * time.Minute
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1500
	}
	minChannels := cfg.MinHydrateChannels
	if minChannels <= 0 {
		minChannels = 1000
	}

	s := &Service{
		store:   store,
		fetcher: fetcher,
		source: FeedSource{
			URL:            cfg.FeedURL,
			XtreamHost:     cfg.XtreamHost,
			XtreamUsername: cfg.XtreamUsername,
			XtreamPassword: cfg.XtreamPassword,
		},
		validity:    validity,
		chunkSize:   chunkSize,
		minChannels: minChannels,
		state:       models.CacheStateIdle,
		matchCache:  make(map[string]string),
		subscribers: make(map[string]func(models.CacheStatus)),
		now:         time.Now,
	}
	if flag, err := store.FirstSession(context.Background()); err == nil {
		s.firstSession = flag
	}
	return s
}

// StartIngestion kicks off a full feed refresh in the background. A
// refresh already in flight makes this a logged no-op.
func (s *Service) StartIngestion(ctx context.Context) {
	s.mu.Lock()
	if s.state == models.CacheStateLoading || s.state == models.CacheStateProcessing {
		s.mu.Unlock()
		log.Printf("[epg] ingestion already running, request ignored")
		return
	}
	s.state = models.CacheStateLoading
	s.progress = 0
	s.lastError = ""
	subs, status := s.notifyTargetsLocked()
	s.mu.Unlock()
	for _, fn := range subs {
		fn(status)
	}

	runID := uuid.NewString()[:8]
	s.workers.Go(func() { s.runIngestion(ctx, runID) })
}

func (s *Service) runIngestion(ctx context.Context, runID string) {
	log.Printf("[epg] ingestion %s: fetching feed from %s", runID, s.source.Tag())

	body, err := s.fetcher.Fetch(ctx, s.source)
	if err != nil {
		s.fail(runID, fmt.Errorf("%w: %v", ErrFeedFetch, err))
		return
	}
	feed, err := ParseFeed(body)
	body.Close()
	if err != nil {
		s.fail(runID, fmt.Errorf("%w: %v", ErrFeedParse, err))
		return
	}
	if len(feed.Channels) == 0 {
		s.fail(runID, fmt.Errorf("%w: no channels in feed", ErrFeedParse))
		return
	}
	if feed.Dropped > 0 {
		log.Printf("[epg] ingestion %s: dropped %d malformed feed entries", runID, feed.Dropped)
	}

	s.transition(models.CacheStateProcessing)

	kept, err := s.store.SaveFull(ctx, feed.Channels, feed.Programmes, s.source.Tag())
	if err != nil {
		s.fail(runID, fmt.Errorf("%w: %v", ErrStoreWrite, err))
		return
	}
	if err := s.store.SetFirstSession(ctx, true); err != nil {
		log.Printf("[epg] ingestion %s: could not persist session flag: %v", runID, err)
	}

	snap := newSnapshot(feed.Channels, kept, s.now().UTC())
	s.mu.Lock()
	s.snap = snap
	s.index = channelmatch.BuildIndex(feed.Channels)
	s.matchCache = make(map[string]string)
	s.firstSession = true
	s.mu.Unlock()

	s.transition(models.CacheStateReady)
	log.Printf("[epg] ingestion %s: done, %d channels, %d programmes kept", runID, len(feed.Channels), len(kept))
}

func (s *Service) fail(runID string, err error) {
	log.Printf("[epg] ingestion %s: %v", runID, err)
	s.mu.Lock()
	s.lastError = err.Error()
	s.state = models.CacheStateError
	subs, status := s.notifyTargetsLocked()
	s.mu.Unlock()
	for _, fn := range subs {
		fn(status)
	}
}

func (s *Service) transition(state models.CacheState) {
	s.mu.Lock()
	s.state = state
	if state == models.CacheStateReady {
		s.progress = 100
	}
	subs, status := s.notifyTargetsLocked()
	s.mu.Unlock()
	for _, fn := range subs {
		fn(status)
	}
}

// notifyTargetsLocked snapshots the subscriber list and current status.
// Callbacks run after the lock is released so a subscriber can call back
// into the service.
func (s *Service) notifyTargetsLocked() ([]func(models.CacheStatus), models.CacheStatus) {
	subs := make([]func(models.CacheStatus), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	return subs, s.statusLocked()
}

func (s *Service) statusLocked() models.CacheStatus {
	status := models.CacheStatus{
		State:                     s.state,
		ProgressPercent:           s.progress,
		FirstSessionAfterDownload: s.firstSession,
		LastError:                 s.lastError,
	}
	if s.snap != nil {
		status.ChannelCount = len(s.snap.channels)
		status.ProgrammeCount = s.snap.programmeCount()
		loadedAt := s.snap.loadedAt
		status.LastUpdated = &loadedAt
	}
	return status
}

// LookupProgrammes resolves a playlist channel to a guide channel and
// returns its upcoming programmes sorted by start time. An unmatched
// channel yields an empty result, not an error. Resolution results are
// memoized; programme rows come from the snapshot when one is installed
// and straight from the store otherwise.
func (s *Service) LookupProgrammes(ctx context.Context, ref models.PlaylistChannel) ([]models.ProgrammeRecord, error) {
	key := matchKey(ref)
	s.mu.RLock()
	id, cached := s.matchCache[key]
	snap := s.snap
	idx := s.index
	s.mu.RUnlock()

	if !cached {
		var channels []models.ChannelRecord
		if snap != nil {
			channels = snap.channels
		} else {
			var err error
			channels, err = s.store.QueryChannels(ctx)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrStoreRead, err)
			}
		}

		var resolved *models.ChannelRecord
		if ref.TvgID == "" && ref.TvgName == "" && idx != nil {
			if cid, ok := idx.Lookup(ref.Name); ok {
				for i := range channels {
					if channels[i].ID == cid {
						resolved = &channels[i]
						break
					}
				}
			}
		}
		if resolved == nil {
			resolved = channelmatch.Resolve(ref, channels)
		}
		if resolved == nil {
			log.Printf("[epg] no guide channel matches %q", ref.Name)
			return []models.ProgrammeRecord{}, nil
		}
		id = resolved.ID

		s.mu.Lock()
		s.matchCache[key] = id
		s.mu.Unlock()
	}

	now := s.now().UTC()
	from, to := now, now.Add(lookupWindow)
	if snap != nil {
		return snap.programmesFor(id, from, to, now), nil
	}
	rows, err := s.store.QueryProgrammes(ctx, id, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreRead, err)
	}
	return rows, nil
}

func matchKey(ref models.PlaylistChannel) string {
	return strings.ToLower(ref.Name) + "|" + strings.ToLower(ref.TvgID) + "|" + strings.ToLower(ref.TvgName)
}

// IsCacheValid reports whether the snapshot is fresh enough to serve
// without a refresh.
func (s *Service) IsCacheValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap != nil && s.now().Sub(s.snap.loadedAt) < s.validity
}

// Subscribe registers a callback for cache status changes and returns
// its unsubscribe function. Callbacks run synchronously on the goroutine
// that triggered the change.
func (s *Service) Subscribe(fn func(models.CacheStatus)) func() {
	token := uuid.NewString()
	s.mu.Lock()
	s.subscribers[token] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, token)
		s.mu.Unlock()
	}
}

// Status returns the externally visible cache state.
func (s *Service) Status() models.CacheStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked()
}

// Stats reports what the persistent store holds.
func (s *Service) Stats(ctx context.Context) (models.StoreStats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return models.StoreStats{}, fmt.Errorf("%w: %v", ErrStoreRead, err)
	}
	return stats, nil
}

// Clear wipes the store and every derived view, returning the cache to
// idle.
func (s *Service) Clear(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	s.mu.Lock()
	s.snap = nil
	s.index = nil
	s.matchCache = make(map[string]string)
	s.state = models.CacheStateIdle
	s.progress = 0
	s.lastError = ""
	s.firstSession = false
	subs, status := s.notifyTargetsLocked()
	s.mu.Unlock()
	for _, fn := range subs {
		fn(status)
	}
	return nil
}

// Close waits for background workers to finish.
func (s *Service) Close() {
	if r := s.workers.WaitAndRecover(); r != nil {
		log.Printf("[epg] background worker panic: %v", r.Value)
	}
}
