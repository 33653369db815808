package epg

import (
	"context"
	"fmt"
	"log"

	"guidecast/models"
	"guidecast/utils/channelmatch"
)

// Hydrate rebuilds the in-memory snapshot from the persistent store in
// bounded pages, so a cold start never reads the full programme set in
// one gulp. Progress runs from 10 (channels loaded) to exactly 100 and
// never decreases within one run; it is observable through the optional
// callback and Status. Returns true when a snapshot was installed.
//
// The first call after a fresh download is suppressed: the snapshot
// built during ingestion is still in memory, so hydration only clears
// the persisted session flag and yields.
func (s *Service) Hydrate(ctx context.Context, progress func(percent int)) (bool, error) {
	s.mu.Lock()
	if s.hydrating {
		s.mu.Unlock()
		log.Printf("[epg] hydration already running, request ignored")
		return false, nil
	}
	s.hydrating = true
	s.progress = 0
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.hydrating = false
		s.mu.Unlock()
	}()

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreRead, err)
	}
	if stats.ChannelCount < s.minChannels {
		log.Printf("[epg] store holds %d channels, below the %d hydration minimum", stats.ChannelCount, s.minChannels)
		return false, nil
	}

	first, err := s.store.FirstSession(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreRead, err)
	}
	if first {
		if err := s.store.SetFirstSession(ctx, false); err != nil {
			return false, fmt.Errorf("%w: %v", ErrStoreWrite, err)
		}
		s.mu.Lock()
		s.firstSession = false
		s.mu.Unlock()
		log.Printf("[epg] first session after download, skipping hydration")
		return false, nil
	}

	report := func(percent int) {
		s.mu.Lock()
		if percent > s.progress {
			s.progress = percent
		}
		current := s.progress
		s.mu.Unlock()
		if progress != nil {
			progress(current)
		}
	}

	channels, err := s.store.QueryChannels(ctx)
	if err != nil {
		s.resetProgress()
		return false, fmt.Errorf("%w: %v", ErrStoreRead, err)
	}
	report(10)

	total, err := s.store.CountProgrammes(ctx)
	if err != nil {
		s.resetProgress()
		return false, fmt.Errorf("%w: %v", ErrStoreRead, err)
	}

	loaded := make([]models.ProgrammeRecord, 0, total)
	for offset := 0; offset < total; offset += s.chunkSize {
		page, err := s.store.PageProgrammes(ctx, offset, s.chunkSize)
		if err != nil {
			s.resetProgress()
			return false, fmt.Errorf("%w: %v", ErrStoreRead, err)
		}
		if len(page) == 0 {
			break
		}
		loaded = append(loaded, page...)
		report(10 + int(90*float64(len(loaded))/float64(total)))
	}

	snap := newSnapshot(channels, loaded, s.now().UTC())
	s.mu.Lock()
	s.snap = snap
	s.index = channelmatch.BuildIndex(channels)
	s.matchCache = make(map[string]string)
	s.mu.Unlock()
	report(100)

	log.Printf("[epg] hydrated %d channels, %d programmes", len(channels), len(loaded))
	return true, nil
}

// StartHydration runs Hydrate on a background worker. Used at boot so a
// restarted server serves lookups without waiting for a refresh.
func (s *Service) StartHydration(ctx context.Context) {
	s.workers.Go(func() {
		if _, err := s.Hydrate(ctx, nil); err != nil {
			log.Printf("[epg] hydration failed: %v", err)
		}
	})
}

func (s *Service) resetProgress() {
	s.mu.Lock()
	s.progress = 0
	s.mu.Unlock()
}
