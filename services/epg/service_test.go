package epg

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidecast/config"
	"guidecast/models"
)

// stubStore is an in-memory Store with call counters, so tests can
// assert which path the service took.
type stubStore struct {
	mu           sync.Mutex
	channels     []models.ChannelRecord
	programmes   []models.ProgrammeRecord
	firstSession bool

	saveCalls         int
	channelQueryCalls int
	programmeQueries  int
	pageCalls         int

	saveErr error
	pageErr error
}

func (st *stubStore) SaveFull(ctx context.Context, channels []models.ChannelRecord, programmes []models.ProgrammeRecord, sourceTag string) ([]models.ProgrammeRecord, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.saveCalls++
	if st.saveErr != nil {
		return nil, st.saveErr
	}
	st.channels = channels
	st.programmes = programmes
	return programmes, nil
}

func (st *stubStore) QueryChannels(ctx context.Context) ([]models.ChannelRecord, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.channelQueryCalls++
	return st.channels, nil
}

func (st *stubStore) QueryProgrammes(ctx context.Context, channelID string, from, to time.Time) ([]models.ProgrammeRecord, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.programmeQueries++
	var out []models.ProgrammeRecord
	for _, p := range st.programmes {
		if p.ChannelID == channelID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (st *stubStore) CountProgrammes(ctx context.Context) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.programmes), nil
}

func (st *stubStore) PageProgrammes(ctx context.Context, offset, limit int) ([]models.ProgrammeRecord, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pageCalls++
	if st.pageErr != nil {
		return nil, st.pageErr
	}
	if offset >= len(st.programmes) {
		return nil, nil
	}
	end := min(offset+limit, len(st.programmes))
	return st.programmes[offset:end], nil
}

func (st *stubStore) Clear(ctx context.Context) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.channels = nil
	st.programmes = nil
	st.firstSession = false
	return nil
}

func (st *stubStore) Stats(ctx context.Context) (models.StoreStats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return models.StoreStats{ChannelCount: len(st.channels), ProgrammeCount: len(st.programmes)}, nil
}

func (st *stubStore) FirstSession(ctx context.Context) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.firstSession, nil
}

func (st *stubStore) SetFirstSession(ctx context.Context, value bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.firstSession = value
	return nil
}

// stubFetcher serves a canned document, optionally blocking until the
// gate closes so tests can hold an ingestion in flight.
type stubFetcher struct {
	doc  string
	err  error
	gate chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *stubFetcher) Fetch(ctx context.Context, src FeedSource) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.doc)), nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var serviceTestNow = time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

func ingestionFeed() string {
	return `<?xml version="1.0"?>
<tv>
  <channel id="tf1.fr"><display-name>TF1 HD</display-name></channel>
  <channel id="france2.fr"><display-name>France 2</display-name></channel>
  <programme start="20250601120000 +0000" stop="20250601130000 +0000" channel="tf1.fr">
    <title>Le Journal</title>
  </programme>
  <programme start="20250601140000 +0000" stop="20250601150000 +0000" channel="france2.fr">
    <title>Film</title>
  </programme>
</tv>`
}

func newTestService(store Store, fetcher FeedFetcher) *Service {
	svc := NewService(store, fetcher, config.EPGSettings{
		FeedURL:              "http://example.com/guide.xml",
		ChunkSize:            2,
		MinHydrateChannels:   2,
		CacheValidityMinutes: 30,
	})
	svc.now = func() time.Time { return serviceTestNow }
	return svc
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []models.CacheStatus
}

func (r *statusRecorder) record(status models.CacheStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *statusRecorder) states() []models.CacheState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]models.CacheState, 0, len(r.statuses))
	for _, s := range r.statuses {
		states = append(states, s.State)
	}
	return states
}

func TestIngestionHappyPath(t *testing.T) {
	store := &stubStore{}
	svc := newTestService(store, &stubFetcher{doc: ingestionFeed()})

	rec := &statusRecorder{}
	unsubscribe := svc.Subscribe(rec.record)
	defer unsubscribe()

	svc.StartIngestion(context.Background())
	svc.Close()

	assert.Equal(t, []models.CacheState{
		models.CacheStateLoading,
		models.CacheStateProcessing,
		models.CacheStateReady,
	}, rec.states())

	status := svc.Status()
	assert.Equal(t, models.CacheStateReady, status.State)
	assert.Equal(t, 100, status.ProgressPercent)
	assert.Equal(t, 2, status.ChannelCount)
	assert.Equal(t, 2, status.ProgrammeCount)
	assert.True(t, status.FirstSessionAfterDownload)
	assert.Empty(t, status.LastError)
	assert.Equal(t, 1, store.saveCalls)

	flag, err := store.FirstSession(context.Background())
	require.NoError(t, err)
	assert.True(t, flag)

	// the snapshot serves lookups without touching the store
	rows, err := svc.LookupProgrammes(context.Background(), models.PlaylistChannel{Name: "TF1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Le Journal", rows[0].Title)
	assert.Zero(t, store.programmeQueries)
}

func TestIngestionDuplicateRequestIgnored(t *testing.T) {
	gate := make(chan struct{})
	fetcher := &stubFetcher{doc: ingestionFeed(), gate: gate}
	store := &stubStore{}
	svc := newTestService(store, fetcher)

	rec := &statusRecorder{}
	defer svc.Subscribe(rec.record)()

	svc.StartIngestion(context.Background())
	svc.StartIngestion(context.Background()) // ignored while loading
	close(gate)
	svc.Close()

	assert.Equal(t, 1, fetcher.callCount())
	assert.Equal(t, 1, store.saveCalls)

	ready := 0
	for _, state := range rec.states() {
		if state == models.CacheStateReady {
			ready++
		}
	}
	assert.Equal(t, 1, ready)
}

func TestIngestionFetchFailure(t *testing.T) {
	store := &stubStore{}
	svc := newTestService(store, &stubFetcher{err: errors.New("connection refused")})

	svc.StartIngestion(context.Background())
	svc.Close()

	status := svc.Status()
	assert.Equal(t, models.CacheStateError, status.State)
	assert.Contains(t, status.LastError, ErrFeedFetch.Error())
	assert.Zero(t, store.saveCalls)
}

func TestIngestionEmptyFeedIsParseFailure(t *testing.T) {
	store := &stubStore{}
	svc := newTestService(store, &stubFetcher{doc: `<?xml version="1.0"?><tv></tv>`})

	svc.StartIngestion(context.Background())
	svc.Close()

	status := svc.Status()
	assert.Equal(t, models.CacheStateError, status.State)
	assert.Contains(t, status.LastError, ErrFeedParse.Error())
	assert.Zero(t, store.saveCalls)
}

func TestIngestionStoreFailure(t *testing.T) {
	store := &stubStore{saveErr: errors.New("disk full")}
	svc := newTestService(store, &stubFetcher{doc: ingestionFeed()})

	svc.StartIngestion(context.Background())
	svc.Close()

	status := svc.Status()
	assert.Equal(t, models.CacheStateError, status.State)
	assert.Contains(t, status.LastError, ErrStoreWrite.Error())
}

func TestLookupFallsBackToStoreWithoutSnapshot(t *testing.T) {
	store := &stubStore{
		channels: []models.ChannelRecord{{ID: "tf1.fr", DisplayName: "TF1 HD"}},
		programmes: []models.ProgrammeRecord{
			{ChannelID: "tf1.fr", Title: "Le Journal", Start: serviceTestNow, End: serviceTestNow.Add(time.Hour)},
		},
	}
	svc := newTestService(store, &stubFetcher{})

	rows, err := svc.LookupProgrammes(context.Background(), models.PlaylistChannel{Name: "TF1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Le Journal", rows[0].Title)
	assert.Equal(t, 1, store.channelQueryCalls)
	assert.Equal(t, 1, store.programmeQueries)
}

func TestLookupMemoizesResolution(t *testing.T) {
	store := &stubStore{
		channels: []models.ChannelRecord{{ID: "tf1.fr", DisplayName: "TF1 HD"}},
	}
	svc := newTestService(store, &stubFetcher{})

	ref := models.PlaylistChannel{Name: "TF1"}
	_, err := svc.LookupProgrammes(context.Background(), ref)
	require.NoError(t, err)
	_, err = svc.LookupProgrammes(context.Background(), ref)
	require.NoError(t, err)

	// the second lookup reuses the cached channel id
	assert.Equal(t, 1, store.channelQueryCalls)
	assert.Equal(t, 2, store.programmeQueries)
}

func TestLookupNoMatchIsNotAnError(t *testing.T) {
	store := &stubStore{
		channels: []models.ChannelRecord{{ID: "history.uk", DisplayName: "History"}},
	}
	svc := newTestService(store, &stubFetcher{})

	rows, err := svc.LookupProgrammes(context.Background(), models.PlaylistChannel{Name: "Discovery"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestIsCacheValid(t *testing.T) {
	store := &stubStore{}
	svc := newTestService(store, &stubFetcher{doc: ingestionFeed()})

	assert.False(t, svc.IsCacheValid(), "no snapshot yet")

	svc.StartIngestion(context.Background())
	svc.Close()
	assert.True(t, svc.IsCacheValid())

	svc.mu.Lock()
	svc.now = func() time.Time { return serviceTestNow.Add(31 * time.Minute) }
	svc.mu.Unlock()
	assert.False(t, svc.IsCacheValid(), "snapshot older than the validity window")
}

func TestClearResetsEverything(t *testing.T) {
	store := &stubStore{}
	svc := newTestService(store, &stubFetcher{doc: ingestionFeed()})

	svc.StartIngestion(context.Background())
	svc.Close()
	require.Equal(t, models.CacheStateReady, svc.Status().State)

	rec := &statusRecorder{}
	defer svc.Subscribe(rec.record)()

	require.NoError(t, svc.Clear(context.Background()))

	status := svc.Status()
	assert.Equal(t, models.CacheStateIdle, status.State)
	assert.Zero(t, status.ChannelCount)
	assert.Zero(t, status.ProgrammeCount)
	assert.False(t, status.FirstSessionAfterDownload)
	assert.False(t, svc.IsCacheValid())
	assert.Equal(t, []models.CacheState{models.CacheStateIdle}, rec.states())
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	store := &stubStore{}
	svc := newTestService(store, &stubFetcher{doc: ingestionFeed()})

	rec := &statusRecorder{}
	unsubscribe := svc.Subscribe(rec.record)
	unsubscribe()

	svc.StartIngestion(context.Background())
	svc.Close()

	assert.Empty(t, rec.states())
}

func TestLookupResolvesFuzzyNames(t *testing.T) {
	store := &stubStore{}
	svc := newTestService(store, &stubFetcher{doc: ingestionFeed()})
	svc.StartIngestion(context.Background())
	svc.Close()

	rows, err := svc.LookupProgrammes(context.Background(), models.PlaylistChannel{Name: "France Deux"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Film", rows[0].Title)

	for i := 1; i < len(rows); i++ {
		assert.False(t, rows[i].Start.Before(rows[i-1].Start))
	}
}
