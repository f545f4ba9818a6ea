package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"testing"

	"github.com/cuongbtq/bulk-export/internal/export/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore keeps records serialized so every read returns a fresh copy
type memoryStore struct {
	mu       sync.Mutex
	records  map[string]string
	versions map[string]int64
	hashes   map[string]string
	updates  int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		records:  make(map[string]string),
		versions: make(map[string]int64),
		hashes:   make(map[string]string),
	}
}

func (s *memoryStore) CreateJob(_ context.Context, record *domain.JobRecord) (domain.ETag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.Hash != "" {
		if _, ok := s.hashes[record.Hash]; ok {
			return 0, domain.ErrJobAlreadyExists
		}
		s.hashes[record.Hash] = record.ID
	}

	record.Version = 1
	def, err := record.Marshal()
	if err != nil {
		return 0, err
	}
	s.records[record.ID] = def
	s.versions[record.ID] = 1
	return 1, nil
}

func (s *memoryStore) UpdateJob(_ context.Context, record *domain.JobRecord, etag domain.ETag) (domain.ETag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.versions[record.ID]
	if !ok {
		return etag, domain.ErrJobNotFound
	}
	if current != int64(etag) {
		return etag, domain.ErrConcurrencyConflict
	}

	record.Version = current + 1
	def, err := record.Marshal()
	if err != nil {
		return etag, err
	}
	s.records[record.ID] = def
	s.versions[record.ID] = record.Version
	s.updates++
	return record.ETag(), nil
}

func (s *memoryStore) GetJob(_ context.Context, jobID string) (*domain.JobRecord, domain.ETag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.records[jobID]
	if !ok {
		return nil, 0, domain.ErrJobNotFound
	}
	record, err := domain.UnmarshalJobRecord(def)
	if err != nil {
		return nil, 0, err
	}
	record.Version = s.versions[jobID]
	return record, record.ETag(), nil
}

func (s *memoryStore) GetJobByHash(ctx context.Context, hash string) (*domain.JobRecord, domain.ETag, error) {
	s.mu.Lock()
	jobID, ok := s.hashes[hash]
	s.mu.Unlock()

	if !ok {
		return nil, 0, domain.ErrJobNotFound
	}
	return s.GetJob(ctx, jobID)
}

// cancel simulates an API cancel racing with the running task
func (s *memoryStore) cancel(t *testing.T, jobID string) {
	t.Helper()
	record, etag, err := s.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	record.Cancel()
	_, err = s.UpdateJob(context.Background(), record, etag)
	require.NoError(t, err)
}

type fakeSource struct {
	resources []Resource
	err       error
	calls     int
	tokens    []string
	queries   []Query
	onFetch   func(call int)
}

func (f *fakeSource) FetchPage(_ context.Context, query Query, token string, limit int) (*Page, error) {
	f.calls++
	f.tokens = append(f.tokens, token)
	f.queries = append(f.queries, query)
	if f.onFetch != nil {
		f.onFetch(f.calls)
	}
	if f.err != nil {
		return nil, f.err
	}

	lastID, err := DecodeContinuationToken(token)
	if err != nil {
		return nil, err
	}

	var rows []Resource
	for _, resource := range f.resources {
		if resource.ID > lastID && len(rows) <= limit {
			rows = append(rows, resource)
		}
	}

	page := &Page{Resources: rows}
	if len(rows) > limit {
		page.Resources = rows[:limit]
		page.NextToken = EncodeContinuationToken(page.Resources[limit-1].ID)
	}
	return page, nil
}

type fakeSink struct {
	objects map[string][]byte
	err     error
}

func newFakeSink() *fakeSink {
	return &fakeSink{objects: make(map[string][]byte)}
}

func (f *fakeSink) PutObject(_ context.Context, key string, body []byte, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.objects[key] = append([]byte(nil), body...)
	return "s3://exports/" + key, nil
}

func (f *fakeSink) keys() []string {
	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func patients(n int) []Resource {
	resources := make([]Resource, 0, n)
	for i := 1; i <= n; i++ {
		resources = append(resources, Resource{
			ID:           int64(i),
			ResourceType: "Patient",
			Body:         []byte(fmt.Sprintf(`{"resourceType":"Patient","id":"p%d"}`, i)),
		})
	}
	return resources
}

func newTestTask(store Store, source Source, sink Sink, pageSize, pagesPerAttempt int) *ExportTask {
	return NewExportTask(&Config{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:           store,
		Source:          source,
		Sink:            sink,
		PageSize:        pageSize,
		PagesPerAttempt: pagesPerAttempt,
		KeyPrefix:       "/bulk/",
	})
}

func queuedRecord(hash string) *domain.JobRecord {
	return domain.NewJobRecord("/$export", domain.ExportTypeAll, "", nil, "", hash)
}

func TestExportTask_RunCompletesWithinBudget(t *testing.T) {
	store := newMemoryStore()
	source := &fakeSource{resources: patients(3)}
	sink := newFakeSink()
	exportTask := newTestTask(store, source, sink, 2, 10)

	outcome, err := exportTask.Run(context.Background(), queuedRecord("h1"), 0)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	record := outcome.Record
	assert.Equal(t, domain.StatusCompleted, record.Status)
	assert.NotEmpty(t, record.ID)
	assert.Nil(t, record.Progress)
	assert.NotNil(t, record.StartTime)
	assert.NotNil(t, record.EndTime)
	assert.Equal(t, 2, source.calls)

	// create, checkpoint after page 1, complete
	assert.Equal(t, domain.ETag(3), outcome.ETag)

	stored, etag, err := store.GetJob(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, outcome.ETag, etag)
	assert.Equal(t, domain.StatusCompleted, stored.Status)

	assert.Equal(t, []string{
		"bulk/" + record.ID + "/Patient-1.ndjson",
		"bulk/" + record.ID + "/Patient-2.ndjson",
	}, sink.keys())

	files := record.Output["Patient"]
	require.Len(t, files, 2)
	assert.Equal(t, 2, files[0].Count)
	assert.Equal(t, 1, files[1].Count)
	assert.Equal(t, "s3://exports/bulk/"+record.ID+"/Patient-1.ndjson", files[0].URL)
}

func TestExportTask_RunYieldsAtPageBudget(t *testing.T) {
	store := newMemoryStore()
	source := &fakeSource{resources: patients(5)}
	sink := newFakeSink()
	exportTask := newTestTask(store, source, sink, 1, 2)

	outcome, err := exportTask.Run(context.Background(), queuedRecord(""), 0)
	require.NoError(t, err)

	record := outcome.Record
	require.True(t, record.HasCheckpoint())
	assert.Equal(t, 2, record.Progress.Page)
	assert.Equal(t, EncodeContinuationToken(2), record.Progress.ContinuationToken)
	assert.Equal(t, 2, source.calls)

	// the next attempt starts from the checkpoint
	outcome, err = exportTask.Run(context.Background(), record, outcome.ETag)
	require.NoError(t, err)
	require.True(t, outcome.Record.HasCheckpoint())
	assert.Equal(t, 4, outcome.Record.Progress.Page)
	assert.Equal(t, EncodeContinuationToken(2), source.tokens[2])

	outcome, err = exportTask.Run(context.Background(), outcome.Record, outcome.ETag)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, outcome.Record.Status)
	assert.Len(t, outcome.Record.Output["Patient"], 5)
	assert.Len(t, sink.objects, 5)
}

func TestExportTask_RunTerminalRecordIsUntouched(t *testing.T) {
	statuses := []domain.OperationStatus{
		domain.StatusCompleted,
		domain.StatusFailed,
		domain.StatusCanceled,
	}

	for _, status := range statuses {
		t.Run(string(status), func(t *testing.T) {
			store := newMemoryStore()
			source := &fakeSource{resources: patients(1)}
			exportTask := newTestTask(store, source, newFakeSink(), 1, 1)

			record := queuedRecord("")
			record.ID = "job-1"
			record.Status = status
			if status == domain.StatusFailed {
				record.FailureDetails = &domain.FailureDetails{Message: "boom", StatusCode: 500}
			}

			outcome, err := exportTask.Run(context.Background(), record, 4)
			require.NoError(t, err)
			assert.Same(t, record, outcome.Record)
			assert.Equal(t, domain.ETag(4), outcome.ETag)
			assert.Zero(t, source.calls)
			assert.Zero(t, store.updates)
		})
	}
}

func TestExportTask_RunFailures(t *testing.T) {
	tests := []struct {
		name      string
		sourceErr error
		sinkErr   error
		wantMsg   string
	}{
		{
			name:      "source error",
			sourceErr: errors.New("connection reset"),
			wantMsg:   "failed to read page 1: connection reset",
		},
		{
			name:    "sink error",
			sinkErr: errors.New("access denied"),
			wantMsg: "failed to write page 1: access denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()
			source := &fakeSource{resources: patients(2), err: tt.sourceErr}
			sink := newFakeSink()
			sink.err = tt.sinkErr
			exportTask := newTestTask(store, source, sink, 1, 10)

			outcome, err := exportTask.Run(context.Background(), queuedRecord(""), 0)
			require.NoError(t, err)

			record := outcome.Record
			assert.Equal(t, domain.StatusFailed, record.Status)
			require.NotNil(t, record.FailureDetails)
			assert.Equal(t, tt.wantMsg, record.FailureDetails.Message)
			assert.Equal(t, http.StatusInternalServerError, record.FailureDetails.StatusCode)

			stored, _, err := store.GetJob(context.Background(), record.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusFailed, stored.Status)
		})
	}
}

func TestExportTask_RunCanceledContext(t *testing.T) {
	store := newMemoryStore()
	source := &fakeSource{resources: patients(3)}
	exportTask := newTestTask(store, source, newFakeSink(), 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	source.onFetch = func(call int) {
		if call == 2 {
			cancel()
		}
	}

	outcome, err := exportTask.Run(ctx, queuedRecord(""), 0)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCanceled, outcome.Record.Status)

	stored, etag, err := store.GetJob(context.Background(), outcome.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, stored.Status)
	assert.Equal(t, outcome.ETag, etag)
}

func TestExportTask_RunAdoptsConcurrentCancel(t *testing.T) {
	store := newMemoryStore()
	source := &fakeSource{resources: patients(5)}
	exportTask := newTestTask(store, source, newFakeSink(), 1, 10)

	record := queuedRecord("")
	source.onFetch = func(call int) {
		if call == 2 {
			store.cancel(t, record.ID)
		}
	}

	outcome, err := exportTask.Run(context.Background(), record, 0)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCanceled, outcome.Record.Status)
	assert.Equal(t, domain.ETag(3), outcome.ETag)
	assert.Equal(t, 2, source.calls)
}

func TestExportTask_RunResumesExistingJobByHash(t *testing.T) {
	store := newMemoryStore()

	existing := queuedRecord("h1")
	existing.ID = "job-1"
	existing.Checkpoint(EncodeContinuationToken(1), 1)
	_, err := store.CreateJob(context.Background(), existing)
	require.NoError(t, err)

	source := &fakeSource{resources: patients(2)}
	sink := newFakeSink()
	exportTask := newTestTask(store, source, sink, 1, 10)

	outcome, err := exportTask.Run(context.Background(), queuedRecord("h1"), 0)
	require.NoError(t, err)

	assert.Equal(t, "job-1", outcome.Record.ID)
	assert.Equal(t, domain.StatusCompleted, outcome.Record.Status)
	assert.Equal(t, []string{EncodeContinuationToken(1)}, source.tokens)
	assert.Equal(t, []string{"bulk/job-1/Patient-2.ndjson"}, sink.keys())
}

func TestExportTask_RunStaleRecordDoesNoWork(t *testing.T) {
	tests := []struct {
		name       string
		advance    func(t *testing.T, store *memoryStore, jobID string)
		wantStatus domain.OperationStatus
		wantPage   int
	}{
		{
			name: "canceled through the api",
			advance: func(t *testing.T, store *memoryStore, jobID string) {
				store.cancel(t, jobID)
			},
			wantStatus: domain.StatusCanceled,
		},
		{
			name: "checkpoint written by a newer attempt",
			advance: func(t *testing.T, store *memoryStore, jobID string) {
				record, etag, err := store.GetJob(context.Background(), jobID)
				require.NoError(t, err)
				record.Checkpoint(EncodeContinuationToken(2), 2)
				_, err = store.UpdateJob(context.Background(), record, etag)
				require.NoError(t, err)
			},
			wantStatus: domain.StatusRunning,
			wantPage:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()

			existing := queuedRecord("h1")
			existing.ID = "job-1"
			existing.Checkpoint(EncodeContinuationToken(1), 1)
			_, err := store.CreateJob(context.Background(), existing)
			require.NoError(t, err)

			stale, staleTag, err := store.GetJob(context.Background(), "job-1")
			require.NoError(t, err)
			tt.advance(t, store, "job-1")

			source := &fakeSource{resources: patients(3)}
			sink := newFakeSink()
			exportTask := newTestTask(store, source, sink, 1, 10)

			outcome, err := exportTask.Run(context.Background(), stale, staleTag)
			require.NoError(t, err)

			assert.Zero(t, source.calls)
			assert.Empty(t, sink.keys())
			assert.Equal(t, tt.wantStatus, outcome.Record.Status)
			assert.Equal(t, domain.ETag(2), outcome.ETag)
			if tt.wantPage > 0 {
				require.True(t, outcome.Record.HasCheckpoint())
				assert.Equal(t, tt.wantPage, outcome.Record.Progress.Page)
			}
		})
	}
}

func TestExportTask_RunPersistsRunningBeforeFirstPage(t *testing.T) {
	store := newMemoryStore()

	existing := queuedRecord("")
	existing.ID = "job-1"
	existing.Checkpoint(EncodeContinuationToken(1), 1)
	etag, err := store.CreateJob(context.Background(), existing)
	require.NoError(t, err)

	source := &fakeSource{resources: patients(3)}
	exportTask := newTestTask(store, source, newFakeSink(), 1, 10)

	var versionAtFirstFetch int64
	source.onFetch = func(call int) {
		if call == 1 {
			versionAtFirstFetch = store.versions["job-1"]
		}
	}

	outcome, err := exportTask.Run(context.Background(), existing, etag)
	require.NoError(t, err)

	assert.Equal(t, int64(2), versionAtFirstFetch)
	assert.Equal(t, domain.StatusCompleted, outcome.Record.Status)
	assert.NotNil(t, outcome.Record.StartTime)
}

func TestExportTask_WritePageGroupsByResourceType(t *testing.T) {
	sink := newFakeSink()
	exportTask := newTestTask(newMemoryStore(), &fakeSource{}, sink, 10, 1)

	record := queuedRecord("")
	record.ID = "job-1"
	page := &Page{Resources: []Resource{
		{ID: 1, ResourceType: "Patient", Body: []byte(`{"id":"p1"}`)},
		{ID: 2, ResourceType: "Observation", Body: []byte(" {\"id\":\"o1\"}\n")},
		{ID: 3, ResourceType: "Patient", Body: []byte(`{"id":"p2"}`)},
	}}

	err := exportTask.writePage(context.Background(), record, page, 3)
	require.NoError(t, err)

	assert.Equal(t, "{\"id\":\"p1\"}\n{\"id\":\"p2\"}\n", string(sink.objects["bulk/job-1/Patient-3.ndjson"]))
	assert.Equal(t, "{\"id\":\"o1\"}\n", string(sink.objects["bulk/job-1/Observation-3.ndjson"]))
	assert.Equal(t, 2, record.Output["Patient"][0].Count)
	assert.Equal(t, 1, record.Output["Observation"][0].Count)
}

func TestQueryFor(t *testing.T) {
	record := domain.NewJobRecord("/Group/g1/$export", domain.ExportTypeGroup, "Patient, Observation,,", nil, "g1", "")

	query := queryFor(record)

	assert.Equal(t, domain.ExportTypeGroup, query.ExportType)
	assert.Equal(t, []string{"Patient", "Observation"}, query.ResourceTypes)
	assert.Equal(t, "g1", query.PatientGroupID)
	assert.Nil(t, query.Since)
}
