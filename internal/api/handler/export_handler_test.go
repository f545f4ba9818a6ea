package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/bulk-export/internal/api/dto"
	"github.com/cuongbtq/bulk-export/internal/api/handler"
	"github.com/cuongbtq/bulk-export/internal/api/model"
	"github.com/cuongbtq/bulk-export/internal/api/router"
	"github.com/cuongbtq/bulk-export/internal/api/storage"
	"github.com/cuongbtq/bulk-export/internal/export/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu         sync.Mutex
	nextID     int64
	attempts   map[string][]domain.AttemptInfo
	enqueueErr error
	listErr    error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{attempts: make(map[string][]domain.AttemptInfo)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, groupID, definition string) (*domain.AttemptInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return nil, q.enqueueErr
	}
	q.nextID++
	now := time.Now().UTC()
	attempt := domain.AttemptInfo{
		ID:         q.nextID,
		GroupID:    groupID,
		Definition: definition,
		Status:     domain.AttemptCreated,
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q.attempts[groupID] = append(q.attempts[groupID], attempt)
	return &attempt, nil
}

func (q *fakeQueue) ListAttempts(ctx context.Context, groupID string) ([]domain.AttemptInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listErr != nil {
		return nil, q.listErr
	}
	return append([]domain.AttemptInfo(nil), q.attempts[groupID]...), nil
}

type fakeJobs struct {
	byHash       map[string]*domain.JobRecord
	getErr       error
	createErr    error
	beforeCreate func()
	canceled     []string
}

func (j *fakeJobs) CreateJob(ctx context.Context, record *domain.JobRecord) (domain.ETag, error) {
	if j.beforeCreate != nil {
		j.beforeCreate()
	}
	if j.createErr != nil {
		return 0, j.createErr
	}
	if _, ok := j.byHash[record.Hash]; ok {
		return 0, domain.ErrJobAlreadyExists
	}
	record.Version = 1
	copied := *record
	j.byHash[record.Hash] = &copied
	return record.ETag(), nil
}

func (j *fakeJobs) GetJobByHash(ctx context.Context, hash string) (*domain.JobRecord, domain.ETag, error) {
	if j.getErr != nil {
		return nil, 0, j.getErr
	}
	record, ok := j.byHash[hash]
	if !ok {
		return nil, 0, domain.ErrJobNotFound
	}
	copied := *record
	return &copied, copied.ETag(), nil
}

func (j *fakeJobs) CancelJob(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	for _, record := range j.byHash {
		if record.ID != jobID {
			continue
		}
		if record.IsTerminal() {
			return record, domain.ErrJobAlreadyTerminal
		}
		record.Cancel()
		j.canceled = append(j.canceled, jobID)
		return record, nil
	}
	return nil, domain.ErrJobNotFound
}

type fakeGroups struct {
	groups []model.ExportGroup
	filter storage.GroupFilter
	err    error
}

func (g *fakeGroups) ListGroups(ctx context.Context, filter storage.GroupFilter) ([]model.ExportGroup, error) {
	g.filter = filter
	return g.groups, g.err
}

type testAPI struct {
	engine *gin.Engine
	queue  *fakeQueue
	jobs   *fakeJobs
	groups *fakeGroups
}

func newTestAPI() *testAPI {
	gin.SetMode(gin.TestMode)
	api := &testAPI{
		queue:  newFakeQueue(),
		jobs:   &fakeJobs{byHash: make(map[string]*domain.JobRecord)},
		groups: &fakeGroups{},
	}
	api.engine = router.SetupRouter(&handler.Dependencies{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Queue:  api.queue,
		Jobs:   api.jobs,
		Groups: api.groups,
	})
	return api
}

func (a *testAPI) do(method, path string, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.engine.ServeHTTP(rec, req)
	return rec
}

// queueExport creates an export through the API and returns its group id
func (a *testAPI) queueExport(t *testing.T) string {
	t.Helper()
	rec := a.do(http.MethodPost, "/api/v1/exports", `{"request_uri":"/$export","export_type":"all"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp dto.CreateExportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.GroupID
}

// startExport stores the record the first attempt would have persisted
func (a *testAPI) startExport(t *testing.T, groupID string, status domain.OperationStatus) *domain.JobRecord {
	t.Helper()
	attempts, err := a.queue.ListAttempts(context.Background(), groupID)
	require.NoError(t, err)
	require.NotEmpty(t, attempts)

	record, err := domain.UnmarshalJobRecord(attempts[0].Definition)
	require.NoError(t, err)
	record.ID = "job-" + groupID[:8]
	record.Status = status
	record.Version = 2
	a.jobs.byHash[record.Hash] = record
	return record
}

func TestCreateExport(t *testing.T) {
	api := newTestAPI()

	rec := api.do(http.MethodPost, "/api/v1/exports",
		`{"request_uri":"/Patient/$export","export_type":"patient","resource_type":"Patient,Observation","since":"2024-01-02T03:04:05Z"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp dto.CreateExportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	_, err := uuid.Parse(resp.GroupID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.AttemptID)
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "/api/v1/exports/"+resp.GroupID, rec.Header().Get("Content-Location"))

	attempts := api.queue.attempts[resp.GroupID]
	require.Len(t, attempts, 1)

	record, err := domain.UnmarshalJobRecord(attempts[0].Definition)
	require.NoError(t, err)
	assert.Empty(t, record.ID)
	assert.Equal(t, domain.StatusQueued, record.Status)
	assert.Equal(t, domain.ExportTypePatient, record.ExportType)
	assert.Equal(t, "Patient,Observation", record.ResourceType)
	require.NotNil(t, record.Since)

	since := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, domain.RequestHash(resp.GroupID, "/Patient/$export", domain.ExportTypePatient, "Patient,Observation", &since, ""), record.Hash)
}

func TestCreateExport_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		errString string
	}{
		{
			name:      "malformed json",
			body:      `{"request_uri":`,
			errString: "Invalid request body",
		},
		{
			name:      "missing request uri",
			body:      `{"export_type":"all"}`,
			errString: "Invalid request body",
		},
		{
			name:      "unknown export type",
			body:      `{"request_uri":"/$export","export_type":"everything"}`,
			errString: "export_type must be one of all, patient, group",
		},
		{
			name:      "group export without group",
			body:      `{"request_uri":"/Group/g1/$export","export_type":"group"}`,
			errString: "patient_group_id is required for group exports",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI()

			rec := api.do(http.MethodPost, "/api/v1/exports", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.errString)
			assert.Empty(t, api.queue.attempts)
		})
	}
}

func TestCreateExport_EnqueueFailure(t *testing.T) {
	api := newTestAPI()
	api.queue.enqueueErr = errors.New("database is down")

	rec := api.do(http.MethodPost, "/api/v1/exports", `{"request_uri":"/$export","export_type":"all"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Failed to create export")
}

func TestGetExport(t *testing.T) {
	t.Run("invalid group id", func(t *testing.T) {
		api := newTestAPI()
		rec := api.do(http.MethodGet, "/api/v1/exports/not-a-uuid", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown group", func(t *testing.T) {
		api := newTestAPI()
		rec := api.do(http.MethodGet, "/api/v1/exports/"+uuid.NewString(), "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("queued export shows the definition", func(t *testing.T) {
		api := newTestAPI()
		groupID := api.queueExport(t)

		rec := api.do(http.MethodGet, "/api/v1/exports/"+groupID, "")

		require.Equal(t, http.StatusOK, rec.Code)
		var resp dto.ExportStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, groupID, resp.GroupID)
		assert.Equal(t, "queued", resp.Status)
		require.NotNil(t, resp.Job)
		assert.Empty(t, resp.Job.ID)
		require.Len(t, resp.Attempts, 1)
		assert.Equal(t, "created", resp.Attempts[0].Status)
	})

	t.Run("started export shows the stored record", func(t *testing.T) {
		api := newTestAPI()
		groupID := api.queueExport(t)
		stored := api.startExport(t, groupID, domain.StatusRunning)
		stored.Checkpoint("abc", 2)
		_, err := api.queue.Enqueue(context.Background(), groupID, "{}")
		require.NoError(t, err)

		rec := api.do(http.MethodGet, "/api/v1/exports/"+groupID, "")

		require.Equal(t, http.StatusOK, rec.Code)
		var resp dto.ExportStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "running", resp.Status)
		require.NotNil(t, resp.Job)
		assert.Equal(t, stored.ID, resp.Job.ID)
		require.NotNil(t, resp.Job.Progress)
		assert.Equal(t, 2, resp.Job.Progress.Page)
		assert.Len(t, resp.Attempts, 2)
	})

	t.Run("storage failure", func(t *testing.T) {
		api := newTestAPI()
		groupID := api.queueExport(t)
		api.jobs.getErr = errors.New("connection refused")

		rec := api.do(http.MethodGet, "/api/v1/exports/"+groupID, "")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("queue failure", func(t *testing.T) {
		api := newTestAPI()
		api.queue.listErr = errors.New("connection refused")

		rec := api.do(http.MethodGet, "/api/v1/exports/"+uuid.NewString(), "")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestCancelExport(t *testing.T) {
	t.Run("running export is canceled", func(t *testing.T) {
		api := newTestAPI()
		groupID := api.queueExport(t)
		stored := api.startExport(t, groupID, domain.StatusRunning)

		rec := api.do(http.MethodPost, "/api/v1/exports/"+groupID+"/cancel", "")

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"canceled"`)
		assert.Equal(t, []string{stored.ID}, api.jobs.canceled)
	})

	t.Run("finished export conflicts", func(t *testing.T) {
		api := newTestAPI()
		groupID := api.queueExport(t)
		api.startExport(t, groupID, domain.StatusCompleted)

		rec := api.do(http.MethodPost, "/api/v1/exports/"+groupID+"/cancel", "")

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"completed"`)
		assert.Empty(t, api.jobs.canceled)
	})

	t.Run("queued export is canceled before it starts", func(t *testing.T) {
		api := newTestAPI()
		groupID := api.queueExport(t)

		rec := api.do(http.MethodPost, "/api/v1/exports/"+groupID+"/cancel", "")

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"canceled"`)

		attempts, err := api.queue.ListAttempts(context.Background(), groupID)
		require.NoError(t, err)
		queued, err := domain.UnmarshalJobRecord(attempts[0].Definition)
		require.NoError(t, err)

		stored, ok := api.jobs.byHash[queued.Hash]
		require.True(t, ok)
		assert.NotEmpty(t, stored.ID)
		assert.Equal(t, domain.StatusCanceled, stored.Status)
		assert.NotNil(t, stored.EndTime)

		rec = api.do(http.MethodGet, "/api/v1/exports/"+groupID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp dto.ExportStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "canceled", resp.Status)
	})

	t.Run("queued export started while canceling", func(t *testing.T) {
		api := newTestAPI()
		groupID := api.queueExport(t)
		var started *domain.JobRecord
		api.jobs.beforeCreate = func() {
			started = api.startExport(t, groupID, domain.StatusRunning)
		}

		rec := api.do(http.MethodPost, "/api/v1/exports/"+groupID+"/cancel", "")

		require.Equal(t, http.StatusAccepted, rec.Code)
		require.NotNil(t, started)
		assert.Equal(t, []string{started.ID}, api.jobs.canceled)
		assert.Contains(t, rec.Body.String(), started.ID)
	})

	t.Run("queued export without request hash conflicts", func(t *testing.T) {
		api := newTestAPI()
		groupID := uuid.NewString()
		definition, err := domain.NewJobRecord("/$export", domain.ExportTypeAll, "", nil, "", "").Marshal()
		require.NoError(t, err)
		_, err = api.queue.Enqueue(context.Background(), groupID, definition)
		require.NoError(t, err)

		rec := api.do(http.MethodPost, "/api/v1/exports/"+groupID+"/cancel", "")

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "Export has not started yet")
		assert.Empty(t, api.jobs.byHash)
	})

	t.Run("queued export cancel storage failure", func(t *testing.T) {
		api := newTestAPI()
		groupID := api.queueExport(t)
		api.jobs.createErr = errors.New("connection refused")

		rec := api.do(http.MethodPost, "/api/v1/exports/"+groupID+"/cancel", "")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("unknown group", func(t *testing.T) {
		api := newTestAPI()

		rec := api.do(http.MethodPost, "/api/v1/exports/"+uuid.NewString()+"/cancel", "")

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestListExports(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	groups := make([]model.ExportGroup, 3)
	for i := range groups {
		groups[i] = model.ExportGroup{
			GroupID:         "g-" + strconv.Itoa(i),
			AttemptCount:    i + 1,
			LatestAttemptID: int64(10 + i),
			LatestStatus:    "running",
			CreatedAt:       base.Add(-time.Duration(i) * time.Hour),
			UpdatedAt:       base,
		}
	}

	t.Run("pages with a cursor", func(t *testing.T) {
		api := newTestAPI()
		api.groups.groups = groups

		rec := api.do(http.MethodGet, "/api/v1/exports?page_size=2&status=running", "")

		require.Equal(t, http.StatusOK, rec.Code)
		var resp dto.ListExportsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Exports, 2)
		assert.Equal(t, "g-1", resp.Exports[1].GroupID)
		assert.Equal(t, 2, api.groups.filter.PageSize)
		assert.Equal(t, "running", api.groups.filter.Status)
		assert.Nil(t, api.groups.filter.Cursor)

		cursor, err := handler.DecodeGroupCursor(resp.NextCursor)
		require.NoError(t, err)
		assert.Equal(t, "g-1", cursor.GroupID)
		assert.True(t, groups[1].CreatedAt.Equal(cursor.CreatedAt))

		rec = api.do(http.MethodGet, "/api/v1/exports?page_size=2&cursor="+resp.NextCursor, "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, api.groups.filter.Cursor)
		assert.Equal(t, "g-1", api.groups.filter.Cursor.GroupID)
	})

	t.Run("last page has no cursor", func(t *testing.T) {
		api := newTestAPI()
		api.groups.groups = groups[:1]

		rec := api.do(http.MethodGet, "/api/v1/exports", "")

		require.Equal(t, http.StatusOK, rec.Code)
		var resp dto.ListExportsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Exports, 1)
		assert.Empty(t, resp.NextCursor)
		assert.Equal(t, 20, api.groups.filter.PageSize)
	})

	t.Run("page size is capped", func(t *testing.T) {
		api := newTestAPI()

		rec := api.do(http.MethodGet, "/api/v1/exports?page_size=500", "")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 100, api.groups.filter.PageSize)
	})

	t.Run("invalid cursor", func(t *testing.T) {
		api := newTestAPI()

		rec := api.do(http.MethodGet, "/api/v1/exports?cursor=%25%25", "")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("storage failure", func(t *testing.T) {
		api := newTestAPI()
		api.groups.err = errors.New("timeout")

		rec := api.do(http.MethodGet, "/api/v1/exports", "")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
