package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cuongbtq/bulk-export/internal/export/domain"
	"github.com/google/uuid"
)

const (
	defaultPageSize        = 1000
	defaultPagesPerAttempt = 10
	ndjsonContentType      = "application/fhir+ndjson"
)

// Config holds export task configuration
type Config struct {
	Logger          *slog.Logger
	Store           Store
	Source          Source
	Sink            Sink
	PageSize        int
	PagesPerAttempt int
	KeyPrefix       string
}

// ExportTask exports resources page by page, persisting a checkpoint after
// every page and yielding back to the host once its page budget is spent.
type ExportTask struct {
	logger          *slog.Logger
	store           Store
	source          Source
	sink            Sink
	pageSize        int
	pagesPerAttempt int
	keyPrefix       string
}

// NewExportTask creates a new export task
func NewExportTask(cfg *Config) *ExportTask {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	pagesPerAttempt := cfg.PagesPerAttempt
	if pagesPerAttempt <= 0 {
		pagesPerAttempt = defaultPagesPerAttempt
	}

	return &ExportTask{
		logger:          cfg.Logger,
		store:           cfg.Store,
		source:          cfg.Source,
		sink:            cfg.Sink,
		pageSize:        pageSize,
		pagesPerAttempt: pagesPerAttempt,
		keyPrefix:       strings.Trim(cfg.KeyPrefix, "/"),
	}
}

// Run executes the export until it finishes, fails, is canceled, or yields
// at a page boundary with a checkpoint.
func (t *ExportTask) Run(ctx context.Context, record *domain.JobRecord, etag domain.ETag) (*Outcome, error) {
	if record.IsTerminal() {
		return &Outcome{Record: record, ETag: etag}, nil
	}

	etag, err := t.start(ctx, record, etag)
	if err != nil {
		return t.resolveConflict(ctx, record, err)
	}
	if record.IsTerminal() {
		return &Outcome{Record: record, ETag: etag}, nil
	}

	query := queryFor(record)
	for pages := 0; ; pages++ {
		if ctx.Err() != nil {
			return t.cancel(ctx, record, etag)
		}

		if pages == t.pagesPerAttempt {
			t.logger.Info("Export yielding at page boundary",
				slog.String("job_id", record.ID),
				slog.Int("page", record.Progress.Page),
			)
			return &Outcome{Record: record, ETag: etag}, nil
		}

		token, sequence := "", 1
		if record.Progress != nil {
			token = record.Progress.ContinuationToken
			sequence = record.Progress.Page + 1
		}

		page, err := t.source.FetchPage(ctx, query, token, t.pageSize)
		if err != nil {
			if ctx.Err() != nil {
				return t.cancel(ctx, record, etag)
			}
			return t.fail(ctx, record, etag, fmt.Errorf("failed to read page %d: %w", sequence, err))
		}

		if err := t.writePage(ctx, record, page, sequence); err != nil {
			if ctx.Err() != nil {
				return t.cancel(ctx, record, etag)
			}
			return t.fail(ctx, record, etag, fmt.Errorf("failed to write page %d: %w", sequence, err))
		}

		if page.NextToken == "" {
			record.Complete()
			etag, err = t.save(ctx, record, etag)
			if err != nil {
				return t.resolveConflict(ctx, record, err)
			}

			t.logger.Info("Export completed",
				slog.String("job_id", record.ID),
				slog.Int("pages", sequence),
			)
			return &Outcome{Record: record, ETag: etag}, nil
		}

		record.Checkpoint(page.NextToken, sequence)
		etag, err = t.save(ctx, record, etag)
		if err != nil {
			return t.resolveConflict(ctx, record, err)
		}
	}
}

// start moves the record to running before any page is read. An existing
// record is always written with the supplied etag, so a stale copy fails with
// a version conflict before touching the source or the sink. A redelivered
// first attempt finds the record created by the earlier delivery through its
// request hash and resumes from the stored state.
func (t *ExportTask) start(ctx context.Context, record *domain.JobRecord, etag domain.ETag) (domain.ETag, error) {
	now := time.Now().UTC()
	record.Status = domain.StatusRunning
	if record.StartTime == nil {
		record.StartTime = &now
	}

	if record.ID != "" {
		return t.save(ctx, record, etag)
	}

	record.ID = uuid.NewString()
	created, err := t.store.CreateJob(ctx, record)
	if err == nil {
		t.logger.Info("Export job created",
			slog.String("job_id", record.ID),
			slog.String("export_type", string(record.ExportType)),
		)
		return created, nil
	}

	if !errors.Is(err, domain.ErrJobAlreadyExists) || record.Hash == "" {
		record.ID = ""
		return etag, fmt.Errorf("failed to create export job: %w", err)
	}

	stored, storedTag, err := t.store.GetJobByHash(ctx, record.Hash)
	if err != nil {
		return etag, fmt.Errorf("failed to load existing export job: %w", err)
	}

	t.logger.Info("Resuming existing export job",
		slog.String("job_id", stored.ID),
		slog.String("status", string(stored.Status)),
	)
	*record = *stored
	return storedTag, nil
}

// writePage writes one NDJSON file per resource type in the page
func (t *ExportTask) writePage(ctx context.Context, record *domain.JobRecord, page *Page, sequence int) error {
	byType := make(map[string]*bytes.Buffer)
	counts := make(map[string]int)
	for _, resource := range page.Resources {
		buf, ok := byType[resource.ResourceType]
		if !ok {
			buf = &bytes.Buffer{}
			byType[resource.ResourceType] = buf
		}
		buf.Write(bytes.TrimSpace(resource.Body))
		buf.WriteByte('\n')
		counts[resource.ResourceType]++
	}

	types := make([]string, 0, len(byType))
	for resourceType := range byType {
		types = append(types, resourceType)
	}
	sort.Strings(types)

	for _, resourceType := range types {
		key := t.objectKey(record.ID, resourceType, sequence)
		url, err := t.sink.PutObject(ctx, key, byType[resourceType].Bytes(), ndjsonContentType)
		if err != nil {
			return err
		}

		record.AddOutput(domain.ExportFileInfo{
			Type:     resourceType,
			URL:      url,
			Sequence: sequence,
			Count:    counts[resourceType],
		})
	}

	return nil
}

func (t *ExportTask) objectKey(jobID, resourceType string, sequence int) string {
	key := fmt.Sprintf("%s/%s-%d.ndjson", jobID, resourceType, sequence)
	if t.keyPrefix == "" {
		return key
	}
	return t.keyPrefix + "/" + key
}

// save persists the record and returns the new concurrency token
func (t *ExportTask) save(ctx context.Context, record *domain.JobRecord, etag domain.ETag) (domain.ETag, error) {
	next, err := t.store.UpdateJob(ctx, record, etag)
	if err != nil {
		return etag, err
	}
	return next, nil
}

func (t *ExportTask) fail(ctx context.Context, record *domain.JobRecord, etag domain.ETag, cause error) (*Outcome, error) {
	t.logger.Error("Export failed",
		slog.String("job_id", record.ID),
		slog.String("error", cause.Error()),
	)

	record.Fail(cause.Error(), http.StatusInternalServerError)
	etag, err := t.save(ctx, record, etag)
	if err != nil {
		return t.resolveConflict(ctx, record, err)
	}
	return &Outcome{Record: record, ETag: etag}, nil
}

func (t *ExportTask) cancel(ctx context.Context, record *domain.JobRecord, etag domain.ETag) (*Outcome, error) {
	t.logger.Info("Export canceled",
		slog.String("job_id", record.ID),
		slog.String("reason", context.Cause(ctx).Error()),
	)

	record.Cancel()
	etag, err := t.save(context.WithoutCancel(ctx), record, etag)
	if err != nil {
		return t.resolveConflict(context.WithoutCancel(ctx), record, err)
	}
	return &Outcome{Record: record, ETag: etag}, nil
}

// resolveConflict handles a failed persist. On a version conflict another
// writer owns the newer state (an API cancel, or a redelivered copy of this
// attempt), so the task adopts the stored record and reports it.
func (t *ExportTask) resolveConflict(ctx context.Context, record *domain.JobRecord, err error) (*Outcome, error) {
	if !errors.Is(err, domain.ErrConcurrencyConflict) || record.ID == "" {
		return nil, err
	}

	stored, etag, getErr := t.store.GetJob(ctx, record.ID)
	if getErr != nil {
		return nil, fmt.Errorf("%w (reload failed: %v)", err, getErr)
	}

	t.logger.Warn("Export job changed concurrently, adopting stored state",
		slog.String("job_id", record.ID),
		slog.String("stored_status", string(stored.Status)),
		slog.Int64("stored_version", stored.Version),
	)
	*record = *stored
	return &Outcome{Record: record, ETag: etag}, nil
}

func queryFor(record *domain.JobRecord) Query {
	query := Query{
		ExportType:     record.ExportType,
		Since:          record.Since,
		PatientGroupID: record.PatientGroupID,
	}

	for _, resourceType := range strings.Split(record.ResourceType, ",") {
		if resourceType = strings.TrimSpace(resourceType); resourceType != "" {
			query.ResourceTypes = append(query.ResourceTypes, resourceType)
		}
	}

	return query
}
