package ingest

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/serviceability-scanner/internal/errors"
	"github.com/serviceability-scanner/internal/logging"
	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/progress"
)

// DefaultBatchSize is the number of addresses inserted per transaction
const DefaultBatchSize = 1000

// SourceStore persists sources
type SourceStore interface {
	Create(ctx context.Context, source *models.Source) error
	UpdateAddressCount(ctx context.Context, id string, count int) error
}

// AddressStore bulk inserts addresses
type AddressStore interface {
	InsertBatch(ctx context.Context, addresses []*models.Address) (int64, error)
}

// Input describes one upload. Body is read twice: once to count features, once to insert them.
type Input struct {
	Name     string
	FileName string
	Body     io.ReadSeeker
}

// Result summarizes an ingestion
type Result struct {
	SourceID     string `json:"sourceId"`
	AddressCount int    `json:"addressCount"`
	Skipped      int    `json:"skipped"`
}

// Pipeline ingests GeoJSON uploads into sources and addresses
type Pipeline struct {
	sources   SourceStore
	addresses AddressStore
	batchSize int
	now       func() time.Time
}

// NewPipeline creates an ingestion pipeline
func NewPipeline(sources SourceStore, addresses AddressStore, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Pipeline{
		sources:   sources,
		addresses: addresses,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run ingests in.Body and reports progress to sink. It always ends with a complete or an
// error event unless sink itself fails. Batches committed before a failure are kept.
func (p *Pipeline) Run(ctx context.Context, in Input, sink progress.Sink) (*Result, error) {
	r := &run{p: p, sink: sink, result: &Result{}}
	err := r.execute(ctx, in)
	if err != nil && !r.sinkFailed {
		if emitErr := r.emit(progress.Event{Type: progress.EventError, Error: ErrorMessage(err)}); emitErr != nil {
			logging.FromContext(ctx).WithError(emitErr).Warn("Failed to deliver ingestion error event")
		}
	}
	return r.result, err
}

type run struct {
	p          *Pipeline
	sink       progress.Sink
	result     *Result
	sinkFailed bool
}

func (r *run) emit(ev progress.Event) error {
	ev.Pipeline = progress.PipelineIngest
	if err := r.sink.Emit(ev); err != nil {
		r.sinkFailed = true
		return err
	}
	return nil
}

func (r *run) execute(ctx context.Context, in Input) error {
	total, err := CountFeatures(in.Body)
	if err != nil {
		return err
	}
	if _, err := in.Body.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind upload: %w", err)
	}

	source := &models.Source{
		ID:         uuid.NewString(),
		Name:       in.Name,
		FileName:   in.FileName,
		UploadedAt: r.p.now().UTC(),
	}
	if err := r.p.sources.Create(ctx, source); err != nil {
		return errors.NewDatabaseError("create source", err)
	}
	r.result.SourceID = source.ID

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"sourceId": source.ID,
		"total":    total,
	})
	logger.Info("Ingestion started")

	if err := r.emit(progress.Event{Type: progress.EventStart, Total: total}); err != nil {
		return err
	}
	if err := r.emit(progress.Event{Type: progress.EventSourceCreated, SourceID: source.ID}); err != nil {
		return err
	}

	reader := NewFeatureReader(in.Body)
	batch := make([]*models.Address, 0, r.p.batchSize)
	reported := -1

	flush := func() error {
		if len(batch) > 0 {
			n, err := r.p.addresses.InsertBatch(ctx, batch)
			if err != nil {
				return errors.NewDatabaseError("insert addresses", err)
			}
			r.result.AddressCount += int(n)
			batch = batch[:0]
		}

		done := r.result.AddressCount + r.result.Skipped
		if done == reported {
			return nil
		}
		reported = done
		return r.emit(progress.Event{
			Type:     progress.EventProgress,
			Inserted: r.result.AddressCount,
			Skipped:  r.result.Skipped,
			Total:    total,
			Progress: progress.Percent(done, total),
		})
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		f, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// keep what was parsed before the malformed feature
			if flushErr := flush(); flushErr != nil {
				logger.WithError(flushErr).Warn("Failed to flush batch before parse error")
			}
			r.fixCount(ctx, source.ID)
			return err
		}

		addr, ok := Normalize(source.ID, f)
		if !ok {
			r.result.Skipped++
			continue
		}
		batch = append(batch, addr)

		if len(batch) >= r.p.batchSize {
			if err := flush(); err != nil {
				r.fixCount(ctx, source.ID)
				return err
			}
		}
	}

	if err := flush(); err != nil {
		r.fixCount(ctx, source.ID)
		return err
	}

	if err := r.p.sources.UpdateAddressCount(ctx, source.ID, r.result.AddressCount); err != nil {
		return errors.NewDatabaseError("update source address count", err)
	}

	logger.WithFields(map[string]interface{}{
		"addressCount": r.result.AddressCount,
		"skipped":      r.result.Skipped,
	}).Info("Ingestion complete")

	return r.emit(progress.Event{
		Type:         progress.EventComplete,
		SourceID:     source.ID,
		AddressCount: r.result.AddressCount,
		Skipped:      r.result.Skipped,
	})
}

// fixCount records the committed rows of a partial ingestion
func (r *run) fixCount(ctx context.Context, sourceID string) {
	if r.result.AddressCount == 0 {
		return
	}
	if err := r.p.sources.UpdateAddressCount(context.WithoutCancel(ctx), sourceID, r.result.AddressCount); err != nil {
		logging.FromContext(ctx).WithField("sourceId", sourceID).WithError(err).Warn("Failed to record partial address count")
	}
}

// ErrorMessage renders err the way the "error" event reports it
func ErrorMessage(err error) string {
	var ce *errors.CategorizedError
	if stderrors.As(err, &ce) {
		if ce.Cause != nil && ce.Category == errors.CategoryParse {
			return fmt.Sprintf("%s: %v", ce.Message, ce.Cause)
		}
		return ce.Message
	}
	return err.Error()
}
