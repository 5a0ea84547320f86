package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"leadpipe/internal/models"
	"leadpipe/internal/queue"
	"leadpipe/internal/status"
	"leadpipe/internal/store"
)

type fakeObjects struct {
	data    map[string][]byte
	getErr  error
	putErr  error
	putKeys []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{data: map[string][]byte{}}
}

func (f *fakeObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.data[key]
	if !ok {
		return nil, errors.New("no such object: " + key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjects) Put(_ context.Context, key string, data []byte, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.data[key] = append([]byte(nil), data...)
	f.putKeys = append(f.putKeys, key)
	return nil
}

type fakeDispatcher struct {
	sent    []*queue.BatchMessage
	sendErr error
}

func (f *fakeDispatcher) SendBatchMessage(_ context.Context, msg *queue.BatchMessage) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeStandardizer struct {
	err error
}

func (f *fakeStandardizer) Standardize(_ context.Context, uploadID string, rows []models.RawLead) ([]models.Lead, error) {
	if f.err != nil {
		return nil, f.err
	}
	leads := make([]models.Lead, len(rows))
	for i, row := range rows {
		leads[i] = models.Lead{UploadID: uploadID, Email: row["email"]}
	}
	return leads, nil
}

type fakeLeadWriter struct {
	upserted []models.Lead
	err      error
}

func (f *fakeLeadWriter) UpsertBatch(_ context.Context, batch []models.Lead) (int, int, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	f.upserted = append(f.upserted, batch...)
	return len(batch), 0, nil
}

type fakeCancels struct {
	cancelled map[string]bool
	err       error
}

func (f *fakeCancels) IsCancelled(_ context.Context, uploadID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.cancelled[uploadID], nil
}

func newStatusService(t *testing.T) (*status.Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return status.NewService(st, zaptest.NewLogger(t), 24*time.Hour), st
}

func batchKey(uploadID string, batchIndex int) string {
	return fmt.Sprintf("%s/batches/%d", uploadID, batchIndex)
}

func createUpload(t *testing.T, svc *status.Service, uploadID string) {
	t.Helper()
	_, err := svc.Create(context.Background(), uploadID, "leads.csv", 1024)
	require.NoError(t, err)
}

func leadCSV(count int) []byte {
	var b strings.Builder
	b.WriteString("email,company\n")
	for i := 0; i < count; i++ {
		fmt.Fprintf(&b, "lead%d@example.com,Acme\n", i)
	}
	return []byte(b.String())
}

func TestHandleFileSplitsAndDispatches(t *testing.T) {
	svc, _ := newStatusService(t)
	objects := newFakeObjects()
	dispatcher := &fakeDispatcher{}
	ingestor := NewIngestor(svc, objects, dispatcher, batchKey, 4, zaptest.NewLogger(t))
	ctx := context.Background()

	createUpload(t, svc, "upload-1")
	objects.data["uploads/upload-1/leads.csv"] = leadCSV(10)

	err := ingestor.HandleFile(ctx, &queue.FileMessage{
		UploadID:  "upload-1",
		ObjectKey: "uploads/upload-1/leads.csv",
	})
	require.NoError(t, err)

	// 10 rows at batch size 4 makes 3 batches.
	require.Len(t, dispatcher.sent, 3)
	assert.Equal(t, 4, dispatcher.sent[0].LeadCount)
	assert.Equal(t, 2, dispatcher.sent[2].LeadCount)
	assert.Equal(t, "upload-1/batches/0", dispatcher.sent[0].ObjectKey)

	record, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, record.Status)
	assert.Equal(t, models.StageBatchProcessing, record.Stage)
	assert.Equal(t, 3, record.Progress.TotalBatches)
	assert.Equal(t, 10, record.Progress.TotalLeads)

	// Every payload object was written before dispatch.
	for _, msg := range dispatcher.sent {
		_, ok := objects.data[msg.ObjectKey]
		assert.True(t, ok, msg.ObjectKey)
	}
}

func TestHandleFileEmptyUploadCompletes(t *testing.T) {
	svc, _ := newStatusService(t)
	objects := newFakeObjects()
	dispatcher := &fakeDispatcher{}
	ingestor := NewIngestor(svc, objects, dispatcher, batchKey, 4, zaptest.NewLogger(t))
	ctx := context.Background()

	createUpload(t, svc, "upload-1")
	objects.data["uploads/upload-1/leads.csv"] = []byte("email,company\n")

	err := ingestor.HandleFile(ctx, &queue.FileMessage{
		UploadID:  "upload-1",
		ObjectKey: "uploads/upload-1/leads.csv",
	})
	require.NoError(t, err)
	assert.Empty(t, dispatcher.sent)

	record, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, record.Status)
	assert.Equal(t, 0, record.Progress.TotalLeads)
}

func TestHandleFileUnreadableObject(t *testing.T) {
	svc, _ := newStatusService(t)
	objects := newFakeObjects()
	ingestor := NewIngestor(svc, objects, &fakeDispatcher{}, batchKey, 4, zaptest.NewLogger(t))
	ctx := context.Background()

	createUpload(t, svc, "upload-1")

	// Missing object: the failure lands on the status record, not the queue.
	err := ingestor.HandleFile(ctx, &queue.FileMessage{
		UploadID:  "upload-1",
		ObjectKey: "uploads/upload-1/leads.csv",
	})
	require.NoError(t, err)

	record, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, record.Status)
	require.NotNil(t, record.Error)
	assert.Equal(t, "PARSE_ERROR", record.Error.Code)
	assert.False(t, record.Error.Recoverable)
}

func TestHandleFileDispatchFailure(t *testing.T) {
	svc, _ := newStatusService(t)
	objects := newFakeObjects()
	dispatcher := &fakeDispatcher{sendErr: errors.New("broker gone")}
	ingestor := NewIngestor(svc, objects, dispatcher, batchKey, 4, zaptest.NewLogger(t))
	ctx := context.Background()

	createUpload(t, svc, "upload-1")
	objects.data["uploads/upload-1/leads.csv"] = leadCSV(5)

	err := ingestor.HandleFile(ctx, &queue.FileMessage{
		UploadID:  "upload-1",
		ObjectKey: "uploads/upload-1/leads.csv",
	})
	require.NoError(t, err)

	record, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, record.Status)
	require.NotNil(t, record.Error)
	assert.Equal(t, "DISPATCH_ERROR", record.Error.Code)
	assert.True(t, record.Error.Recoverable)
}

func TestHandleFileDrainsCancelledUpload(t *testing.T) {
	svc, _ := newStatusService(t)
	objects := newFakeObjects()
	dispatcher := &fakeDispatcher{}
	ingestor := NewIngestor(svc, objects, dispatcher, batchKey, 4, zaptest.NewLogger(t))
	ctx := context.Background()

	createUpload(t, svc, "upload-1")
	objects.data["uploads/upload-1/leads.csv"] = leadCSV(10)
	cancelled, err := svc.Cancel(ctx, "upload-1", "user changed their mind")
	require.NoError(t, err)

	// The file message arrives after the cancellation. It must be acked
	// without resurrecting the record or dispatching any batch.
	err = ingestor.HandleFile(ctx, &queue.FileMessage{
		UploadID:  "upload-1",
		ObjectKey: "uploads/upload-1/leads.csv",
	})
	require.NoError(t, err)
	assert.Empty(t, dispatcher.sent)

	record, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, record.Status)
	assert.Equal(t, models.StageCancelled, record.Stage)
	assert.Equal(t, cancelled.Metadata.CancellationReason, record.Metadata.CancellationReason)
	assert.Equal(t, 0, record.Progress.TotalBatches)
}

func TestHandleFileDrainsCompletedUpload(t *testing.T) {
	svc, _ := newStatusService(t)
	objects := newFakeObjects()
	dispatcher := &fakeDispatcher{}
	ingestor := NewIngestor(svc, objects, dispatcher, batchKey, 4, zaptest.NewLogger(t))
	ctx := context.Background()

	createUpload(t, svc, "upload-1")
	objects.data["uploads/upload-1/leads.csv"] = leadCSV(10)
	_, err := svc.Complete(ctx, "upload-1", 10, 10, 0)
	require.NoError(t, err)

	// A redelivered file message against a finished upload is a no-op.
	err = ingestor.HandleFile(ctx, &queue.FileMessage{
		UploadID:  "upload-1",
		ObjectKey: "uploads/upload-1/leads.csv",
	})
	require.NoError(t, err)
	assert.Empty(t, dispatcher.sent)

	record, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, record.Status)
}

func TestHandleFileRetryResetsCounters(t *testing.T) {
	svc, _ := newStatusService(t)
	objects := newFakeObjects()
	dispatcher := &fakeDispatcher{}
	ingestor := NewIngestor(svc, objects, dispatcher, batchKey, 4, zaptest.NewLogger(t))
	ctx := context.Background()

	createUpload(t, svc, "upload-1")
	objects.data["uploads/upload-1/leads.csv"] = leadCSV(10)

	msg := &queue.FileMessage{UploadID: "upload-1", ObjectKey: "uploads/upload-1/leads.csv"}
	require.NoError(t, ingestor.HandleFile(ctx, msg))

	// Two batches complete, then the pipeline fails and is retried.
	for i := 0; i < 2; i++ {
		_, err := svc.IncrementBatchCompletion(ctx, "upload-1", status.BatchOutcome{LeadsProcessed: 4})
		require.NoError(t, err)
	}
	_, err := svc.SetError(ctx, "upload-1", "standardizer down", "STANDARDIZE_ERROR", true, 30)
	require.NoError(t, err)
	_, err = svc.RecoverFromError(ctx, "upload-1", "manual retry")
	require.NoError(t, err)

	require.NoError(t, ingestor.HandleFile(ctx, msg))

	record, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, 3, record.Progress.TotalBatches)
	assert.Equal(t, 0, record.Progress.CompletedBatches)
	assert.Equal(t, 0, record.Progress.ProcessedLeads)
}

func newBatchProcessor(t *testing.T, svc *status.Service, objects *fakeObjects, writer *fakeLeadWriter, cancels *fakeCancels) *BatchProcessor {
	t.Helper()
	return NewBatchProcessor(svc, objects, &fakeStandardizer{}, writer, cancels, zaptest.NewLogger(t))
}

func seedBatches(t *testing.T, svc *status.Service, objects *fakeObjects, uploadID string, totalBatches, perBatch int) {
	t.Helper()
	ctx := context.Background()

	createUpload(t, svc, uploadID)
	processing := models.StatusProcessing
	stage := models.StageBatchProcessing
	total := totalBatches
	totalLeads := totalBatches * perBatch
	_, err := svc.Update(ctx, uploadID, status.UpdateInput{
		Status:       &processing,
		Stage:        &stage,
		TotalBatches: &total,
		TotalLeads:   &totalLeads,
	})
	require.NoError(t, err)

	for i := 0; i < totalBatches; i++ {
		objects.data[batchKey(uploadID, i)] = leadCSV(perBatch)
	}
}

func TestHandleBatchProcessesAndFinalizes(t *testing.T) {
	svc, _ := newStatusService(t)
	objects := newFakeObjects()
	writer := &fakeLeadWriter{}
	cancels := &fakeCancels{cancelled: map[string]bool{}}
	processor := newBatchProcessor(t, svc, objects, writer, cancels)
	ctx := context.Background()

	seedBatches(t, svc, objects, "upload-1", 2, 5)

	for i := 0; i < 2; i++ {
		err := processor.HandleBatch(ctx, &queue.BatchMessage{
			UploadID:   "upload-1",
			BatchIndex: i,
			ObjectKey:  batchKey("upload-1", i),
			LeadCount:  5,
		})
		require.NoError(t, err)
	}

	assert.Len(t, writer.upserted, 10)

	record, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, record.Status)
	assert.Equal(t, 2, record.Progress.CompletedBatches)
	assert.Equal(t, 10, record.Progress.ProcessedLeads)
	assert.Equal(t, 10, record.Progress.CreatedLeads)
}

func TestHandleBatchDrainsCancelledUpload(t *testing.T) {
	svc, _ := newStatusService(t)
	objects := newFakeObjects()
	writer := &fakeLeadWriter{}
	cancels := &fakeCancels{cancelled: map[string]bool{"upload-1": true}}
	processor := newBatchProcessor(t, svc, objects, writer, cancels)
	ctx := context.Background()

	seedBatches(t, svc, objects, "upload-1", 2, 5)

	err := processor.HandleBatch(ctx, &queue.BatchMessage{
		UploadID:  "upload-1",
		ObjectKey: batchKey("upload-1", 0),
	})
	require.NoError(t, err)
	assert.Empty(t, writer.upserted)

	record, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, 0, record.Progress.CompletedBatches)
}

func TestHandleBatchDrainsOnCancelledStatus(t *testing.T) {
	// The marker lookup fails; the status record still stops the batch.
	svc, _ := newStatusService(t)
	objects := newFakeObjects()
	writer := &fakeLeadWriter{}
	cancels := &fakeCancels{err: errors.New("redis down")}
	processor := newBatchProcessor(t, svc, objects, writer, cancels)
	ctx := context.Background()

	seedBatches(t, svc, objects, "upload-1", 2, 5)
	_, err := svc.Cancel(ctx, "upload-1", "")
	require.NoError(t, err)

	err = processor.HandleBatch(ctx, &queue.BatchMessage{
		UploadID:  "upload-1",
		ObjectKey: batchKey("upload-1", 0),
	})
	require.NoError(t, err)
	assert.Empty(t, writer.upserted)
}

func TestHandleBatchStandardizeFailure(t *testing.T) {
	svc, _ := newStatusService(t)
	objects := newFakeObjects()
	writer := &fakeLeadWriter{}
	cancels := &fakeCancels{cancelled: map[string]bool{}}
	processor := NewBatchProcessor(svc, objects, &fakeStandardizer{err: errors.New("503")}, writer, cancels, zaptest.NewLogger(t))
	ctx := context.Background()

	seedBatches(t, svc, objects, "upload-1", 2, 5)

	err := processor.HandleBatch(ctx, &queue.BatchMessage{
		UploadID:  "upload-1",
		ObjectKey: batchKey("upload-1", 0),
	})
	require.NoError(t, err)
	assert.Empty(t, writer.upserted)

	record, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, record.Status)
	require.NotNil(t, record.Error)
	assert.Equal(t, "STANDARDIZE_ERROR", record.Error.Code)
	assert.True(t, record.Error.Recoverable)
	assert.Equal(t, 30, record.Error.RetryAfter)
	// The batch was not counted.
	assert.Equal(t, 0, record.Progress.CompletedBatches)
}

func TestHandleBatchLeadStoreFailure(t *testing.T) {
	svc, _ := newStatusService(t)
	objects := newFakeObjects()
	writer := &fakeLeadWriter{err: errors.New("deadlock detected")}
	cancels := &fakeCancels{cancelled: map[string]bool{}}
	processor := newBatchProcessor(t, svc, objects, writer, cancels)
	ctx := context.Background()

	seedBatches(t, svc, objects, "upload-1", 2, 5)

	err := processor.HandleBatch(ctx, &queue.BatchMessage{
		UploadID:  "upload-1",
		ObjectKey: batchKey("upload-1", 0),
	})
	require.NoError(t, err)

	record, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, record.Status)
	require.NotNil(t, record.Error)
	assert.Equal(t, "LEAD_STORE_ERROR", record.Error.Code)
}

func TestHandleBatchMissingPayload(t *testing.T) {
	svc, _ := newStatusService(t)
	objects := newFakeObjects()
	writer := &fakeLeadWriter{}
	cancels := &fakeCancels{cancelled: map[string]bool{}}
	processor := newBatchProcessor(t, svc, objects, writer, cancels)
	ctx := context.Background()

	seedBatches(t, svc, objects, "upload-1", 1, 5)
	delete(objects.data, batchKey("upload-1", 0))

	err := processor.HandleBatch(ctx, &queue.BatchMessage{
		UploadID:  "upload-1",
		ObjectKey: batchKey("upload-1", 0),
	})
	require.NoError(t, err)

	record, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, "BATCH_READ_ERROR", record.Error.Code)
}

func TestHandleBatchUnknownUpload(t *testing.T) {
	svc, _ := newStatusService(t)
	objects := newFakeObjects()
	processor := newBatchProcessor(t, svc, objects, &fakeLeadWriter{}, &fakeCancels{cancelled: map[string]bool{}})

	// No status record at all: the error goes back to the queue for retry
	// instead of being swallowed.
	err := processor.HandleBatch(context.Background(), &queue.BatchMessage{
		UploadID:  "upload-9",
		ObjectKey: batchKey("upload-9", 0),
	})
	assert.Error(t, err)
}
