package export

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floatchat/floatchat/internal/artifact"
	"github.com/floatchat/floatchat/internal/ocean"
	"github.com/floatchat/floatchat/internal/storage"
)

func seededStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Now()
	require.NoError(t, store.SaveMeasurements([]ocean.Measurement{
		{FloatID: "IO_1", Parameter: ocean.Temperature, Value: 27.1, Depth: 5, Latitude: 2, Longitude: 75, Time: now.Add(-time.Hour)},
		{FloatID: "IO_1", Parameter: ocean.Salinity, Value: 34.9, Depth: 5, Latitude: 2, Longitude: 75, Time: now.Add(-time.Hour)},
		{FloatID: "AT_1", Parameter: ocean.Temperature, Value: 19.3, Depth: 5, Latitude: 30, Longitude: -40, Time: now.Add(-2 * time.Hour)},
		{FloatID: "AT_1", Parameter: ocean.Oxygen, Value: 6.1, Depth: 5, Latitude: 30, Longitude: -40, Time: now.Add(-2 * time.Hour)},
		{FloatID: "OLD", Parameter: ocean.Temperature, Value: 15.0, Depth: 5, Latitude: 2, Longitude: 75, Time: now.Add(-30 * 24 * time.Hour)},
	}))
	return store
}

func memBucket(t *testing.T) *artifact.Bucket {
	t.Helper()
	b, err := artifact.OpenBucket(context.Background(), "mem://", "exports/")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func readArtifact(t *testing.T, b *artifact.Bucket, key string) io.ReadCloser {
	t.Helper()
	r, err := b.Open(context.Background(), key)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestArtifactPipeline_CSVExport(t *testing.T) {
	store := seededStore(t)
	bucket := memBucket(t)
	tr := newTestTracker(t, NewArtifactPipeline(store, bucket, 10), Options{})
	updates, unsubscribe := tr.Subscribe(64)
	defer unsubscribe()

	id, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	seen := collect(t, updates, id)

	last := seen[len(seen)-1]
	require.Equal(t, Completed, last.Status, last.Error)
	assert.Equal(t, "exports/"+id+".csv", last.DownloadRef)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i].Progress, seen[i-1].Progress)
		assert.Zero(t, seen[i].Progress%10, "progress is step-quantized")
	}

	records, err := csv.NewReader(readArtifact(t, bucket, last.DownloadRef)).ReadAll()
	require.NoError(t, err)
	// Header plus the three temperature/salinity readings inside seven days.
	require.Len(t, records, 4)
	assert.Equal(t, "float_id", records[0][0])
	assert.Positive(t, last.SizeBytes)
}

func TestArtifactPipeline_RegionFilterAndCompression(t *testing.T) {
	store := seededStore(t)
	bucket := memBucket(t)
	tr := newTestTracker(t, NewArtifactPipeline(store, bucket, 10), Options{})

	req := csvRequest()
	req.Region = ocean.Indian
	req.Compress = true
	id, err := tr.Submit(context.Background(), req)
	require.NoError(t, err)
	job := waitTerminal(t, tr, id)
	require.Equal(t, Completed, job.Status, job.Error)
	assert.True(t, job.Compressed)
	assert.Equal(t, "exports/"+id+".csv.gz", job.DownloadRef)

	zr, err := gzip.NewReader(readArtifact(t, bucket, job.DownloadRef))
	require.NoError(t, err)
	records, err := csv.NewReader(zr).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records[1:] {
		assert.Equal(t, "IO_1", rec[0])
	}
}

func TestArtifactPipeline_EveryFormat(t *testing.T) {
	store := seededStore(t)
	bucket := memBucket(t)
	tr := newTestTracker(t, NewArtifactPipeline(store, bucket, 10), Options{})

	for _, f := range Formats() {
		req := csvRequest()
		req.Format = f
		id, err := tr.Submit(context.Background(), req)
		require.NoError(t, err)
		job := waitTerminal(t, tr, id)
		require.Equal(t, Completed, job.Status, "%s: %s", f, job.Error)
		assert.Positive(t, job.SizeBytes, f)

		readArtifact(t, bucket, job.DownloadRef)
	}
}

func TestArtifactPipeline_EvictionRemovesArtifact(t *testing.T) {
	store := seededStore(t)
	bucket := memBucket(t)
	tr := newTestTracker(t, NewArtifactPipeline(store, bucket, 10), Options{HistoryLimit: 1, Artifacts: bucket})

	first, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	j1 := waitTerminal(t, tr, first)
	require.Equal(t, Completed, j1.Status, j1.Error)
	readArtifact(t, bucket, j1.DownloadRef)

	second, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	j2 := waitTerminal(t, tr, second)
	require.Equal(t, Completed, j2.Status, j2.Error)

	_, err = tr.Get(first)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = bucket.Open(context.Background(), j1.DownloadRef)
	assert.ErrorIs(t, err, artifact.ErrNotFound)
	readArtifact(t, bucket, j2.DownloadRef)
}

type failingSource struct{}

func (failingSource) QueryMeasurements(context.Context, storage.MeasurementFilter) ([]ocean.Measurement, error) {
	return nil, errors.New("database is locked")
}

func TestArtifactPipeline_SourceFailure(t *testing.T) {
	tr := newTestTracker(t, NewArtifactPipeline(failingSource{}, memBucket(t), 10), Options{})

	id, err := tr.Submit(context.Background(), csvRequest())
	require.NoError(t, err)
	job := waitTerminal(t, tr, id)

	assert.Equal(t, Failed, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Contains(t, job.Error, "database is locked")
}
