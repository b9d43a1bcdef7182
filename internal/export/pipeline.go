package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/floatchat/floatchat/internal/artifact"
	"github.com/floatchat/floatchat/internal/ocean"
	"github.com/floatchat/floatchat/internal/storage"
)

// MeasurementSource supplies the readings an export draws from.
type MeasurementSource interface {
	QueryMeasurements(ctx context.Context, filter storage.MeasurementFilter) ([]ocean.Measurement, error)
}

// ArtifactPipeline exports real measurements: it queries the source,
// encodes the rows in the job's format and uploads the file to a bucket.
type ArtifactPipeline struct {
	source MeasurementSource
	bucket *artifact.Bucket
	step   int
	now    func() time.Time
}

// NewArtifactPipeline creates a pipeline that reports progress in multiples
// of step (default 10).
func NewArtifactPipeline(source MeasurementSource, bucket *artifact.Bucket, step int) *ArtifactPipeline {
	if step <= 0 || step > 100 {
		step = 10
	}
	return &ArtifactPipeline{source: source, bucket: bucket, step: step, now: time.Now}
}

const uploadChunk = 32 * 1024

func (p *ArtifactPipeline) Run(ctx context.Context, job Job, report ProgressFunc) (Result, error) {
	since, err := job.TimeRange.Start(p.now())
	if err != nil {
		return Result{}, err
	}
	params := make([]string, len(job.Parameters))
	for i, prm := range job.Parameters {
		params[i] = string(prm)
	}

	ms, err := p.source.QueryMeasurements(ctx, storage.MeasurementFilter{Parameters: params, Since: since})
	if err != nil {
		return Result{}, fmt.Errorf("querying measurements: %w", err)
	}
	report(p.quantize(20))

	var inRegion []ocean.Measurement
	for _, m := range ms {
		if job.Region.Contains(m.Latitude, m.Longitude) {
			inRegion = append(inRegion, m)
		}
	}
	rows := artifact.RowsFromMeasurements(inRegion)
	report(p.quantize(40))

	enc, err := artifact.EncoderFor(string(job.Format))
	if err != nil {
		return Result{}, err
	}
	if job.Compressed {
		enc = artifact.Gzip(enc)
	}
	var buf bytes.Buffer
	if err := enc.Encode(&buf, rows); err != nil {
		return Result{}, fmt.Errorf("encoding %s: %w", job.Format, err)
	}
	report(p.quantize(60))

	key := p.bucket.Key(job.ID + enc.Extension())
	total := buf.Len()
	size, err := p.bucket.Write(ctx, key, enc.ContentType(), func(w io.Writer) error {
		data := buf.Bytes()
		for written := 0; written < total; {
			if err := ctx.Err(); err != nil {
				return err
			}
			n := min(uploadChunk, total-written)
			if _, err := w.Write(data[written : written+n]); err != nil {
				return err
			}
			written += n
			report(p.quantize(60 + 39*written/total))
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("uploading %s: %w", key, err)
	}

	return Result{DownloadRef: key, SizeBytes: size}, nil
}

// quantize rounds percent down to a multiple of the step.
func (p *ArtifactPipeline) quantize(percent int) int {
	return percent / p.step * p.step
}
