package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/minio/minio-go/v7"
)

type fakePutter struct {
	bucket string
	object string
	body   []byte
	opts   minio.PutObjectOptions
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return minio.UploadInfo{}, err
	}
	if int64(buf.Len()) != size {
		return minio.UploadInfo{}, errors.New("size mismatch")
	}
	f.bucket, f.object, f.body, f.opts = bucket, object, buf.Bytes(), opts
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func TestMinioStoreWritesJSONReport(t *testing.T) {
	putter := &fakePutter{}
	store, err := NewMinioStore(putter, "reports")
	if err != nil {
		t.Fatalf("NewMinioStore() err=%v", err)
	}

	report := domain.Report{
		ExecutionID:        "exec-1",
		WorkloadName:       "web-recon",
		Status:             domain.StatusFailed,
		Error:              &domain.ExecutionError{Code: domain.CodeReconciliationIncomplete, Message: "2 resources remain", RemainingResources: 2},
		FinishedAt:         time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC),
		ResourcesRemaining: 2,
	}
	if err := store.StoreReport(context.Background(), report); err != nil {
		t.Fatalf("StoreReport() err=%v", err)
	}
	if putter.bucket != "reports" || putter.object != "reports/2026/03/exec-1.json" {
		t.Fatalf("bucket=%q object=%q", putter.bucket, putter.object)
	}
	if putter.opts.ContentType != "application/json" {
		t.Fatalf("ContentType=%q", putter.opts.ContentType)
	}

	var decoded domain.Report
	if err := json.Unmarshal(putter.body, &decoded); err != nil {
		t.Fatalf("unmarshal report err=%v", err)
	}
	if decoded.Error == nil || decoded.Error.RemainingResources != 2 {
		t.Fatalf("decoded=%+v", decoded)
	}
}

func TestMinioStoreErrors(t *testing.T) {
	if _, err := NewMinioStore(nil, "reports"); err == nil {
		t.Fatalf("NewMinioStore(nil) expected error")
	}

	store, err := NewMinioStore(&fakePutter{err: errors.New("503 slow down")}, "reports")
	if err != nil {
		t.Fatalf("NewMinioStore() err=%v", err)
	}
	err = store.StoreReport(context.Background(), domain.Report{ExecutionID: "exec-1"})
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("StoreReport() err=%v, want transient", err)
	}
	if err := store.StoreReport(context.Background(), domain.Report{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("StoreReport() err=%v, want validation", err)
	}
}
