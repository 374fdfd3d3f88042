package serialization

import (
	"context"
	"strings"
	"testing"

	"github.com/s3gwd/s3gw/internal/metadata"
)

func newTestMeta(t *testing.T) *metadata.MemoryStore {
	t.Helper()
	return metadata.NewMemoryStore()
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestMeta(t)

	if err := src.Set(ctx, 0, "bucket/bkt1", []byte("bucket-record")); err != nil {
		t.Fatalf("seeding bucket row failed: %v", err)
	}
	if err := src.Set(ctx, 3, "object/bkt1/key.txt", []byte("object-record")); err != nil {
		t.Fatalf("seeding object row failed: %v", err)
	}

	doc, err := ExportMetadata(ctx, src, 10, nil)
	if err != nil {
		t.Fatalf("ExportMetadata failed: %v", err)
	}
	if !strings.Contains(doc, "bucket/bkt1") {
		t.Fatalf("export missing expected key, got: %s", doc)
	}

	dst := newTestMeta(t)
	result, err := ImportMetadata(ctx, dst, 10, doc, nil)
	if err != nil {
		t.Fatalf("ImportMetadata failed: %v", err)
	}
	if result.Imported != 2 {
		t.Fatalf("Imported = %d, want 2", result.Imported)
	}

	val, err := dst.Get(ctx, 0, "bucket/bkt1")
	if err != nil || string(val) != "bucket-record" {
		t.Fatalf("Get(bucket/bkt1) = (%q, %v), want (\"bucket-record\", nil)", val, err)
	}
	val, err = dst.Get(ctx, 3, "object/bkt1/key.txt")
	if err != nil || string(val) != "object-record" {
		t.Fatalf("Get(object/bkt1/key.txt) = (%q, %v), want (\"object-record\", nil)", val, err)
	}
}

func TestImportReplaceClearsExistingRows(t *testing.T) {
	ctx := context.Background()
	src := newTestMeta(t)
	if err := src.Set(ctx, 0, "bucket/new", []byte("new-record")); err != nil {
		t.Fatalf("seeding source failed: %v", err)
	}
	doc, err := ExportMetadata(ctx, src, 10, nil)
	if err != nil {
		t.Fatalf("ExportMetadata failed: %v", err)
	}

	dst := newTestMeta(t)
	if err := dst.Set(ctx, 0, "bucket/stale", []byte("stale-record")); err != nil {
		t.Fatalf("seeding destination failed: %v", err)
	}

	if _, err := ImportMetadata(ctx, dst, 10, doc, &ImportOptions{Replace: true}); err != nil {
		t.Fatalf("ImportMetadata with Replace failed: %v", err)
	}

	if _, err := dst.Get(ctx, 0, "bucket/stale"); err == nil {
		t.Fatalf("expected stale row to be removed by Replace import")
	}
	val, err := dst.Get(ctx, 0, "bucket/new")
	if err != nil || string(val) != "new-record" {
		t.Fatalf("Get(bucket/new) = (%q, %v), want (\"new-record\", nil)", val, err)
	}
}

func TestExportMetadataRestrictsToPartitions(t *testing.T) {
	ctx := context.Background()
	src := newTestMeta(t)
	if err := src.Set(ctx, 0, "a", []byte("0")); err != nil {
		t.Fatalf("seeding partition 0 failed: %v", err)
	}
	if err := src.Set(ctx, 1, "b", []byte("1")); err != nil {
		t.Fatalf("seeding partition 1 failed: %v", err)
	}

	doc, err := ExportMetadata(ctx, src, 10, &ExportOptions{Partitions: []int{1}})
	if err != nil {
		t.Fatalf("ExportMetadata failed: %v", err)
	}
	if strings.Contains(doc, `"key": "a"`) {
		t.Fatalf("export unexpectedly contains partition 0 row: %s", doc)
	}
	if !strings.Contains(doc, `"key": "b"`) {
		t.Fatalf("export missing partition 1 row: %s", doc)
	}
}

func TestImportMetadataRejectsUnsupportedVersion(t *testing.T) {
	ctx := context.Background()
	dst := newTestMeta(t)
	_, err := ImportMetadata(ctx, dst, 10, `{"version": 99, "rows": []}`, nil)
	if err == nil {
		t.Fatalf("expected error for unsupported export version")
	}
}
