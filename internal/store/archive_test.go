package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"quantbar/internal/config"
	"quantbar/internal/domain"
)

func TestParquetArchiveRoundTrip(t *testing.T) {
	a := NewParquetArchive(t.TempDir())

	t0 := time.Date(2018, 12, 31, 14, 59, 0, 0, time.UTC)
	bars := []domain.Bar{
		testBar("rb1901.SHF", t0, 100),
		testBar("rb1901.SHF", t0.Add(time.Minute), 101),
		testBar("rb1901.SHF", t0.Add(24*time.Hour), 102),
	}
	bars[0].OpenInterest = 1234

	paths, err := a.WriteBars("rb1901.SHF", bars)
	if err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("WriteBars wrote %d files, want one per year", len(paths))
	}
	rel, err := a.RelPath(paths[0])
	if err != nil || rel != filepath.Join("rb1901:SHF", "2018.parquet") {
		t.Errorf("RelPath = %q, %v", rel, err)
	}

	// Merging keeps the existing record for a repeated timestamp.
	if _, err := a.WriteBars("rb1901.SHF", []domain.Bar{testBar("rb1901.SHF", t0, 999)}); err != nil {
		t.Fatal(err)
	}

	got, err := a.ReadBars("rb1901.SHF", t0, t0.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ReadBars returned %d bars, want 3", len(got))
	}
	if got[0].Close != 100 || got[0].OpenInterest != 1234 {
		t.Errorf("first bar = %+v", got[0])
	}
	if !got[2].Datetime.Equal(t0.Add(24 * time.Hour)) {
		t.Errorf("last bar datetime = %v", got[2].Datetime)
	}

	symbols, err := a.ListSymbols()
	if err != nil || len(symbols) != 1 || symbols[0] != "rb1901:SHF" {
		t.Errorf("ListSymbols = %v, %v", symbols, err)
	}
}

func TestParquetArchiveMissingSymbol(t *testing.T) {
	a := NewParquetArchive(t.TempDir())
	got, err := a.ReadBars("none.X", time.Now().Add(-time.Hour), time.Now())
	if err != nil || len(got) != 0 {
		t.Errorf("ReadBars on empty archive = %v, %v", got, err)
	}
	if paths, err := a.WriteBars("none.X", nil); err != nil || paths != nil {
		t.Errorf("WriteBars(nil) = %v, %v", paths, err)
	}
}

type fakePutter struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.keys = append(f.keys, *in.Bucket+"/"+*in.Key)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Upload(t *testing.T) {
	local := filepath.Join(t.TempDir(), "2018.parquet")
	if err := os.WriteFile(local, []byte("PAR1"), 0o644); err != nil {
		t.Fatal(err)
	}

	fp := &fakePutter{}
	u := newS3Uploader(fp, "bars", "minute")
	if err := u.Upload(context.Background(), local, "rb1901:SHF/2018.parquet"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(fp.keys) != 1 || fp.keys[0] != "bars/minute/rb1901:SHF/2018.parquet" {
		t.Errorf("uploaded keys = %v", fp.keys)
	}
	if string(fp.bodies[0]) != "PAR1" {
		t.Errorf("uploaded body = %q", fp.bodies[0])
	}

	fp.err = errors.New("access denied")
	if err := u.Upload(context.Background(), local, "x"); err == nil {
		t.Error("expected upload error")
	}
	if err := u.Upload(context.Background(), filepath.Join(t.TempDir(), "missing"), "x"); err == nil {
		t.Error("expected error for missing local file")
	}
}

func TestNewS3UploaderRequiresBucket(t *testing.T) {
	if _, err := NewS3Uploader(context.Background(), config.S3{}); err == nil {
		t.Error("expected error without bucket")
	}
}

// TestMongoBackend runs against a live server when QUANTBAR_TEST_MONGO_URI is
// set.
func TestMongoBackend(t *testing.T) {
	uri := os.Getenv("QUANTBAR_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("QUANTBAR_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	suffix := time.Now().Format("150405")
	ms, err := NewMongoStore(ctx, config.Mongo{URI: uri, BarDB: "quantbar_test_bars_" + suffix, LogDB: "quantbar_test_log_" + suffix})
	if err != nil {
		t.Fatalf("NewMongoStore: %v", err)
	}
	defer ms.Close()

	b, err := ms.Backend(ctx, "cnfut")
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := b.Missions.CreateMission(ctx, "rb1901.SHF", 20181008); err != nil || !ok {
		t.Fatalf("CreateMission = %v, %v", ok, err)
	}
	if ok, _ := b.Missions.CreateMission(ctx, "rb1901.SHF", 20181008); ok {
		t.Error("duplicate CreateMission reported new")
	}

	if err := b.Bars.CreateTable(ctx, "rb1901.SHF"); err != nil {
		t.Fatal(err)
	}
	t0 := time.Date(2018, 10, 8, 9, 0, 0, 0, cst)
	n, err := b.Bars.Write(ctx, "rb1901.SHF", []domain.Bar{testBar("rb1901.SHF", t0, 1), testBar("rb1901.SHF", t0, 2)})
	if err != nil || n != 1 {
		t.Errorf("Write = %d, %v; want 1", n, err)
	}
	if c, _ := b.Bars.Count(ctx, "rb1901.SHF", 20181008); c != 1 {
		t.Errorf("Count = %d", c)
	}
}
