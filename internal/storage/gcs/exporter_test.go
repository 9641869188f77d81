package gcs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/horizon/internal/horizon"
)

// fakeGCS accepts multipart uploads and records object names and bodies.
type fakeGCS struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/related" {
		http.Error(w, "unexpected upload", http.StatusBadRequest)
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	metaPart, err := mr.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var meta struct {
		Name   string `json:"name"`
		Bucket string `json:"bucket"`
	}
	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dataPart, err := mr.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(dataPart)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.objects[meta.Name] = body
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"name": meta.Name, "bucket": meta.Bucket, "size": len(body)})
}

func newExporter(t *testing.T, prefix string) (*SnapshotExporter, *fakeGCS) {
	t.Helper()
	fake := &fakeGCS{objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	exp, err := New(client, Config{Bucket: "horizon-snapshots", Prefix: prefix})
	require.NoError(t, err)
	return exp, fake
}

func TestArchiveSnapshotsUploadsPerPeriod(t *testing.T) {
	t.Parallel()

	exp, fake := newExporter(t, "/prod/")
	p1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p2 := p1.Add(5 * time.Minute)
	err := exp.ArchiveSnapshots(context.Background(), []horizon.Snapshot{
		{Queue: "default", PeriodStart: p1, Processed: 3},
		{Queue: "mail", PeriodStart: p1, Processed: 1},
		{Queue: "default", PeriodStart: p2, Processed: 7},
	})
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.objects, 2)
	first := fake.objects["prod/2026/03/01/120000.ndjson"]
	require.NotNil(t, first)

	var queues []string
	sc := bufio.NewScanner(bytes.NewReader(first))
	for sc.Scan() {
		var snap horizon.Snapshot
		require.NoError(t, json.Unmarshal(sc.Bytes(), &snap))
		queues = append(queues, snap.Queue)
	}
	require.Equal(t, []string{"default", "mail"}, queues)
	require.Contains(t, fake.objects, "prod/2026/03/01/120500.ndjson")
}

func TestObjectPathWithoutPrefix(t *testing.T) {
	t.Parallel()

	exp := &SnapshotExporter{bucket: "b"}
	require.Equal(t, "2026/03/01/120000.ndjson", exp.ObjectPath(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)
}
