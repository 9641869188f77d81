// Package gcs exports committed snapshots to Google Cloud Storage as JSON objects.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/horizon/internal/horizon"
)

const contentType = "application/x-ndjson"

// Config captures the parameters required to export to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// SnapshotExporter writes one newline-delimited JSON object per snapshot batch.
type SnapshotExporter struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed snapshot exporter.
func New(client *storage.Client, cfg Config) (*SnapshotExporter, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &SnapshotExporter{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Name identifies the archive in logs.
func (e *SnapshotExporter) Name() string { return "gcs" }

// ObjectPath returns the object name for a batch committed for period.
func (e *SnapshotExporter) ObjectPath(period time.Time) string {
	name := period.UTC().Format("2006/01/02/150405") + ".ndjson"
	if e.prefix == "" {
		return name
	}
	return path.Join(e.prefix, name)
}

// ArchiveSnapshots uploads snaps grouped by period.
func (e *SnapshotExporter) ArchiveSnapshots(ctx context.Context, snaps []horizon.Snapshot) error {
	byPeriod := make(map[time.Time][]horizon.Snapshot)
	var order []time.Time
	for _, s := range snaps {
		key := s.PeriodStart.UTC()
		if _, ok := byPeriod[key]; !ok {
			order = append(order, key)
		}
		byPeriod[key] = append(byPeriod[key], s)
	}
	for _, period := range order {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, s := range byPeriod[period] {
			if err := enc.Encode(s); err != nil {
				return fmt.Errorf("encode snapshot: %w", err)
			}
		}
		if _, err := e.put(ctx, e.ObjectPath(period), &buf); err != nil {
			return err
		}
	}
	return nil
}

// put uploads r and returns a gs:// URI.
func (e *SnapshotExporter) put(ctx context.Context, name string, r io.Reader) (string, error) {
	writer := e.client.Bucket(e.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = contentType
	writer.ChunkSize = 0
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", e.bucket, name), nil
}
