// Package storage exports finished call transcripts to local disk or GCS.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
	"github.com/ClareAI/astra-dispatch-service/pkg/gcs"
	"github.com/ClareAI/astra-dispatch-service/pkg/logger"
	"go.uber.org/zap"
)

// StorageType represents the type of storage backend
type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeGCS   StorageType = "gcs"
)

// Backend stores one object
type Backend interface {
	Put(ctx context.Context, objectPath, contentType string, content io.Reader) (string, error)
	Close() error
}

// localBackend writes objects under a directory
type localBackend struct {
	root string
}

func (b *localBackend) Put(_ context.Context, objectPath, _ string, content io.Reader) (string, error) {
	path := filepath.Join(b.root, filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(f, content); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func (b *localBackend) Close() error { return nil }

type gcsBackend struct {
	client *gcs.GCSClient
}

func (b *gcsBackend) Put(ctx context.Context, objectPath, contentType string, content io.Reader) (string, error) {
	return b.client.Upload(ctx, objectPath, contentType, content)
}

func (b *gcsBackend) Close() error { return b.client.Close() }

// NewBackend opens a local directory or a GCS bucket named by path
func NewBackend(ctx context.Context, storageType StorageType, path string) (Backend, error) {
	switch storageType {
	case StorageTypeGCS:
		client, err := gcs.NewGCSClient(ctx, path)
		if err != nil {
			return nil, err
		}
		logger.Base().Info("transcript storage started", zap.String("bucket", path))
		return &gcsBackend{client: client}, nil
	case StorageTypeLocal:
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create local storage directory: %w", err)
		}
		logger.Base().Info("transcript storage started", zap.String("path", path))
		return &localBackend{root: path}, nil
	}
	return nil, fmt.Errorf("unsupported storage type: %s", storageType)
}

// TranscriptArchive writes a JSON record and a PDF transcript for every call
// removed from the registry. Calls without turns are skipped.
type TranscriptArchive struct {
	backend Backend
	prefix  string
}

// NewTranscriptArchive creates an archive writing under prefix
func NewTranscriptArchive(backend Backend, prefix string) *TranscriptArchive {
	return &TranscriptArchive{
		backend: backend,
		prefix:  strings.Trim(prefix, "/"),
	}
}

// objectPath groups transcripts by day and campaign
func (a *TranscriptArchive) objectPath(call domain.CallSession, ext string) string {
	campaign := call.CampaignID
	if campaign == "" {
		campaign = "adhoc"
	}
	parts := []string{call.CreatedAt.UTC().Format("2006/01/02"), campaign, call.CallID + ext}
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

// RecordCall implements session.Recorder
func (a *TranscriptArchive) RecordCall(ctx context.Context, call domain.CallSession) error {
	if len(call.Turns) == 0 {
		return nil
	}

	record, err := json.MarshalIndent(call, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode call %s: %w", call.CallID, err)
	}
	jsonURI, err := a.backend.Put(ctx, a.objectPath(call, ".json"), "application/json", bytes.NewReader(record))
	if err != nil {
		return fmt.Errorf("failed to store transcript of call %s: %w", call.CallID, err)
	}

	pdf, err := RenderTranscriptPDF(call, time.Now())
	if err != nil {
		return fmt.Errorf("failed to render transcript of call %s: %w", call.CallID, err)
	}
	pdfURI, err := a.backend.Put(ctx, a.objectPath(call, ".pdf"), "application/pdf", bytes.NewReader(pdf))
	if err != nil {
		return fmt.Errorf("failed to store transcript pdf of call %s: %w", call.CallID, err)
	}

	logger.Base().Info("call transcript stored",
		zap.String("call_id", call.CallID),
		zap.Int("turns", len(call.Turns)),
		zap.String("json", jsonURI),
		zap.String("pdf", pdfURI))
	return nil
}

// Close releases the backend
func (a *TranscriptArchive) Close() error {
	return a.backend.Close()
}
