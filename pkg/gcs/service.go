package gcs

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

type GCSClient struct {
	client     *storage.Client
	bucketName string
}

func NewGCSClient(ctx context.Context, bucketName string) (*GCSClient, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}

	return &GCSClient{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// Upload writes content to objectPath and returns its gs:// uri
func (g *GCSClient) Upload(ctx context.Context, objectPath, contentType string, content io.Reader) (string, error) {
	writer := g.client.Bucket(g.bucketName).Object(objectPath).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, content); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("failed to copy content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}

	return fmt.Sprintf("gs://%s/%s", g.bucketName, objectPath), nil
}

func (g *GCSClient) Close() error {
	return g.client.Close()
}
