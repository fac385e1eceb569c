package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

const resultContentType = "application/json"

// ObjectStorage is the subset of the storage client the batch stages use.
type ObjectStorage interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage ObjectStorage
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      ObjectStorage
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, data []byte) (string, error) {
	if e.Storage == nil {
		return "", errors.New("storage client is required")
	}

	objectKey := ResultObjectKey(e.OutputPrefix, req.JobID)
	if err := e.Storage.WriteObject(ctx, objectKey, data, resultContentType); err != nil {
		return "", err
	}
	return objectKey, nil
}

func ResultObjectKey(prefix, jobID string) string {
	return path.Join(defaultOutputPrefix(prefix), sanitizePathToken(jobID), resultFileName)
}

func ManifestObjectKey(jobID string) string {
	return path.Join("manifests", sanitizePathToken(jobID), "manifest.json")
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "results"
	}
	return prefix
}
