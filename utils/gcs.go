package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// MaxSourceObjectBytes caps the size of an uploaded import file read into memory.
const MaxSourceObjectBytes = 64 << 20

var ErrSourceTooLarge = errors.New("source object too large")

// ReadSourceObject downloads an uploaded import file from GCS_BUCKET.
// objectName may also be a full "gs://bucket/path" URL.
func ReadSourceObject(ctx context.Context, objectName string) ([]byte, error) {
	bucketName, object := splitGCSObject(objectName)
	if bucketName == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}
	if object == "" {
		return nil, errors.New("source object name is required")
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	r, err := client.Bucket(bucketName).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", bucketName, object, err)
	}
	defer r.Close()

	if r.Attrs.Size > MaxSourceObjectBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrSourceTooLarge, r.Attrs.Size)
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxSourceObjectBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxSourceObjectBytes {
		return nil, ErrSourceTooLarge
	}
	return data, nil
}

func splitGCSObject(name string) (bucket, object string) {
	name = strings.TrimSpace(name)
	if rest, ok := strings.CutPrefix(name, "gs://"); ok {
		bucket, object, _ = strings.Cut(rest, "/")
		return bucket, object
	}
	return strings.TrimSpace(os.Getenv("GCS_BUCKET")), strings.TrimPrefix(name, "/")
}
