package utils

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

var ErrUnsupportedSourceFile = errors.New("unsupported source file type")

var sourceContentTypes = map[string]string{
	".csv":  "text/csv",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// SignedUpload is a short-lived PUT URL for one import source file.
type SignedUpload struct {
	UploadURL    string            `json:"uploadUrl"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	ObjectKey    string            `json:"objectKey"`
	SourceObject string            `json:"sourceObject"`
	ExpiresAt    time.Time         `json:"expiresAt"`
}

type serviceAccountJSON struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// SourceContentType returns the upload content type for filename's extension.
func SourceContentType(filename string) (string, error) {
	ext := strings.ToLower(path.Ext(filename))
	ct, ok := sourceContentTypes[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSourceFile, ext)
	}
	return ct, nil
}

// SourceObjectKey places an upload under imports/<business>/<date>/ with a
// unique prefix so re-uploads of the same file never overwrite a source
// an earlier batch still points at.
func SourceObjectKey(businessId, filename string, now time.Time) (string, error) {
	businessId = strings.TrimSpace(businessId)
	if businessId == "" || strings.ContainsAny(businessId, "/\\") {
		return "", errors.New("invalid business id")
	}
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if base == "" || base == "." || base == "/" || base == ".." {
		return "", errors.New("file name is required")
	}
	if _, err := SourceContentType(base); err != nil {
		return "", err
	}
	return fmt.Sprintf("imports/%s/%s/%s-%s", businessId, now.UTC().Format("20060102"), uuid.NewString(), base), nil
}

func sourceBucket() (string, error) {
	bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if bucket == "" {
		return "", errors.New("GCS_BUCKET is required")
	}
	return bucket, nil
}

// SignSourceUpload signs a V4 PUT URL the browser uploads the legacy export to.
// The returned SourceObject is what the import trigger takes.
func SignSourceUpload(ctx context.Context, businessId, filename string, expires time.Duration) (*SignedUpload, error) {
	bucket, err := sourceBucket()
	if err != nil {
		return nil, err
	}
	objectKey, err := SourceObjectKey(businessId, filename, time.Now())
	if err != nil {
		return nil, err
	}
	contentType, _ := SourceContentType(objectKey)

	opts := &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      "PUT",
		Expires:     time.Now().Add(expires),
		ContentType: contentType,
	}

	accessID, privateKey, ok, err := loadSignerFromEnv()
	if err != nil {
		return nil, err
	}
	if ok {
		opts.GoogleAccessID = accessID
		opts.PrivateKey = privateKey
	} else {
		email, signBytes, err := iamSigner(ctx)
		if err != nil {
			return nil, err
		}
		opts.GoogleAccessID = email
		opts.SignBytes = signBytes
	}

	signedURL, err := storage.SignedURL(bucket, objectKey, opts)
	if err != nil {
		return nil, err
	}

	return &SignedUpload{
		UploadURL:    signedURL,
		Method:       opts.Method,
		Headers:      map[string]string{"Content-Type": contentType},
		ObjectKey:    objectKey,
		SourceObject: "gs://" + bucket + "/" + objectKey,
		ExpiresAt:    opts.Expires,
	}, nil
}

// UploadSourceObject stores a local export in GCS_BUCKET and returns its
// gs:// name, so a batch run from disk can still be retried later.
func UploadSourceObject(ctx context.Context, businessId, filename string, data []byte) (string, error) {
	if len(data) > MaxSourceObjectBytes {
		return "", ErrSourceTooLarge
	}
	bucket, err := sourceBucket()
	if err != nil {
		return "", err
	}
	objectKey, err := SourceObjectKey(businessId, filename, time.Now())
	if err != nil {
		return "", err
	}
	contentType, _ := SourceContentType(objectKey)

	client, err := getGoogleClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	w := client.Bucket(bucket).Object(objectKey).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload gs://%s/%s: %w", bucket, objectKey, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload gs://%s/%s: %w", bucket, objectKey, err)
	}
	return "gs://" + bucket + "/" + objectKey, nil
}

func loadSignerFromEnv() (string, []byte, bool, error) {
	credJSON := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON"))
	if credJSON != "" {
		var key serviceAccountJSON
		if err := json.Unmarshal([]byte(credJSON), &key); err != nil {
			return "", nil, false, fmt.Errorf("invalid GCS_CREDENTIALS_JSON: %w", err)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return "", nil, false, errors.New("GCS_CREDENTIALS_JSON missing client_email or private_key")
		}
		return key.ClientEmail, normalizePrivateKey(key.PrivateKey), true, nil
	}

	email := strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL"))
	privateKey := strings.TrimSpace(os.Getenv("GCS_SIGNER_PRIVATE_KEY"))
	if email == "" || privateKey == "" {
		return "", nil, false, nil
	}
	return email, normalizePrivateKey(privateKey), true, nil
}

func normalizePrivateKey(key string) []byte {
	return []byte(strings.ReplaceAll(key, "\\n", "\n"))
}

// iamSigner signs through the IAM credentials API when no key is configured,
// as on Cloud Run with the default service account.
func iamSigner(ctx context.Context) (string, func([]byte) ([]byte, error), error) {
	email := strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL"))
	if email == "" && metadata.OnGCE() {
		defaultEmail, err := metadata.Email("default")
		if err != nil {
			return "", nil, fmt.Errorf("failed to get default service account email: %w", err)
		}
		email = defaultEmail
	}
	if email == "" {
		return "", nil, errors.New("GCS_SIGNER_EMAIL is required when no private key is provided")
	}

	creds, err := google.FindDefaultCredentials(ctx, iamcredentials.CloudPlatformScope)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load ADC credentials: %w", err)
	}
	svc, err := iamcredentials.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create iamcredentials service: %w", err)
	}

	resource := fmt.Sprintf("projects/-/serviceAccounts/%s", email)
	signBytes := func(data []byte) ([]byte, error) {
		req := &iamcredentials.SignBlobRequest{
			Payload: base64.StdEncoding.EncodeToString(data),
		}
		resp, err := svc.Projects.ServiceAccounts.SignBlob(resource, req).Do()
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(resp.SignedBlob)
	}

	return email, signBytes, nil
}
