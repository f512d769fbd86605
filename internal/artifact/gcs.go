package artifact

import (
	"context"
	"errors"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
	"google.golang.org/api/googleapi"
)

// GCS stores artifacts in a Google Cloud Storage bucket. Application
// Default Credentials are assumed.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS creates a GCS-backed artifact store.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "artifact: create gcs client")
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (g *GCS) Store(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	obj := g.client.Bucket(g.bucket).Object(path)

	// DoesNotExist precondition enforces the append-only contract.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", eris.Wrapf(err, "artifact: gcs write %s", path)
	}
	if err := w.Close(); err != nil {
		// The DoesNotExist precondition failure surfaces on Close as a 412.
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return "", eris.Wrapf(ErrExists, "%s", path)
		}
		return "", eris.Wrapf(err, "artifact: gcs finalize %s", path)
	}
	return path, nil
}

func (g *GCS) Read(ctx context.Context, ref string) ([]byte, error) {
	rc, err := g.client.Bucket(g.bucket).Object(ref).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, eris.Wrapf(ErrNotFound, "%s", ref)
		}
		return nil, eris.Wrapf(err, "artifact: gcs open %s", ref)
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: gcs read %s", ref)
	}
	return data, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
