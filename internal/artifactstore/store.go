// Package artifactstore provides the pluggable Model Artifact Store (§4.8).
//
// The core never assumes direct network access to the underlying object
// store: the Local backend is a plain filesystem tree for development and
// tests, and the Remote backend talks to a service that authenticates with
// bearer tokens, accepts multipart uploads with idempotent overwrite
// semantics, and stages downloads through signed, time-limited URLs.
package artifactstore

import (
	"context"
	"errors"
	"io"

	"github.com/maliev/predictionservice/internal/model"
)

// ErrNotFound is returned when an artifact does not exist for the given
// model id/type.
var ErrNotFound = errors.New("artifactstore: artifact not found")

// ErrUploadFailed wraps any backend-specific upload failure.
var ErrUploadFailed = errors.New("artifactstore: upload failed")

// ErrDownloadFailed wraps any backend-specific download failure.
var ErrDownloadFailed = errors.New("artifactstore: download failed")

// Store is the artifact storage contract (§4.8). modelID is the opaque
// Model.ID; t disambiguates the storage namespace per model type so two
// types can reuse artifact naming schemes without colliding.
type Store interface {
	// Upload streams the contents of r to the backend under (modelID, t)
	// and returns the artifact_uri to persist on the Model record.
	Upload(ctx context.Context, r io.Reader, modelID string, t model.Type) (uri string, err error)

	// Download retrieves the artifact for (modelID, t) and returns a path to
	// a local, readable copy (staged through a signed URL for remote
	// backends). The caller owns cleanup of the returned path.
	Download(ctx context.Context, modelID string, t model.Type) (localPath string, err error)

	// Exists reports whether an artifact is stored for (modelID, t).
	Exists(ctx context.Context, modelID string, t model.Type) (bool, error)

	// Delete removes the artifact for (modelID, t). Deleting a missing
	// artifact is not an error (idempotent).
	Delete(ctx context.Context, modelID string, t model.Type) error

	// List returns the modelIDs with a stored artifact for t.
	List(ctx context.Context, t model.Type) ([]string, error)
}
