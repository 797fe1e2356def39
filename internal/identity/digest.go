package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"kiln/internal/domain"
)

// ApproximateDigest fingerprints an image as the engine sees it: the config
// identity plus the filesystem layer chain. Creation timestamps and other
// volatile metadata deliberately do not participate, so two builds of
// identical content compare equal.
type ApproximateDigest struct {
	Config digest.Digest `json:"config"`
	RootFS digest.Digest `json:"rootFS"`
}

// Equal reports structural equality of both fingerprints.
func (d ApproximateDigest) Equal(other ApproximateDigest) bool {
	return d.Config == other.Config && d.RootFS == other.RootFS
}

// IsUpToDate is the task-level skip predicate: true iff a previous digest
// exists and matches the current one.
func IsUpToDate(previous *ApproximateDigest, current ApproximateDigest) bool {
	return previous != nil && previous.Equal(current)
}

// ImageInspector is the slice of the engine client the tracker needs.
type ImageInspector interface {
	ImageInspectWithRaw(ctx context.Context, imageRef string) (types.ImageInspect, []byte, error)
}

// Tracker computes and persists per-project image identity.
type Tracker struct {
	engine   ImageInspector
	stateDir string
	logger   *zap.Logger
}

// NewTracker creates a new identity tracker rooted at stateDir.
func NewTracker(engine ImageInspector, stateDir string, logger *zap.Logger) *Tracker {
	return &Tracker{
		engine:   engine,
		stateDir: stateDir,
		logger:   logger,
	}
}

// ComputeApproximateDigest inspects the running engine's record of imageRef.
// A missing image yields domain.ErrImageNotFound; any other inspection
// failure is a hard environment error.
func (t *Tracker) ComputeApproximateDigest(ctx context.Context, imageRef string) (ApproximateDigest, error) {
	inspect, _, err := t.engine.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ApproximateDigest{}, fmt.Errorf("%w: %s", domain.ErrImageNotFound, imageRef)
		}
		return ApproximateDigest{}, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to inspect image %s", imageRef), err)
	}

	return ApproximateDigest{
		Config: digest.Digest(inspect.ID),
		RootFS: digest.FromString(strings.Join(inspect.RootFS.Layers, "\n")),
	}, nil
}

// DigestPath returns the per-project digest file location.
func (t *Tracker) DigestPath(project string) string {
	return filepath.Join(t.stateDir, project+".digest.json")
}

// MetadataPath returns the per-project build metadata record location.
func (t *Tracker) MetadataPath(project string) string {
	return filepath.Join(t.stateDir, project+".metadata.json")
}

// LoadDigest reads the previously persisted digest, or nil before the first
// successful build. A malformed file is a hard error.
func (t *Tracker) LoadDigest(project string) (*ApproximateDigest, error) {
	data, err := os.ReadFile(t.DigestPath(project))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to read digest file for %s", project), err)
	}
	var d ApproximateDigest
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("malformed digest file for %s", project), err)
	}
	return &d, nil
}

// PersistDigest writes the digest file. The writer and any downstream
// readers never run concurrently (ordering edges guarantee it), so a plain
// write suffices.
func (t *Tracker) PersistDigest(project string, d ApproximateDigest) error {
	if err := os.MkdirAll(t.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal digest: %w", err)
	}
	if err := os.WriteFile(t.DigestPath(project), data, 0644); err != nil {
		return fmt.Errorf("failed to write digest file for %s: %w", project, err)
	}
	t.logger.Debug("Persisted image digest",
		zap.String("project", project),
		zap.String("config", d.Config.String()),
		zap.String("root_fs", d.RootFS.String()),
	)
	return nil
}

// MetadataRecord is the flat field map a builder invocation emits.
type MetadataRecord struct {
	fields map[string]any
}

// LoadMetadata reads a build metadata record. A missing file yields an
// empty record (first-ever build); a malformed one is a hard error.
func LoadMetadata(path string) (*MetadataRecord, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &MetadataRecord{fields: map[string]any{}}, nil
	}
	if err != nil {
		return nil, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("failed to read metadata record %s", path), err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, domain.NewErrorWithCause(domain.ErrCodeEnvironment,
			fmt.Sprintf("malformed metadata record %s", path), err)
	}
	return &MetadataRecord{fields: fields}, nil
}

// Exists reports whether the record carries any fields at all.
func (r *MetadataRecord) Exists() bool {
	return len(r.fields) > 0
}

// Field returns the trimmed string value of a field, or "" when the field
// is absent or not a string.
func (r *MetadataRecord) Field(name string) string {
	if v, ok := r.fields[name]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// Standard metadata field names emitted by the builder.
const (
	FieldImageDigest  = "containerimage.digest"
	FieldConfigDigest = "containerimage.config.digest"
)
