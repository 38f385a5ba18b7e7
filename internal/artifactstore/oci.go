package artifactstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// MediaTypeLog and MediaTypeArtifact label the two kinds of blob an
// OCIStore pushes per run, distinguished by the annotation carrying the
// original file name.
const (
	MediaTypeLog      = "application/vnd.janitor.log.v1"
	MediaTypeArtifact = "application/vnd.janitor.artifact.v1"

	annotationTitle = ocispec.AnnotationTitle
)

// OCIStore pushes a run's logs and artifacts as an OCI artifact, one
// manifest per run, tagged by log_id, grounded on the skill registry
// client's push/pull shape.
type OCIStore struct {
	Registry  string
	Repo      string
	PlainHTTP bool
	Username  string
	Password  string
}

// NewOCIStore creates an OCIStore targeting registry/repo.
func NewOCIStore(registry, repo string) *OCIStore {
	return &OCIStore{Registry: registry, Repo: repo}
}

func (s *OCIStore) repository() (*remote.Repository, error) {
	repo, err := remote.NewRepository(fmt.Sprintf("%s/%s", s.Registry, s.Repo))
	if err != nil {
		return nil, err
	}
	repo.PlainHTTP = s.PlainHTTP
	if s.Username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(s.Registry, auth.Credential{
				Username: s.Username,
				Password: s.Password,
			}),
		}
	}
	return repo, nil
}

func (s *OCIStore) Store(ctx context.Context, logID string, set UploadSet) error {
	src := memory.New()
	var layers []ocispec.Descriptor

	push := func(mediaType, name string, data []byte) error {
		desc, err := oras.PushBytes(ctx, src, mediaType, data)
		if err != nil {
			return fmt.Errorf("push %s: %w", name, err)
		}
		desc.Annotations = map[string]string{annotationTitle: name}
		layers = append(layers, desc)
		return nil
	}
	for name, data := range set.Logs {
		if err := push(MediaTypeLog, "logs/"+name, data); err != nil {
			return err
		}
	}
	for name, data := range set.Artifacts {
		if err := push(MediaTypeArtifact, "artifacts/"+name, data); err != nil {
			return err
		}
	}

	manifestDesc, err := oras.PackManifest(ctx, src, oras.PackManifestVersion1_1,
		"application/vnd.janitor.run.v1", oras.PackManifestOptions{Layers: layers})
	if err != nil {
		return fmt.Errorf("pack run manifest: %w", err)
	}
	if err := src.Tag(ctx, manifestDesc, logID); err != nil {
		return fmt.Errorf("tag run manifest: %w", err)
	}

	repo, err := s.repository()
	if err != nil {
		return fmt.Errorf("connect registry: %w", err)
	}
	if _, err := oras.Copy(ctx, src, logID, repo, logID, oras.DefaultCopyOptions); err != nil {
		return fmt.Errorf("push run %s: %w", logID, err)
	}
	return nil
}

func (s *OCIStore) fetchManifest(ctx context.Context, logID string) (oras.ReadOnlyTarget, ocispec.Descriptor, error) {
	repo, err := s.repository()
	if err != nil {
		return nil, ocispec.Descriptor{}, fmt.Errorf("connect registry: %w", err)
	}
	dst := memory.New()
	desc, err := oras.Copy(ctx, repo, logID, dst, logID, oras.DefaultCopyOptions)
	if err != nil {
		return nil, ocispec.Descriptor{}, &ErrNotFound{LogID: logID}
	}
	return dst, desc, nil
}

func (s *OCIStore) ListLogs(ctx context.Context, logID string) ([]string, error) {
	store, manifestDesc, err := s.fetchManifest(ctx, logID)
	if err != nil {
		return nil, err
	}
	manifest, err := readManifest(ctx, store, manifestDesc)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, l := range manifest.Layers {
		if l.MediaType != MediaTypeLog {
			continue
		}
		if title := l.Annotations[annotationTitle]; title != "" {
			names = append(names, strings.TrimPrefix(title, "logs/"))
		}
	}
	return names, nil
}

func (s *OCIStore) FetchLog(ctx context.Context, logID, name string) (io.ReadCloser, error) {
	return s.fetchLayer(ctx, logID, MediaTypeLog, "logs/"+name)
}

func (s *OCIStore) ListArtifacts(ctx context.Context, logID string) ([]string, error) {
	store, manifestDesc, err := s.fetchManifest(ctx, logID)
	if err != nil {
		return nil, err
	}
	manifest, err := readManifest(ctx, store, manifestDesc)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, l := range manifest.Layers {
		if l.MediaType != MediaTypeArtifact {
			continue
		}
		if title := l.Annotations[annotationTitle]; title != "" {
			names = append(names, strings.TrimPrefix(title, "artifacts/"))
		}
	}
	return names, nil
}

func (s *OCIStore) FetchArtifact(ctx context.Context, logID, name string) (io.ReadCloser, error) {
	return s.fetchLayer(ctx, logID, MediaTypeArtifact, "artifacts/"+name)
}

func (s *OCIStore) fetchLayer(ctx context.Context, logID, mediaType, target string) (io.ReadCloser, error) {
	store, manifestDesc, err := s.fetchManifest(ctx, logID)
	if err != nil {
		return nil, err
	}
	manifest, err := readManifest(ctx, store, manifestDesc)
	if err != nil {
		return nil, err
	}
	for _, l := range manifest.Layers {
		if l.MediaType == mediaType && l.Annotations[annotationTitle] == target {
			return store.Fetch(ctx, l)
		}
	}
	return nil, &ErrNotFound{LogID: logID, Name: target}
}

func readManifest(ctx context.Context, store oras.ReadOnlyTarget, desc ocispec.Descriptor) (ocispec.Manifest, error) {
	rc, err := store.Fetch(ctx, desc)
	if err != nil {
		return ocispec.Manifest{}, err
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return ocispec.Manifest{}, err
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(buf.Bytes(), &manifest); err != nil {
		return ocispec.Manifest{}, err
	}
	return manifest, nil
}
