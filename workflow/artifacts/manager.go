// Package artifacts keeps agent outputs as versioned, typed artifacts.
// Content lives in a gocloud blob bucket; the index is held in memory and
// rebuilt from blob attributes on Open.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/BaSui01/swarmflow/types"
	"github.com/BaSui01/swarmflow/workflow"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// Type classifies artifact content.
type Type string

const (
	TypeCode     Type = "code"
	TypeDocument Type = "document"
	TypeData     Type = "data"
	TypeImage    Type = "image"
	TypeOther    Type = "other"
)

// ParseType maps unknown names to TypeOther.
func ParseType(s string) Type {
	switch t := Type(s); t {
	case TypeCode, TypeDocument, TypeData, TypeImage:
		return t
	default:
		return TypeOther
	}
}

// Artifact describes one stored version.
type Artifact struct {
	ID          string    `json:"id"`
	RunID       string    `json:"runId"`
	NodeID      string    `json:"nodeId"`
	Name        string    `json:"name"`
	Type        Type      `json:"type"`
	Version     int       `json:"version"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	RunID  string
	NodeID string
	Type   Type
}

func (f Filter) match(a *Artifact) bool {
	return (f.RunID == "" || a.RunID == f.RunID) &&
		(f.NodeID == "" || a.NodeID == f.NodeID) &&
		(f.Type == "" || a.Type == f.Type)
}

// Stats summarizes stored artifacts.
type Stats struct {
	Count      int          `json:"count"`
	TotalBytes int64        `json:"totalBytes"`
	MaxBytes   int64        `json:"maxBytes"`
	ByType     map[Type]int `json:"byType"`
}

// Config selects the bucket and the storage cap.
type Config struct {
	// BucketURL is any gocloud blob URL, e.g. mem:// or file:///var/lib/swarmflow.
	BucketURL     string `yaml:"bucket_url" json:"bucket_url" env:"BUCKET_URL"`
	Prefix        string `yaml:"prefix" json:"prefix" env:"PREFIX"`
	MaxTotalBytes int64  `yaml:"max_total_bytes" json:"max_total_bytes" env:"MAX_TOTAL_BYTES"`
}

// DefaultConfig stores up to 100MB in memory.
func DefaultConfig() Config {
	return Config{
		BucketURL:     "mem://",
		Prefix:        "artifacts/",
		MaxTotalBytes: 100 << 20,
	}
}

const (
	metaRunID     = "run_id"
	metaNodeID    = "node_id"
	metaName      = "name"
	metaType      = "type"
	metaVersion   = "version"
	metaCreatedAt = "created_at"
)

// Manager stores artifacts. It implements workflow.ArtifactStore.
type Manager struct {
	bucket *blob.Bucket
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	items map[string]*Artifact
	total int64
}

var _ workflow.ArtifactStore = (*Manager)(nil)

// Open opens cfg.BucketURL and indexes what it already holds.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Manager, error) {
	if cfg.BucketURL == "" {
		cfg.BucketURL = DefaultConfig().BucketURL
	}
	bucket, err := blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("open artifact bucket: %w", err)
	}
	m := NewManager(bucket, cfg, logger)
	if err := m.reindex(ctx); err != nil {
		_ = bucket.Close()
		return nil, err
	}
	return m, nil
}

// NewManager wraps an open bucket. The manager owns the bucket.
func NewManager(bucket *blob.Bucket, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTotalBytes <= 0 {
		cfg.MaxTotalBytes = DefaultConfig().MaxTotalBytes
	}
	return &Manager{
		bucket: bucket,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "artifacts")),
		now:    time.Now,
		items:  make(map[string]*Artifact),
	}
}

func (m *Manager) key(a *Artifact) string {
	return m.cfg.Prefix + a.RunID + "/" + a.ID
}

func notFound(id string) *types.Error {
	return types.NewError(types.ErrNotFound, fmt.Sprintf("artifact %s not found", id)).
		WithHTTPStatus(http.StatusNotFound)
}

// Store writes a new artifact version. Storing the same name for the same
// run and node again creates the next version.
func (m *Manager) Store(ctx context.Context, in workflow.ArtifactInput) (string, error) {
	if in.RunID == "" || in.Name == "" {
		return "", types.NewError(types.ErrInvalidRequest, "artifact requires run id and name").
			WithHTTPStatus(http.StatusBadRequest)
	}
	size := int64(len(in.Content))

	m.mu.Lock()
	if m.total+size > m.cfg.MaxTotalBytes {
		total := m.total
		m.mu.Unlock()
		return "", types.NewError(types.ErrQuotaExceeded,
			fmt.Sprintf("artifact storage full: %d of %d bytes used, %d requested", total, m.cfg.MaxTotalBytes, size)).
			WithHTTPStatus(http.StatusInsufficientStorage)
	}
	version := 1
	for _, a := range m.items {
		if a.RunID == in.RunID && a.NodeID == in.NodeID && a.Name == in.Name && a.Version >= version {
			version = a.Version + 1
		}
	}
	a := &Artifact{
		ID:          uuid.NewString(),
		RunID:       in.RunID,
		NodeID:      in.NodeID,
		Name:        in.Name,
		Type:        ParseType(in.Type),
		Version:     version,
		Size:        size,
		ContentType: http.DetectContentType(in.Content),
		CreatedAt:   m.now().UTC(),
	}
	// reserve the bytes before the write so concurrent stores cannot overrun
	m.total += size
	m.items[a.ID] = a
	m.mu.Unlock()

	err := m.bucket.WriteAll(ctx, m.key(a), in.Content, &blob.WriterOptions{
		ContentType: a.ContentType,
		Metadata: map[string]string{
			metaRunID:     a.RunID,
			metaNodeID:    a.NodeID,
			metaName:      a.Name,
			metaType:      string(a.Type),
			metaVersion:   strconv.Itoa(a.Version),
			metaCreatedAt: a.CreatedAt.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		m.mu.Lock()
		delete(m.items, a.ID)
		m.total -= size
		m.mu.Unlock()
		return "", fmt.Errorf("write artifact %s: %w", a.Name, err)
	}

	m.logger.Debug("artifact stored",
		zap.String("id", a.ID),
		zap.String("run_id", a.RunID),
		zap.String("name", a.Name),
		zap.Int("version", a.Version),
		zap.Int64("size", size))
	return a.ID, nil
}

// Get returns artifact metadata.
func (m *Manager) Get(id string) (Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.items[id]
	if !ok {
		return Artifact{}, notFound(id)
	}
	return *a, nil
}

// Content reads artifact content from the bucket.
func (m *Manager) Content(ctx context.Context, id string) ([]byte, error) {
	a, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	data, err := m.bucket.ReadAll(ctx, m.key(&a))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("read artifact %s: %w", id, err)
	}
	return data, nil
}

// List returns matching artifacts, newest first.
func (m *Manager) List(f Filter) []Artifact {
	m.mu.RLock()
	out := make([]Artifact, 0, len(m.items))
	for _, a := range m.items {
		if f.match(a) {
			out = append(out, *a)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		if out[i].Version != out[j].Version {
			return out[i].Version > out[j].Version
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Versions returns every version of name for a run and node, oldest first.
func (m *Manager) Versions(runID, nodeID, name string) []Artifact {
	all := m.List(Filter{RunID: runID, NodeID: nodeID})
	var out []Artifact
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Name == name {
			out = append(out, all[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Delete removes an artifact and its content.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	a, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return notFound(id)
	}
	delete(m.items, id)
	m.total -= a.Size
	m.mu.Unlock()

	if err := m.bucket.Delete(ctx, m.key(a)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete artifact %s: %w", id, err)
	}
	return nil
}

// Stats reports counts and usage.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{Count: len(m.items), TotalBytes: m.total, MaxBytes: m.cfg.MaxTotalBytes, ByType: make(map[Type]int)}
	for _, a := range m.items {
		s.ByType[a.Type]++
	}
	return s
}

// Close closes the bucket.
func (m *Manager) Close() error {
	return m.bucket.Close()
}

// reindex rebuilds the in-memory index from object attributes.
func (m *Manager) reindex(ctx context.Context) error {
	it := m.bucket.List(&blob.ListOptions{Prefix: m.cfg.Prefix})
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("list artifacts: %w", err)
		}
		if obj.IsDir {
			continue
		}
		attrs, err := m.bucket.Attributes(ctx, obj.Key)
		if err != nil {
			return fmt.Errorf("read artifact attributes %s: %w", obj.Key, err)
		}
		md := attrs.Metadata
		version, _ := strconv.Atoi(md[metaVersion])
		created, _ := time.Parse(time.RFC3339Nano, md[metaCreatedAt])
		a := &Artifact{
			ID:          path.Base(obj.Key),
			RunID:       md[metaRunID],
			NodeID:      md[metaNodeID],
			Name:        md[metaName],
			Type:        ParseType(md[metaType]),
			Version:     version,
			Size:        obj.Size,
			ContentType: attrs.ContentType,
			CreatedAt:   created,
		}
		if a.RunID == "" {
			m.logger.Warn("skipping object without artifact metadata", zap.String("key", obj.Key))
			continue
		}
		m.mu.Lock()
		m.items[a.ID] = a
		m.total += a.Size
		m.mu.Unlock()
	}
	m.logger.Info("artifact index loaded", zap.Int("count", len(m.items)), zap.Int64("bytes", m.total))
	return nil
}
