package tsdb

import (
	"context"
	"time"

	"github.com/scionresearch/bioprocess-pipeline/internal/model"
)

// MemStore is an in-memory SeriesStore used by component and integration
// tests so they never need a live InfluxDB instance.
type MemStore struct {
	Windows       map[string]model.Window
	WrittenSets   []model.FeatureSet
	FailTags      map[string]bool
	ReadErr       error
	WriteErr      error
	Closed        bool
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		Windows:  make(map[string]model.Window),
		FailTags: make(map[string]bool),
	}
}

func (m *MemStore) ReadWindow(_ context.Context, tag string, _ time.Duration) (model.Window, error) {
	if m.FailTags[tag] {
		return model.Window{}, m.ReadErr
	}
	return m.Windows[tag], nil
}

func (m *MemStore) ReadAllWindows(ctx context.Context, tags []string, duration time.Duration) map[string]model.Window {
	out := make(map[string]model.Window, len(tags))
	for _, tag := range tags {
		win, err := m.ReadWindow(ctx, tag, duration)
		if err != nil {
			win = model.Window{Tag: tag}
		}
		out[tag] = win
	}
	return out
}

func (m *MemStore) WriteFeatures(_ context.Context, fs model.FeatureSet) error {
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.WrittenSets = append(m.WrittenSets, fs)
	return nil
}

func (m *MemStore) WritePrediction(_ context.Context, value, lo, hi float64, ts time.Time) error {
	return m.WriteErr
}

func (m *MemStore) Close() { m.Closed = true }
