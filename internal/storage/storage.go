package storage

import (
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/bdougie/lobbycam/internal/metrics"
	"github.com/bdougie/lobbycam/internal/models"
)

// DefaultMaxFrames is the ring size when none is configured
const DefaultMaxFrames = 10

// FrameStore keeps the most recent analyzed frames, newest first.
// Evicted records have their image file removed from disk.
type FrameStore struct {
	mu        sync.Mutex
	records   []models.AnalyzedFrameRecord
	maxFrames int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewFrameStore creates an empty store holding at most maxFrames records
func NewFrameStore(maxFrames int, logger *slog.Logger, m *metrics.Metrics) *FrameStore {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameStore{
		records:   make([]models.AnalyzedFrameRecord, 0, maxFrames+1),
		maxFrames: maxFrames,
		logger:    logger.With("component", "storage"),
		metrics:   m,
	}
}

// Push inserts rec at the front and evicts the oldest record when over capacity
func (s *FrameStore) Push(rec models.AnalyzedFrameRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, models.AnalyzedFrameRecord{})
	copy(s.records[1:], s.records)
	s.records[0] = rec

	for len(s.records) > s.maxFrames {
		oldest := s.records[len(s.records)-1]
		s.records = s.records[:len(s.records)-1]
		s.removeFile(oldest)
		s.metrics.FrameEvicted()
	}
	s.metrics.FramesStored(len(s.records))
}

func (s *FrameStore) removeFile(rec models.AnalyzedFrameRecord) {
	if rec.FilePath == "" {
		return
	}
	if err := os.Remove(rec.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove evicted frame", "file", rec.FilePath, "error", err)
		return
	}
	s.logger.Debug("evicted frame", "id", rec.ID, "file", rec.Filename)
}

// List returns a copy of the records, most recent first
func (s *FrameStore) List() []models.AnalyzedFrameRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AnalyzedFrameRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Get looks a record up by frame id
func (s *FrameStore) Get(id int64) (models.AnalyzedFrameRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ID == id {
			return rec, true
		}
	}
	return models.AnalyzedFrameRecord{}, false
}

// Clear drops every record. Image files stay on disk.
func (s *FrameStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = s.records[:0]
	s.metrics.FramesStored(0)
}

func (s *FrameStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// MaxFrames returns the configured capacity
func (s *FrameStore) MaxFrames() int {
	return s.maxFrames
}
