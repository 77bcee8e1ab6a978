package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jibbs/catalog/internal/logger"
)

// ScrollableIndex is the slice of the vector store the sweeper needs.
// Implemented by repository.QdrantRepository.
type ScrollableIndex interface {
	ScrollIDs(ctx context.Context, collection, offset string, limit int) (ids []string, next string, err error)
	Delete(ctx context.Context, collection, pointID string) error
}

// TrackingLookup answers whether a tracking row exists for a vector ID.
// Implemented by repository.EmbeddingRecordRepository.
type TrackingLookup interface {
	ExistsByVectorID(ctx context.Context, vectorID string) (bool, error)
}

// Sweeper removes index entries that have no tracking row. Such entries are
// the residue of tracking writes that failed after the index write
// succeeded; they are harmless to queries but accumulate until reclaimed.
type Sweeper struct {
	index       ScrollableIndex
	tracking    TrackingLookup
	collections []string
	pageSize    int
	logger      *logger.Logger
}

// NewSweeper creates a Sweeper over the given collections.
func NewSweeper(index ScrollableIndex, tracking TrackingLookup, collections []string, log *logger.Logger) *Sweeper {
	return &Sweeper{
		index:       index,
		tracking:    tracking,
		collections: collections,
		pageSize:    256,
		logger:      log,
	}
}

func (s *Sweeper) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// SweepStats summarizes one sweep pass.
type SweepStats struct {
	Scanned   int64
	Orphaned  int64
	Deleted   int64
	Failed    int64
	StartTime time.Time
	EndTime   time.Time
}

// Sweep scans every collection page by page and deletes points whose vector
// ID has no tracking row. A delete failure is counted and the scan
// continues; the entry stays for the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepStats, error) {
	stats := &SweepStats{StartTime: time.Now()}

	for _, collection := range s.collections {
		if err := s.sweepCollection(ctx, collection, stats); err != nil {
			stats.EndTime = time.Now()
			return stats, fmt.Errorf("sweep of %s: %w", collection, err)
		}
	}

	stats.EndTime = time.Now()

	s.log(ctx).WithFields(logger.Fields{
		"scanned":  stats.Scanned,
		"orphaned": stats.Orphaned,
		"deleted":  stats.Deleted,
		"failed":   stats.Failed,
		"duration": stats.EndTime.Sub(stats.StartTime).String(),
	}).Info("Orphan sweep completed")

	return stats, nil
}

func (s *Sweeper) sweepCollection(ctx context.Context, collection string, stats *SweepStats) error {
	offset := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ids, next, err := s.index.ScrollIDs(ctx, collection, offset, s.pageSize)
		if err != nil {
			return fmt.Errorf("failed to scroll points: %w", err)
		}

		for _, id := range ids {
			stats.Scanned++

			exists, err := s.tracking.ExistsByVectorID(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to check tracking row: %w", err)
			}
			if exists {
				continue
			}

			stats.Orphaned++
			if err := s.index.Delete(ctx, collection, id); err != nil {
				stats.Failed++
				s.log(ctx).WithFields(logger.Fields{
					"collection": collection,
					"vector_id":  id,
				}).WithError(err).Warn("Failed to delete orphaned point")
				continue
			}
			stats.Deleted++
		}

		if next == "" {
			return nil
		}
		offset = next
	}
}
