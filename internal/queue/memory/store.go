// Package memory provides an in-memory pipeline.Store for tests and
// store-less runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/csexpert/coursecrawler/internal/pipeline"
)

// Store keeps work items and phase results in maps under one mutex. It
// mirrors the Postgres store's transition semantics exactly so scenario
// tests exercise the same state machine.
type Store struct {
	clock pipeline.Clock

	mu          sync.Mutex
	nextID      int64
	items       map[int64]*pipeline.WorkItem
	byKey       map[string]int64
	downloads   map[int64]pipeline.DownloadResult
	extractions map[int64]pipeline.ExtractionResult
	structured  map[int64]pipeline.StructuringResult
	checkpoints map[pipeline.Phase]time.Time
}

// New creates an empty store.
func New(clock pipeline.Clock) *Store {
	return &Store{
		clock:       clock,
		items:       make(map[int64]*pipeline.WorkItem),
		byKey:       make(map[string]int64),
		downloads:   make(map[int64]pipeline.DownloadResult),
		extractions: make(map[int64]pipeline.ExtractionResult),
		structured:  make(map[int64]pipeline.StructuringResult),
		checkpoints: make(map[pipeline.Phase]time.Time),
	}
}

func dedupeKey(phase pipeline.Phase, sourceKey string) string {
	return string(phase) + "\x00" + sourceKey
}

// Enqueue inserts a pending item, idempotent on (phase, sourceKey).
func (s *Store) Enqueue(_ context.Context, phase pipeline.Phase, sourceKey, payloadRef string) (pipeline.WorkItem, error) {
	if !phase.Valid() {
		return pipeline.WorkItem{}, fmt.Errorf("enqueue: invalid phase %q", phase)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupeKey(phase, sourceKey)
	if id, ok := s.byKey[key]; ok {
		return *s.items[id], pipeline.ErrDuplicateItem
	}

	s.nextID++
	now := s.clock.Now()
	item := &pipeline.WorkItem{
		ID:         s.nextID,
		Phase:      phase,
		SourceKey:  sourceKey,
		PayloadRef: payloadRef,
		Status:     pipeline.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.items[item.ID] = item
	s.byKey[key] = item.ID
	return *item, nil
}

func claimable(it *pipeline.WorkItem, maxRetries int) bool {
	switch it.Status {
	case pipeline.StatusPending:
		return true
	case pipeline.StatusFailed:
		return it.RetryCount < maxRetries
	default:
		return false
	}
}

// ClaimBatch transitions up to limit claimable items to in_progress. All
// transitions happen under the store mutex, so no two claimers ever receive
// the same item.
func (s *Store) ClaimBatch(_ context.Context, phase pipeline.Phase, limit, maxRetries int) ([]pipeline.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, limit)
	for id, it := range s.items {
		if it.Phase == phase && claimable(it, maxRetries) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	now := s.clock.Now()
	claimed := make([]pipeline.WorkItem, 0, len(ids))
	for _, id := range ids {
		it := s.items[id]
		it.Status = pipeline.StatusInProgress
		it.UpdatedAt = now
		claimedAt := now
		it.ClaimedAt = &claimedAt
		claimed = append(claimed, *it)
	}
	return claimed, nil
}

// MarkResult finishes an in_progress item: success, or failed with the retry
// count incremented. Items in any other status return ErrDoubleClaim.
func (s *Store) MarkResult(_ context.Context, id int64, success bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok || it.Status != pipeline.StatusInProgress {
		return fmt.Errorf("mark result item %d: %w", id, pipeline.ErrDoubleClaim)
	}

	it.UpdatedAt = s.clock.Now()
	it.ClaimedAt = nil
	if success {
		it.Status = pipeline.StatusSuccess
		it.LastError = ""
		return nil
	}
	it.Status = pipeline.StatusFailed
	it.RetryCount++
	it.LastError = errMsg
	return nil
}

// MarkSkipped finishes an in_progress item whose output already exists.
func (s *Store) MarkSkipped(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok || it.Status != pipeline.StatusInProgress {
		return fmt.Errorf("mark skipped item %d: %w", id, pipeline.ErrDoubleClaim)
	}
	it.Status = pipeline.StatusSkipped
	it.UpdatedAt = s.clock.Now()
	it.ClaimedAt = nil
	return nil
}

// ReapAbandoned resets all in_progress items to pending.
func (s *Store) ReapAbandoned(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := s.clock.Now()
	for _, it := range s.items {
		if it.Status == pipeline.StatusInProgress {
			it.Status = pipeline.StatusPending
			it.UpdatedAt = now
			it.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

// CountByStatus returns per-status counts for a phase.
func (s *Store) CountByStatus(_ context.Context, phase pipeline.Phase) (map[pipeline.ItemStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[pipeline.ItemStatus]int)
	for _, it := range s.items {
		if it.Phase == phase {
			counts[it.Status]++
		}
	}
	return counts, nil
}

// CountClaimable returns how many items a ClaimBatch could still return.
func (s *Store) CountClaimable(_ context.Context, phase pipeline.Phase, maxRetries int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, it := range s.items {
		if it.Phase == phase && claimable(it, maxRetries) {
			n++
		}
	}
	return n, nil
}

// TerminalFailures lists items that exhausted their retries.
func (s *Store) TerminalFailures(_ context.Context, phase pipeline.Phase, maxRetries int) ([]pipeline.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []pipeline.WorkItem
	for _, it := range s.items {
		if it.Phase == phase && it.Status == pipeline.StatusFailed && it.RetryCount >= maxRetries {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveCheckpoint records a phase-completion timestamp.
func (s *Store) SaveCheckpoint(_ context.Context, phase pipeline.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[phase] = s.clock.Now()
	return nil
}

// Checkpoint returns the stored completion time for a phase, if any.
func (s *Store) Checkpoint(phase pipeline.Phase) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.checkpoints[phase]
	return ts, ok
}

// RecordDownload stores a download result keyed by item.
func (s *Store) RecordDownload(_ context.Context, res pipeline.DownloadResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads[res.ItemID] = res
	return nil
}

// RecordExtraction stores an extraction result keyed by item.
func (s *Store) RecordExtraction(_ context.Context, res pipeline.ExtractionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractions[res.ItemID] = res
	return nil
}

// RecordStructuring stores a structuring result keyed by item.
func (s *Store) RecordStructuring(_ context.Context, res pipeline.StructuringResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.structured[res.ItemID] = res
	return nil
}

// HasResult reports whether a result row exists for the item.
func (s *Store) HasResult(_ context.Context, phase pipeline.Phase, itemID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch phase {
	case pipeline.PhaseDownload:
		_, ok := s.downloads[itemID]
		return ok, nil
	case pipeline.PhaseExtraction:
		_, ok := s.extractions[itemID]
		return ok, nil
	case pipeline.PhaseStructuring:
		_, ok := s.structured[itemID]
		return ok, nil
	default:
		return false, nil
	}
}

// TotalCost sums recorded structuring cost estimates.
func (s *Store) TotalCost(_ context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0.0
	for _, res := range s.structured {
		total += res.CostEstimate
	}
	return total, nil
}

// Validate checks store consistency: result rows whose item is missing or
// not finished, and items stuck in_progress.
func (s *Store) Validate(_ context.Context) (pipeline.ValidationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := pipeline.ValidationReport{
		Valid:  true,
		Counts: make(map[pipeline.Phase]map[pipeline.ItemStatus]int),
	}
	for _, it := range s.items {
		if report.Counts[it.Phase] == nil {
			report.Counts[it.Phase] = make(map[pipeline.ItemStatus]int)
		}
		report.Counts[it.Phase][it.Status]++
		if it.Status == pipeline.StatusInProgress {
			report.Valid = false
			report.Issues = append(report.Issues, pipeline.ValidationIssue{
				Kind:   "stuck_in_progress",
				Detail: fmt.Sprintf("item %d (%s) is in_progress outside a run", it.ID, it.SourceKey),
			})
		}
	}

	checkOrphans := func(kind string, ids map[int64]struct{}) {
		for id := range ids {
			it, ok := s.items[id]
			if !ok || (it.Status != pipeline.StatusSuccess && it.Status != pipeline.StatusSkipped) {
				report.Valid = false
				report.Issues = append(report.Issues, pipeline.ValidationIssue{
					Kind:   kind,
					Detail: fmt.Sprintf("result for item %d has no finished work item", id),
				})
			}
		}
	}
	checkOrphans("orphaned_download", keys(s.downloads))
	checkOrphans("orphaned_extraction", keys(s.extractions))
	checkOrphans("orphaned_structuring", keys(s.structured))

	return report, nil
}

func keys[V any](m map[int64]V) map[int64]struct{} {
	out := make(map[int64]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
