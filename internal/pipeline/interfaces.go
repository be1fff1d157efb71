package pipeline

import (
	"context"
	"time"
)

// WorkQueue is the durable work-item queue backing every phase. The store is
// the sole source of truth for item ownership; implementations must make
// claiming atomic against concurrent claimers.
type WorkQueue interface {
	// Enqueue inserts a new pending item, idempotent on (phase, sourceKey).
	// A duplicate returns ErrDuplicateItem.
	Enqueue(ctx context.Context, phase Phase, sourceKey, payloadRef string) (WorkItem, error)

	// ClaimBatch atomically transitions up to limit claimable items
	// (pending, or failed with retryCount < maxRetries) to in_progress and
	// returns them. No two concurrent claimers ever receive the same item.
	ClaimBatch(ctx context.Context, phase Phase, limit, maxRetries int) ([]WorkItem, error)

	// MarkResult is the single authoritative transition out of in_progress:
	// success, or failed with retryCount incremented. Marking an item that is
	// not in_progress returns ErrDoubleClaim.
	MarkResult(ctx context.Context, id int64, success bool, errMsg string) error

	// MarkSkipped finishes an in_progress item whose output already exists.
	MarkSkipped(ctx context.Context, id int64) error

	// ReapAbandoned resets items left in_progress by a crashed run back to
	// pending and returns how many were reset.
	ReapAbandoned(ctx context.Context) (int, error)

	// CountByStatus returns per-status item counts for a phase.
	CountByStatus(ctx context.Context, phase Phase) (map[ItemStatus]int, error)

	// CountClaimable returns how many items a ClaimBatch could still return.
	CountClaimable(ctx context.Context, phase Phase, maxRetries int) (int, error)

	// TerminalFailures lists items that exhausted their retries.
	TerminalFailures(ctx context.Context, phase Phase, maxRetries int) ([]WorkItem, error)

	// SaveCheckpoint persists a phase-completion timestamp. Checkpoints are
	// observability only; resume derives entirely from item aggregates.
	SaveCheckpoint(ctx context.Context, phase Phase) error
}

// ResultStore persists phase-specific result rows alongside the queue.
type ResultStore interface {
	RecordDownload(ctx context.Context, res DownloadResult) error
	RecordExtraction(ctx context.Context, res ExtractionResult) error
	RecordStructuring(ctx context.Context, res StructuringResult) error

	// HasResult reports whether a result row exists for the item; used by
	// alreadyDone predicates so re-runs never redo completed work.
	HasResult(ctx context.Context, phase Phase, itemID int64) (bool, error)

	// TotalCost sums recorded structuring cost estimates.
	TotalCost(ctx context.Context) (float64, error)

	// Validate checks store consistency (orphaned results, stuck items).
	Validate(ctx context.Context) (ValidationReport, error)
}

// Store combines the queue and result persistence one backend provides.
type Store interface {
	WorkQueue
	ResultStore
}

// BlobStore writes and reads artifacts (PDFs, extracted text).
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	// ObjectSize returns the stored size, or an error if the object is absent.
	ObjectSize(ctx context.Context, path string) (int64, error)
}

// Browser is one rendered-page session on loan from the resource pool.
type Browser interface {
	Navigate(ctx context.Context, url string) (string, error)
	IsAlive() bool
	Close()
}

// Structurer turns unstructured document content into a typed course record.
// Implementations are rate-limited, billed per call, and must be treated as
// flaky; callers retry per queue policy.
type Structurer interface {
	Extract(ctx context.Context, doc Document) (CourseRecord, float64, error)
}

// Publisher pushes record-completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for artifact integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
