package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/csexpert/coursecrawler/internal/pipeline"
)

// minPDFBytes is the smallest plausible syllabus PDF; anything below is a
// truncated or error-page artifact and gets re-downloaded.
const minPDFBytes = 1024

// DownloadPath names the blob a download item writes to.
func DownloadPath(item pipeline.WorkItem) string {
	if code := pipeline.CourseCode(item.SourceKey); code != "" {
		return fmt.Sprintf("downloads/%s.pdf", code)
	}
	return fmt.Sprintf("downloads/item-%d.pdf", item.ID)
}

// DownloadPhase retrieves PDF syllabi over plain HTTP, stores them in the
// blob store, and feeds the structuring phase.
func DownloadPhase(client *http.Client, store pipeline.Store, blobs pipeline.BlobStore, hasher pipeline.Hasher, concurrency int, logger *zap.Logger) Phase {
	log := logger.Named("download")
	return Phase{
		Name:        pipeline.PhaseDownload,
		Concurrency: concurrency,
		LimiterKey:  func(pipeline.WorkItem) string { return KeyDownloads },
		AlreadyDone: func(ctx context.Context, item pipeline.WorkItem) (bool, error) {
			size, err := blobs.ObjectSize(ctx, DownloadPath(item))
			if err != nil || size <= minPDFBytes {
				return false, nil
			}
			return store.HasResult(ctx, pipeline.PhaseDownload, item.ID)
		},
		Op: func(ctx context.Context, item pipeline.WorkItem) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.SourceKey, nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("download pdf: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("download pdf: unexpected status %d", resp.StatusCode)
			}
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read pdf body: %w", err)
			}

			checksum, err := hasher.Hash(data)
			if err != nil {
				return fmt.Errorf("checksum pdf: %w", err)
			}

			// Blob first, then the next-phase item, then the result row.
			// A crash between steps re-runs the item; every step is
			// idempotent so nothing is duplicated.
			blobPath := DownloadPath(item)
			if _, err := blobs.PutObject(ctx, blobPath, "application/pdf", data); err != nil {
				return fmt.Errorf("store pdf: %w", err)
			}
			if _, err := store.Enqueue(ctx, pipeline.PhaseStructuring, blobPath, pipeline.KindPDF); err != nil && !errors.Is(err, pipeline.ErrDuplicateItem) {
				return fmt.Errorf("enqueue structuring item: %w", err)
			}
			if err := store.RecordDownload(ctx, pipeline.DownloadResult{
				ItemID:     item.ID,
				CourseCode: pipeline.CourseCode(item.SourceKey),
				BlobPath:   blobPath,
				SizeBytes:  int64(len(data)),
				Checksum:   checksum,
			}); err != nil {
				return fmt.Errorf("record download: %w", err)
			}

			log.Debug("pdf downloaded",
				zap.String("url", item.SourceKey),
				zap.String("blob", blobPath),
				zap.Int("bytes", len(data)))
			return nil
		},
	}
}
