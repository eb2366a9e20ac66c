package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/aggregator"
	"github.com/pagekeep/taskengine/internal/domain"
)

// BatchSummaryFolder folds chapter outcomes into their batch parent's
// progress. It is registered with the fan-in aggregator for the chapter
// task type and must stay commutative: chapters finish in any order.
type BatchSummaryFolder struct {
	logger *slog.Logger
}

// NewBatchSummaryFolder creates the folder.
func NewBatchSummaryFolder(log *slog.Logger) *BatchSummaryFolder {
	return &BatchSummaryFolder{logger: log.With("component", "batch_summary_folder")}
}

// ChildType returns the child task type this folder aggregates.
func (f *BatchSummaryFolder) ChildType() string {
	return TypeChapterSummary
}

// Fold merges one chapter outcome into the parent's progress snapshot. A
// successful chapter that reports a version conflict counts as skipped; a
// cancelled chapter counts toward the total like a skip, taking any chain
// successors it stranded with it; everything else counts as processed.
// Once every expected chapter is accounted for, Fold returns the batch's
// terminal status and result.
func (f *BatchSummaryFolder) Fold(ctx context.Context, parent *domain.Task, oc aggregator.Outcome) (any, *aggregator.Terminal, error) {
	var progress BatchProgress
	if len(parent.Progress) > 0 {
		if err := json.Unmarshal(parent.Progress, &progress); err != nil {
			return nil, nil, fmt.Errorf("failed to decode batch progress: %w", err)
		}
	}
	if progress.Total == 0 {
		// The planner writes Total before spawning any child, so a zero
		// here means this outcome raced the planner's progress write and
		// the fold must retry against a fresher read.
		return nil, nil, fmt.Errorf("batch %s has no recorded child count yet", parent.ID)
	}

	switch {
	case oc.Cancelled:
		progress.Cancelled += 1 + cancelledTail(oc.Result)
	case oc.Success && isConflictOutcome(oc.Result):
		progress.Skipped++
	case oc.Success:
		progress.Processed++
		progress.Succeeded++
	default:
		progress.Processed++
		progress.Failed++
	}

	if !progress.Done() {
		return progress, nil, nil
	}

	status := aggregator.ResolveTerminal(progress.Succeeded, progress.Failed, progress.Skipped+progress.Cancelled)
	f.logger.InfoContext(ctx, "batch complete",
		"task_id", parent.ID,
		"status", status,
		"succeeded", progress.Succeeded,
		"failed", progress.Failed,
		"skipped", progress.Skipped,
		"cancelled", progress.Cancelled,
	)

	terminal := &aggregator.Terminal{
		Status: status,
		Result: &BatchSummaryResult{
			DocumentID:     batchDocumentID(parent),
			Total:          progress.Total,
			SuccessCount:   progress.Succeeded,
			FailedCount:    progress.Failed,
			SkippedCount:   progress.Skipped,
			CancelledCount: progress.Cancelled,
		},
	}
	return progress, terminal, nil
}

// cancelledTail counts the chain successors stranded by a chapter cancelled
// before it could hand the baton on. The cancel event carries the chapter's
// parameters in that case; a cancelled parallel chapter has no tail.
func cancelledTail(params json.RawMessage) int {
	if len(params) == 0 {
		return 0
	}
	var p ChapterSummaryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return 0
	}
	return len(p.Remaining)
}

// isConflictOutcome reports whether a completed chapter's result payload
// carries the version-conflict flag.
func isConflictOutcome(result json.RawMessage) bool {
	if len(result) == 0 {
		return false
	}
	var r ChapterSummaryResult
	if err := json.Unmarshal(result, &r); err != nil {
		return false
	}
	return r.Conflict
}

// batchDocumentID recovers the document ID from the parent's parameters for
// the result payload. A decode failure leaves it zero rather than failing
// the fold.
func batchDocumentID(parent *domain.Task) uuid.UUID {
	var p BatchSummaryParams
	if err := json.Unmarshal(parent.Params, &p); err != nil {
		return uuid.Nil
	}
	return p.DocumentID
}

var _ aggregator.Folder = (*BatchSummaryFolder)(nil)
