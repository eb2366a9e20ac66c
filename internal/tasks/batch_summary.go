package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/store"
	"github.com/pagekeep/taskengine/internal/task"
)

// TypeBatchSummary is the task type of the batch summarization parent.
const TypeBatchSummary = "batch_summary"

// BatchSummaryParams are the parameters of a batch summarization task.
// FromChapter/ToChapter bound the half-open chapter range [From, To); a
// zero ToChapter means "through the last chapter". Sequential switches the
// fan-out from one-task-per-chapter to a single chain that walks the
// chapters in order.
type BatchSummaryParams struct {
	DocumentID  uuid.UUID `json:"document_id" validate:"required"`
	FromChapter int       `json:"from_chapter" validate:"gte=0"`
	ToChapter   int       `json:"to_chapter,omitempty" validate:"gte=0"`
	Sequential  bool      `json:"sequential,omitempty"`
}

// BatchProgress is the parent's progress snapshot, accumulated by the
// fan-in fold as children report. Processed counts children whose summary
// landed or definitively failed; Skipped counts version-conflict outcomes;
// Cancelled counts user-cancelled children, chain successors they stranded
// included. The batch is done when Processed+Skipped+Cancelled reaches
// Total.
type BatchProgress struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled,omitempty"`
}

// Done reports whether every expected child has been accounted for.
func (p BatchProgress) Done() bool {
	return p.Total > 0 && p.Processed+p.Skipped+p.Cancelled >= p.Total
}

// BatchSummaryResult is the parent's final result payload.
type BatchSummaryResult struct {
	DocumentID     uuid.UUID `json:"document_id"`
	Total          int       `json:"total"`
	SuccessCount   int       `json:"success_count"`
	FailedCount    int       `json:"failed_count"`
	SkippedCount   int       `json:"skipped_count"`
	CancelledCount int       `json:"cancelled_count,omitempty"`
}

// BatchSummaryExecutable plans a batch summarization: it resolves the
// chapter range, records the expected child count in its progress, spawns
// the chapter tasks and then parks until the fan-in aggregator folds the
// children's outcomes into a terminal state.
type BatchSummaryExecutable struct {
	documents store.DocumentStore
	logger    *slog.Logger
}

// NewBatchSummaryExecutable creates the executable.
func NewBatchSummaryExecutable(documents store.DocumentStore, logger *slog.Logger) (*BatchSummaryExecutable, error) {
	if documents == nil {
		return nil, errors.New("document store cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &BatchSummaryExecutable{
		documents: documents,
		logger:    logger.With("task_type", TypeBatchSummary),
	}, nil
}

// Type returns the task type identifier.
func (e *BatchSummaryExecutable) Type() string {
	return TypeBatchSummary
}

// NewParams returns a zero parameter struct for registry decoding.
func (e *BatchSummaryExecutable) NewParams() any {
	return &BatchSummaryParams{}
}

// IsRetryable reports whether the error is transient. Planning only reads
// the document and writes rows, so nothing here is worth retrying beyond
// the store's own transaction handling.
func (e *BatchSummaryExecutable) IsRetryable(err error) bool {
	return false
}

// Execute plans the batch. Returns ErrAwaitChildren after spawning so the
// worker releases the slot while the parent stays RUNNING; the fan-in
// aggregator owns the parent's terminal transition.
func (e *BatchSummaryExecutable) Execute(ctx context.Context, tc *task.Context) (any, error) {
	p := tc.Params().(*BatchSummaryParams)
	log := tc.Logger().With("document_id", p.DocumentID)

	doc, err := e.documents.GetDocument(ctx, p.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	from, to := p.FromChapter, p.ToChapter
	if to == 0 || to > len(doc.Chapters) {
		to = len(doc.Chapters)
	}
	if from > to {
		return nil, fmt.Errorf("%w: chapter range [%d, %d) is empty or inverted", task.ErrInvalidParams, from, to)
	}

	// Chapters that already carry a summary are not re-planned; a
	// resubmitted batch only pays for what is missing.
	var chapters []int
	for i := from; i < to; i++ {
		if doc.Chapters[i].Summary == "" {
			chapters = append(chapters, i)
		}
	}

	total := len(chapters)
	if p.Sequential && total > 0 {
		// A chain is one expected child per chapter all the same; each
		// link submits its successor itself.
		log.Info("planning sequential batch", "chapters", total)
	} else {
		log.Info("planning parallel batch", "chapters", total)
	}

	// The expected-child count must be durable before any child can
	// report, or the fold would see Total == 0.
	if err := tc.ReportProgress(ctx, BatchProgress{Total: total}); err != nil {
		return nil, err
	}

	if total == 0 {
		log.Info("nothing to summarize, completing immediately")
		return &BatchSummaryResult{DocumentID: p.DocumentID}, nil
	}

	if p.Sequential {
		first := ChapterSummaryParams{
			DocumentID:   p.DocumentID,
			ChapterIndex: chapters[0],
			Remaining:    chapters[1:],
		}
		if _, err := tc.SubmitSubtask(ctx, TypeChapterSummary, first); err != nil {
			return nil, fmt.Errorf("failed to submit chain head: %w", err)
		}
	} else {
		for _, idx := range chapters {
			child := ChapterSummaryParams{DocumentID: p.DocumentID, ChapterIndex: idx}
			if _, err := tc.SubmitSubtask(ctx, TypeChapterSummary, child); err != nil {
				return nil, fmt.Errorf("failed to submit chapter %d: %w", idx, err)
			}
		}
	}

	return nil, task.ErrAwaitChildren
}

var _ task.Executable = (*BatchSummaryExecutable)(nil)
