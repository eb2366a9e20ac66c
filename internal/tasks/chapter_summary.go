package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/store"
	"github.com/pagekeep/taskengine/internal/summarize"
	"github.com/pagekeep/taskengine/internal/task"
)

// TypeChapterSummary is the task type of the chapter summarization leaf.
const TypeChapterSummary = "chapter_summary"

// ChapterSummaryParams are the parameters of a chapter summarization task.
// Remaining carries the chapter indexes still to do in a sequential chain;
// each link submits the next sibling before doing its own work so a failed
// link cannot break the chain.
type ChapterSummaryParams struct {
	DocumentID   uuid.UUID `json:"document_id"   validate:"required"`
	ChapterIndex int       `json:"chapter_index" validate:"gte=0"`
	Remaining    []int     `json:"remaining,omitempty"`
}

// ChapterSummaryResult is the task's result payload. Conflict marks the
// version-conflict outcome: the summary was computed but could not be
// attached because the document kept changing; fan-in counts it as skipped.
type ChapterSummaryResult struct {
	DocumentID   uuid.UUID `json:"document_id"`
	ChapterIndex int       `json:"chapter_index"`
	Conflict     bool      `json:"conflict,omitempty"`
	AlreadyDone  bool      `json:"already_done,omitempty"`
	SummaryChars int       `json:"summary_chars,omitempty"`
}

// chapterProgress is the progress payload of a chapter summarization task.
type chapterProgress struct {
	Stage        string `json:"stage"`
	ChapterIndex int    `json:"chapter_index"`
}

// ChapterSummaryExecutable summarizes one chapter and attaches the summary
// to the document under the store's conditional-update contract.
type ChapterSummaryExecutable struct {
	documents  store.DocumentStore
	summarizer summarize.Summarizer
	logger     *slog.Logger
}

// NewChapterSummaryExecutable creates the executable.
func NewChapterSummaryExecutable(
	documents store.DocumentStore,
	summarizer summarize.Summarizer,
	logger *slog.Logger,
) (*ChapterSummaryExecutable, error) {
	if documents == nil {
		return nil, errors.New("document store cannot be nil")
	}
	if summarizer == nil {
		return nil, errors.New("summarizer cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &ChapterSummaryExecutable{
		documents:  documents,
		summarizer: summarizer,
		logger:     logger.With("task_type", TypeChapterSummary),
	}, nil
}

// Type returns the task type identifier.
func (e *ChapterSummaryExecutable) Type() string {
	return TypeChapterSummary
}

// NewParams returns a zero parameter struct for registry decoding.
func (e *ChapterSummaryExecutable) NewParams() any {
	return &ChapterSummaryParams{}
}

// IsRetryable reports whether the error is transient. Only summarizer
// transport failures are worth another attempt; document conflicts are an
// outcome, not an error, and never reach this predicate.
func (e *ChapterSummaryExecutable) IsRetryable(err error) bool {
	return errors.Is(err, summarize.ErrTransientFailure)
}

// Execute summarizes the chapter and merges the summary into the document.
// Retries re-run this from the start with the same parameters; the
// already-summarized check and the conditional update keep the side effect
// idempotent.
func (e *ChapterSummaryExecutable) Execute(ctx context.Context, tc *task.Context) (any, error) {
	p := tc.Params().(*ChapterSummaryParams)
	log := tc.Logger().With("document_id", p.DocumentID, "chapter_index", p.ChapterIndex)

	// Chain mode: hand the baton on first so a failure of this link does
	// not strand the remaining chapters.
	if len(p.Remaining) > 0 && tc.ParentID() != nil {
		next := ChapterSummaryParams{
			DocumentID:   p.DocumentID,
			ChapterIndex: p.Remaining[0],
			Remaining:    p.Remaining[1:],
		}
		if _, err := tc.SubmitSibling(ctx, TypeChapterSummary, next); err != nil {
			return nil, fmt.Errorf("failed to submit next chapter in chain: %w", err)
		}
	}

	if err := tc.ReportProgress(ctx, chapterProgress{Stage: "reading", ChapterIndex: p.ChapterIndex}); err != nil {
		return nil, err
	}

	doc, err := e.documents.GetDocument(ctx, p.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	chapter, err := doc.Chapter(p.ChapterIndex)
	if err != nil {
		return nil, fmt.Errorf("chapter %d: %w", p.ChapterIndex, err)
	}

	// A previous attempt may have gotten the summary attached before the
	// worker died; do not pay for the model call again.
	if chapter.Summary != "" {
		log.Info("chapter already summarized, skipping")
		return &ChapterSummaryResult{
			DocumentID:   p.DocumentID,
			ChapterIndex: p.ChapterIndex,
			AlreadyDone:  true,
			SummaryChars: len(chapter.Summary),
		}, nil
	}

	if err := tc.ReportProgress(ctx, chapterProgress{Stage: "summarizing", ChapterIndex: p.ChapterIndex}); err != nil {
		return nil, err
	}

	summary, err := e.summarizer.Summarize(ctx, chapter.Text, tc.UserID())
	if err != nil {
		return nil, fmt.Errorf("failed to summarize chapter %d: %w", p.ChapterIndex, err)
	}

	if tc.Cancelled() {
		// The model call already happened; its result is discarded.
		return nil, task.ErrCancelled
	}

	if err := tc.ReportProgress(ctx, chapterProgress{Stage: "attaching", ChapterIndex: p.ChapterIndex}); err != nil {
		return nil, err
	}

	conflict, err := e.attachSummary(ctx, p, summary)
	if err != nil {
		return nil, err
	}
	if conflict {
		log.Warn("document kept changing, reporting conflict outcome")
	} else {
		log.Info("chapter summary attached", "summary_chars", len(summary))
	}

	return &ChapterSummaryResult{
		DocumentID:   p.DocumentID,
		ChapterIndex: p.ChapterIndex,
		Conflict:     conflict,
		SummaryChars: len(summary),
	}, nil
}

// attachSummary merges the summary into the document with the
// at-most-one-retry CAS pattern: read, conditional update, and on a version
// mismatch re-read the latest document and try once more. A second mismatch
// is reported as a conflict outcome, not a failure, so fan-in still counts
// the chapter as processed.
func (e *ChapterSummaryExecutable) attachSummary(ctx context.Context, p *ChapterSummaryParams, summary string) (bool, error) {
	err := retry.Do(
		func() error {
			doc, err := e.documents.GetDocument(ctx, p.DocumentID)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if err := doc.AttachSummary(p.ChapterIndex, summary); err != nil {
				return retry.Unrecoverable(err)
			}
			return e.documents.UpdateDocument(ctx, doc, doc.Version)
		},
		retry.Attempts(2),
		retry.RetryIf(store.IsVersionMismatchError),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if store.IsVersionMismatchError(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to attach summary: %w", err)
	}
	return false, nil
}

// Ensure the executable satisfies the contract.
var _ task.Executable = (*ChapterSummaryExecutable)(nil)
