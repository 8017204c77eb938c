package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bookpipe/bookpipe/internal/queue"
	"github.com/bookpipe/bookpipe/internal/retry"
	"github.com/bookpipe/bookpipe/internal/store"
	"github.com/bookpipe/bookpipe/pkg/models"
)

const maxIllustrations = 4

// runTranslation translates the source document segment by segment,
// checkpointing after every segment so a retried attempt resumes instead of
// redoing finished work.
func (r *Runner) runTranslation(ctx context.Context, msg queue.TaskMessage, attempt int) (any, error) {
	job, err := r.loadJob(ctx, msg.JobID)
	if err != nil {
		return nil, err
	}

	if job.Status == models.JobStatusPending || job.Status == models.JobStatusFailed {
		err := r.store.WithTx(ctx, func(tx store.Store) error {
			if err := tx.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing); err != nil {
				return err
			}
			ev, err := models.NewOutboxEvent(models.EventStageStarted, job.ID,
				models.StageStartedPayload{JobID: job.ID, Kind: models.KindTranslation})
			if err != nil {
				return err
			}
			return tx.AppendEvent(ctx, ev)
		})
		if err != nil {
			return nil, fmt.Errorf("mark job processing: %w", err)
		}
	}

	src, err := r.objects.Get(ctx, job.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", job.SourcePath, err)
	}

	segments := splitSegments(string(src))
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: source document %s is empty", retry.ErrPrecondition, job.SourcePath)
	}

	outputs := make([]string, len(segments))
	done := 0
	if msg.Resume || attempt > 1 {
		if saved, ok := r.checkpoints.Read(ctx, job.ID); ok {
			done = min(len(saved), len(segments))
			copy(outputs, saved[:done])
			slog.Info("resuming translation from checkpoint",
				"job_id", job.ID, "segments_done", done, "segments_total", len(segments))
		} else if job.ResultPath != nil {
			// Checkpoint expired or was lost after a prior complete run.
			slog.Warn("resume requested without checkpoint, restarting from first segment",
				"job_id", job.ID)
		}
	}

	apiKey := r.providerKey(ctx, job.ID)
	for i := done; i < len(segments); i++ {
		out, err := r.provider.Complete(ctx, models.CompletionRequest{
			Prompt:  segments[i],
			Context: translationInstruction(job),
			APIKey:  apiKey,
		})
		if err != nil {
			return nil, fmt.Errorf("translate segment %d/%d: %w", i+1, len(segments), err)
		}
		outputs[i] = out
		r.checkpoints.Write(ctx, job.ID, outputs[:i+1])
		r.reportProgress(ctx, msg, (i+1)*100/len(segments))
	}

	resultPath := fmt.Sprintf("outputs/%s/translated.txt", job.ID)
	if err := r.objects.Put(ctx, resultPath, []byte(strings.Join(outputs, "\n\n")),
		"text/plain; charset=utf-8"); err != nil {
		return nil, fmt.Errorf("persist translation: %w", err)
	}
	r.checkpoints.Clear(ctx, job.ID)

	if err := r.completeStage(ctx, msg, job, resultPath); err != nil {
		return nil, err
	}
	return map[string]any{"segments": len(segments), "result_path": resultPath}, nil
}

// runValidation reviews the translated text and stores a findings report.
func (r *Runner) runValidation(ctx context.Context, msg queue.TaskMessage) (any, error) {
	job, err := r.loadJob(ctx, msg.JobID)
	if err != nil {
		return nil, err
	}
	if job.ValidationStatus != models.StageStatusInProgress {
		return nil, fmt.Errorf("%w: validation for job %s is %s, not %s",
			retry.ErrPrecondition, job.ID, job.ValidationStatus, models.StageStatusInProgress)
	}
	translated, err := r.translatedText(ctx, job)
	if err != nil {
		return nil, err
	}

	r.reportProgress(ctx, msg, 10)
	report, err := r.provider.Complete(ctx, models.CompletionRequest{
		Prompt:  translated,
		Context: validationInstruction(job),
		APIKey:  r.providerKey(ctx, job.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("validate translation: %w", err)
	}

	resultPath := fmt.Sprintf("outputs/%s/validation.txt", job.ID)
	if err := r.objects.Put(ctx, resultPath, []byte(report), "text/plain; charset=utf-8"); err != nil {
		return nil, fmt.Errorf("persist validation report: %w", err)
	}

	if err := r.completeStage(ctx, msg, job, resultPath); err != nil {
		return nil, err
	}
	return map[string]any{"result_path": resultPath}, nil
}

// runPostEdit polishes the translated text, folding in the validation report
// when one exists, and promotes the edited text to the job's final output.
func (r *Runner) runPostEdit(ctx context.Context, msg queue.TaskMessage) (any, error) {
	job, err := r.loadJob(ctx, msg.JobID)
	if err != nil {
		return nil, err
	}
	if job.PostEditStatus != models.StageStatusInProgress {
		return nil, fmt.Errorf("%w: post-edit for job %s is %s, not %s",
			retry.ErrPrecondition, job.ID, job.PostEditStatus, models.StageStatusInProgress)
	}
	translated, err := r.translatedText(ctx, job)
	if err != nil {
		return nil, err
	}

	instruction := postEditInstruction(job)
	if job.ValidationPath != nil {
		if report, err := r.objects.Get(ctx, *job.ValidationPath); err == nil {
			instruction += "\n\nReviewer findings to address:\n" + string(report)
		} else {
			slog.Warn("validation report unavailable, post-editing without it",
				"job_id", job.ID, "error", err)
		}
	}

	r.reportProgress(ctx, msg, 10)
	edited, err := r.provider.Complete(ctx, models.CompletionRequest{
		Prompt:  translated,
		Context: instruction,
		APIKey:  r.providerKey(ctx, job.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("post-edit translation: %w", err)
	}

	resultPath := fmt.Sprintf("outputs/%s/post_edited.txt", job.ID)
	if err := r.objects.Put(ctx, resultPath, []byte(edited), "text/plain; charset=utf-8"); err != nil {
		return nil, fmt.Errorf("persist post-edited text: %w", err)
	}

	if err := r.completeStage(ctx, msg, job, resultPath); err != nil {
		return nil, err
	}
	return map[string]any{"result_path": resultPath}, nil
}

// runIllustration generates up to maxIllustrations images from evenly spaced
// excerpts of the final text. It never touches the top-level job status.
func (r *Runner) runIllustration(ctx context.Context, msg queue.TaskMessage) (any, error) {
	job, err := r.loadJob(ctx, msg.JobID)
	if err != nil {
		return nil, err
	}
	if job.IllustrationStatus != models.StageStatusInProgress {
		return nil, fmt.Errorf("%w: illustration for job %s is %s, not %s",
			retry.ErrPrecondition, job.ID, job.IllustrationStatus, models.StageStatusInProgress)
	}
	text, err := r.translatedText(ctx, job)
	if err != nil {
		return nil, err
	}

	excerpts := pickExcerpts(splitSegments(text), maxIllustrations)
	if len(excerpts) == 0 {
		return nil, fmt.Errorf("%w: no text to illustrate for job %s", retry.ErrPrecondition, job.ID)
	}

	apiKey := r.providerKey(ctx, job.ID)
	for i, excerpt := range excerpts {
		img, err := r.provider.Illustrate(ctx, models.IllustrationRequest{
			Prompt: excerpt,
			Style:  "book illustration",
			APIKey: apiKey,
		})
		if err != nil {
			return nil, fmt.Errorf("illustrate excerpt %d/%d: %w", i+1, len(excerpts), err)
		}
		key := fmt.Sprintf("outputs/%s/illustrations/%d.png", job.ID, i+1)
		if err := r.objects.Put(ctx, key, img, "image/png"); err != nil {
			return nil, fmt.Errorf("persist illustration %d: %w", i+1, err)
		}
		r.reportProgress(ctx, msg, (i+1)*100/len(excerpts))
	}

	resultPath := fmt.Sprintf("outputs/%s/illustrations/", job.ID)
	if err := r.completeStage(ctx, msg, job, resultPath); err != nil {
		return nil, err
	}
	return map[string]any{"images": len(excerpts), "result_path": resultPath}, nil
}

// translatedText loads the job's current best text: the post-edit and
// validation stages read the translation output recorded on the job row.
func (r *Runner) translatedText(ctx context.Context, job *models.Job) (string, error) {
	if job.ResultPath == nil {
		return "", fmt.Errorf("%w: job %s has no translated output", retry.ErrPrecondition, job.ID)
	}
	data, err := r.objects.Get(ctx, *job.ResultPath)
	if err != nil {
		return "", fmt.Errorf("read translated output %s: %w", *job.ResultPath, err)
	}
	return string(data), nil
}

// splitSegments breaks a document into paragraph-sized units on blank lines.
func splitSegments(text string) []string {
	parts := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	return segments
}

// pickExcerpts samples up to n segments at even intervals.
func pickExcerpts(segments []string, n int) []string {
	if len(segments) <= n {
		return segments
	}
	excerpts := make([]string, 0, n)
	step := len(segments) / n
	for i := 0; i < n; i++ {
		excerpts = append(excerpts, segments[i*step])
	}
	return excerpts
}

func translationInstruction(job *models.Job) string {
	return fmt.Sprintf(
		"Translate the following text from %s to %s. Preserve paragraph structure and tone. Return only the translation.",
		job.SourceLang, job.TargetLang)
}

func validationInstruction(job *models.Job) string {
	return fmt.Sprintf(
		"Review the following %s translation for accuracy, fluency and omissions. List concrete findings, or state that none were found.",
		job.TargetLang)
}

func postEditInstruction(job *models.Job) string {
	return fmt.Sprintf(
		"Polish the following %s translation for fluency and consistency. Return only the edited text.",
		job.TargetLang)
}
