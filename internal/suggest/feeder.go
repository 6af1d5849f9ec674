package suggest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kestrelvoice/kestrel/internal/observe"
	"github.com/kestrelvoice/kestrel/pkg/memory"
)

// Feeder routes retrieved caller memory into a session's suggestion queue.
// It shares the queue's capacity and rate limit with operator injections, so
// memory never crowds out a human supervisor beyond the same admission rules.
type Feeder struct {
	retriever memory.Retriever
	queue     *Queue
	callerID  string
	log       *slog.Logger
	metrics   *observe.Metrics
}

// NewFeeder wires a retriever to a session's queue. A nil logger falls back
// to slog.Default, a nil metrics to [observe.DefaultMetrics].
func NewFeeder(r memory.Retriever, q *Queue, callerID string, log *slog.Logger, metrics *observe.Metrics) *Feeder {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Feeder{
		retriever: r,
		queue:     q,
		callerID:  callerID,
		log:       log.With("component", "suggest.feeder", "caller_id", callerID),
		metrics:   metrics,
	}
}

// OnUtterance retrieves memory relevant to what the caller just said and
// pushes each hit as a suggestion. Rejections are expected under the rate
// limit and are logged at debug, not surfaced as errors.
func (f *Feeder) OnUtterance(ctx context.Context, utterance string) error {
	if utterance == "" {
		return nil
	}
	facts, err := f.retriever.Retrieve(ctx, f.callerID, utterance)
	if err != nil {
		return err
	}
	for _, fact := range facts {
		err := f.queue.Push(Suggestion{Text: fact, Priority: PriorityNormal, Source: "memory"})
		switch {
		case err == nil:
			f.metrics.RecordSuggestionAccepted(ctx, "memory")
			f.log.Debug("memory suggestion queued", "text", fact)
		case errors.Is(err, ErrRateLimited):
			f.metrics.RecordSuggestionRejected(ctx, ReasonRateLimited)
			f.log.Debug("memory suggestion dropped", "reason", err)
		case errors.Is(err, ErrQueueFull):
			f.metrics.RecordSuggestionRejected(ctx, ReasonQueueFull)
			f.log.Debug("memory suggestion dropped", "reason", err)
		case errors.Is(err, ErrQueueReleased):
			return nil
		default:
			return err
		}
	}
	return nil
}
