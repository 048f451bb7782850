package rankingservice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rankingevents "github.com/tourneykit/rankbot/app/modules/ranking/domain/events"
	rankingdb "github.com/tourneykit/rankbot/app/modules/ranking/infrastructure/repositories"
)

// Worker drains the recalc queue in a poll loop. One worker processes one
// tournament at a time; running several workers is safe because claims use
// row locks with SKIP LOCKED.
type Worker struct {
	service    Service
	publisher  message.Publisher
	logger     *slog.Logger
	idleDelay  time.Duration
	errorDelay time.Duration
}

// NewWorker creates a recalc queue worker.
func NewWorker(service Service, publisher message.Publisher, logger *slog.Logger, idleDelay, errorDelay time.Duration) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		service:    service,
		publisher:  publisher,
		logger:     logger,
		idleDelay:  idleDelay,
		errorDelay: errorDelay,
	}
}

// Run processes the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Recalc worker started")

	for {
		if err := ctx.Err(); err != nil {
			w.logger.InfoContext(ctx, "Recalc worker stopping")
			return err
		}

		outcome, err := w.service.ProcessNext(ctx)
		switch {
		case errors.Is(err, rankingdb.ErrQueueEmpty):
			if !w.sleep(ctx, w.idleDelay) {
				return ctx.Err()
			}
		case err != nil:
			w.logger.ErrorContext(ctx, "Recalc pass failed", slog.Any("error", err))
			if !w.sleep(ctx, w.errorDelay) {
				return ctx.Err()
			}
		case outcome.Failed:
			w.logger.WarnContext(ctx, "Tournament recalc failed, retry recorded",
				slog.Int64("tournament_id", outcome.TournamentID),
				slog.String("cause", outcome.FailureCause),
			)
		default:
			w.logger.InfoContext(ctx, "Tournament re-ranked",
				slog.Int64("tournament_id", outcome.TournamentID),
				slog.String("league", string(outcome.League)),
				slog.Int("changed_rows", outcome.ChangedRows),
			)
			w.publishReranked(ctx, outcome)
		}
	}
}

// publishReranked announces a completed ranking pass. Failure to publish is
// logged but never fails the pass; the positions are already committed.
func (w *Worker) publishReranked(ctx context.Context, outcome *RecalcOutcome) {
	if w.publisher == nil {
		return
	}

	payload := rankingevents.TournamentRerankedPayloadV1{
		TournamentID: outcome.TournamentID,
		League:       outcome.League,
		ChangedRows:  outcome.ChangedRows,
		RecalcAt:     time.Now(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to marshal reranked event", slog.Any("error", err))
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.SetContext(ctx)
	msg.Metadata.Set("subject", rankingevents.TournamentRerankedV1)

	if err := w.publisher.Publish(rankingevents.TournamentRerankedV1, msg); err != nil {
		w.logger.ErrorContext(ctx, "Failed to publish reranked event",
			slog.Int64("tournament_id", outcome.TournamentID),
			slog.Any("error", err),
		)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
