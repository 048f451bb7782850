package handlerwrapper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/trace"
)

// ctxKey is unexported to keep context keys collision-free.
type ctxKey string

// CtxKeyReplyTo carries the reply subject extracted from incoming message
// metadata, for request/reply style handlers.
const CtxKeyReplyTo ctxKey = "reply_to"

// Result is one outgoing event produced by a handler. Payload is marshalled
// to JSON and published to Topic.
type Result struct {
	Topic   string
	Payload interface{}
}

// WrapTyped adapts a typed handler into a watermill NoPublishHandlerFunc.
// It unmarshals the incoming payload into T, runs the handler under a span,
// and publishes every returned Result through the publisher. Panics are
// recovered and surfaced as errors so a bad payload cannot take down the
// router.
func WrapTyped[T any](
	handlerName string,
	logger *slog.Logger,
	tracer trace.Tracer,
	publisher message.Publisher,
	handler func(ctx context.Context, payload *T) ([]Result, error),
) message.NoPublishHandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(msg *message.Message) (err error) {
		ctx := msg.Context()
		ctx, span := tracer.Start(ctx, handlerName)
		defer span.End()

		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "Handler panicked",
					slog.String("handler", handlerName),
					slog.Any("panic", r),
				)
				err = fmt.Errorf("handler %s panicked: %v", handlerName, r)
			}
		}()

		if replyTo := msg.Metadata.Get("reply_to"); replyTo != "" {
			ctx = context.WithValue(ctx, CtxKeyReplyTo, replyTo)
		}

		payload := new(T)
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			logger.ErrorContext(ctx, "Failed to unmarshal payload",
				slog.String("handler", handlerName),
				slog.String("message_id", msg.UUID),
				slog.Any("error", err),
			)
			// Malformed payloads are dropped, not redelivered.
			return nil
		}

		results, err := handler(ctx, payload)
		if err != nil {
			logger.ErrorContext(ctx, "Handler failed",
				slog.String("handler", handlerName),
				slog.String("message_id", msg.UUID),
				slog.Any("error", err),
			)
			return err
		}

		for _, result := range results {
			body, err := json.Marshal(result.Payload)
			if err != nil {
				return fmt.Errorf("failed to marshal result for %s: %w", result.Topic, err)
			}

			out := message.NewMessage(watermill.NewUUID(), body)
			out.SetContext(ctx)
			out.Metadata.Set("subject", result.Topic)
			out.Metadata.Set("causation_id", msg.UUID)

			if err := publisher.Publish(result.Topic, out); err != nil {
				return fmt.Errorf("failed to publish result to %s: %w", result.Topic, err)
			}
		}

		return nil
	}
}
