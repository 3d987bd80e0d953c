// Package notify delivers new-slot alerts through a push or e-mail provider.
//
// Each cycle produces at most one message aggregating every new slot, so a
// burst of openings never turns into a burst of pushes. Delivery is
// best-effort: failures come back as a Result, never as a panic or retry.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tbourn/slot-hunter/internal/domain"
	"github.com/tbourn/slot-hunter/internal/observability"
)

const (
	// DefaultTitle heads every message when the caller sets none.
	DefaultTitle = "Slot hunter"
	// ShutdownText is the body of the final notice sent before the poller stops.
	ShutdownText = "Slot hunter has shut down after repeated errors"

	linePrefix = "Hurry! New appointment: "
)

// Priority hints how loudly a provider should deliver.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// Message is one provider-agnostic notification.
type Message struct {
	Title    string
	Body     string
	Priority Priority
}

// Sender delivers a message. Implementations must honour ctx.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ErrDelivery is wrapped by every provider rejection.
var ErrDelivery = errors.New("notify: delivery failed")

// ProviderError carries the provider's answer for a rejected message.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
}

func (e *ProviderError) Is(target error) bool { return target == ErrDelivery }

// Result is the outcome of one dispatch.
type Result struct {
	Delivered bool
	Reason    string // set when Delivered is false
}

// Line renders one slot as it appears in a message.
func Line(s domain.Slot) string {
	return linePrefix + s.String()
}

// BuildMessage aggregates slots into one high-priority message, one line
// per slot in the given order.
func BuildMessage(title string, slots []domain.Slot) Message {
	lines := make([]string, 0, len(slots))
	for _, s := range slots {
		lines = append(lines, Line(s))
	}
	return Message{Title: titleOr(title), Body: strings.Join(lines, "\n"), Priority: PriorityHigh}
}

// ShutdownMessage is the terminal notice. cause, when non-nil, is appended
// so the operator sees why the poller stopped.
func ShutdownMessage(title string, cause error) Message {
	body := ShutdownText
	if cause != nil {
		body += ": " + cause.Error()
	}
	return Message{Title: titleOr(title), Body: body, Priority: PriorityHigh}
}

func titleOr(t string) string {
	if strings.TrimSpace(t) == "" {
		return DefaultTitle
	}
	return t
}

// Dispatch sends one aggregated message for slots. An empty slot list sends
// nothing and counts as delivered.
func Dispatch(ctx context.Context, s Sender, title string, slots []domain.Slot) Result {
	if len(slots) == 0 {
		return Result{Delivered: true}
	}
	return Deliver(ctx, s, BuildMessage(title, slots))
}

// Deliver sends msg and folds any error into a Result.
func Deliver(ctx context.Context, s Sender, msg Message) Result {
	ctx, span := observability.Tracer().Start(ctx, "notify.send")
	defer span.End()
	span.SetAttributes(attribute.Int("notify.body_bytes", len(msg.Body)))

	if s == nil {
		span.SetStatus(codes.Error, "no sender")
		return Result{Reason: "no sender configured"}
	}
	if err := s.Send(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Reason: err.Error()}
	}
	return Result{Delivered: true}
}
