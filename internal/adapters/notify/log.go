package notify

import (
	"context"
	"errors"

	"github.com/bnema/interpreter-scheduler/internal/logger"
	"github.com/bnema/interpreter-scheduler/internal/ports"
	"github.com/sirupsen/logrus"
)

// LogNotifier writes assignment events to the structured log. It is the default
// notify.backend and never fails.
type LogNotifier struct {
	log *logrus.Entry
}

var _ ports.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(log logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{log: logger.Component(log, "notify")}
}

func (n *LogNotifier) Notify(_ context.Context, event ports.AssignmentEvent) error {
	entry := n.log.WithFields(logrus.Fields{
		"event":      string(event.Type),
		"booking_id": string(event.BookingID),
		"trigger":    string(event.Trigger),
	})
	if event.InterpreterID != "" {
		entry = entry.WithField("interpreter_id", string(event.InterpreterID))
	}
	if event.Reason != "" {
		entry = entry.WithField("reason", event.Reason)
	}

	if event.Type == ports.EventAssignmentFailed {
		entry.Warn("assignment event")
	} else {
		entry.Info("assignment event")
	}
	return nil
}

// Fanout delivers each event to every notifier and joins their errors.
type Fanout []ports.Notifier

var _ ports.Notifier = Fanout(nil)

func (f Fanout) Notify(ctx context.Context, event ports.AssignmentEvent) error {
	var errs []error
	for _, notifier := range f {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
