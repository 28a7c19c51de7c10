package alerts

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/avelar/meteocast/internal/metrics"
	"github.com/avelar/meteocast/internal/models"
)

const defaultSubject = "meteocast weather alerts"

// Sender fans triggered alerts out to the enabled channels. A nil
// channel is disabled; both default off.
type Sender struct {
	Telegram *Telegram
	Email    *Email
	Subject  string
}

// Dispatch joins the alert messages into one notification, headed by
// summary when non-empty, and sends it on every enabled channel. A
// channel failure is logged and does not stop the other channels.
func (s *Sender) Dispatch(ctx context.Context, summary string, alerts []models.Alert) error {
	if len(alerts) == 0 {
		log.Printf("alerts: nothing to send")
		return nil
	}

	lines := make([]string, 0, len(alerts)+2)
	if summary != "" {
		lines = append(lines, summary, "")
	}
	for _, a := range alerts {
		lines = append(lines, a.Message)
	}
	message := strings.Join(lines, "\n")

	if s.Telegram == nil && s.Email == nil {
		log.Printf("alerts: %d alerts triggered, no channels enabled", len(alerts))
		return nil
	}

	var errs []error
	sent := false
	if s.Telegram != nil {
		if err := s.Telegram.Send(ctx, message); err != nil {
			log.Printf("alerts: telegram: %v", err)
			errs = append(errs, err)
		} else {
			sent = true
			log.Printf("alerts: sent %d alerts to telegram", len(alerts))
		}
	}
	if s.Email != nil {
		subject := s.Subject
		if subject == "" {
			subject = defaultSubject
		}
		if err := s.Email.Send(subject, message); err != nil {
			log.Printf("alerts: email: %v", err)
			errs = append(errs, err)
		} else {
			sent = true
			log.Printf("alerts: sent %d alerts by email", len(alerts))
		}
	}
	if sent {
		for _, a := range alerts {
			metrics.AlertsSent.WithLabelValues(a.Kind).Inc()
		}
	}
	return errors.Join(errs...)
}
