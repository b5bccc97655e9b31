package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"distreg/internal/domain"
)

// UrgentPackageName is the package name every urgent update is published under.
const UrgentPackageName = "urgent-update"

// Notifier tells a partner contact out of band that an urgent update went out.
type Notifier interface {
	Notify(ctx context.Context, partner domain.Partner, message string, report domain.DispatchReport) error
}

// LogNotifier records the notification as a log line instead of sending mail.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, p domain.Partner, message string, r domain.DispatchReport) error {
	n.Log.Info("urgent notification", "op", "notify", "partner_id", p.ID, "email", p.ContactEmail, "dispatch_id", r.DispatchID, "message", message)
	return nil
}

type urgentPayload struct {
	Message      string `json:"message"`
	Priority     int    `json:"priority"`
	SourceTenant string `json:"source_tenant"`
	IssuedAt     int64  `json:"issued_at"`
}

// SendUrgent publishes message as the next urgent-update package and
// dispatches it Urgent to every Active partner, then notifies each
// dispatched partner that has a contact email.
func (d *Dispatcher) SendUrgent(ctx context.Context, message string, priority int) (domain.DispatchReport, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return domain.DispatchReport{}, fmt.Errorf("%w: urgent message is empty", domain.ErrValidation)
	}
	if priority <= 0 {
		priority = 1
	}
	payload, err := json.Marshal(urgentPayload{
		Message:      message,
		Priority:     priority,
		SourceTenant: d.cfg.FirmID,
		IssuedAt:     d.now().UTC().UnixNano(),
	})
	if err != nil {
		return domain.DispatchReport{}, fmt.Errorf("encode urgent payload: %w", err)
	}
	pkg, err := d.packages.Publish(ctx, UrgentPackageName, payload)
	if err != nil {
		return domain.DispatchReport{}, err
	}
	report, err := d.Dispatch(ctx, pkg.ID, domain.PriorityUrgent, Options{})
	if err != nil {
		return report, err
	}

	dispatched := map[string]bool{}
	for _, r := range report.Results {
		dispatched[r.PartnerID] = true
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for _, p := range d.partners.Snapshot() {
		if p.ContactEmail == "" || !dispatched[p.ID] {
			continue
		}
		if err := d.notifier.Notify(nctx, p, message, report); err != nil {
			d.log.Warn("urgent notification failed", "op", "notify", "partner_id", p.ID, "err", err)
		}
	}
	return report, nil
}
