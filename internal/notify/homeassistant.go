package notify

import (
	"context"
	"fmt"
)

// ServiceCaller invokes a Home Assistant service.
// *homeassistant.Client satisfies it.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// HANotifier sends alerts through a Home Assistant notify service such
// as notify.mobile_app_phone.
type HANotifier struct {
	caller  ServiceCaller
	service string
}

// NewHANotifier creates a channel for notify.<service>.
func NewHANotifier(caller ServiceCaller, service string) *HANotifier {
	return &HANotifier{caller: caller, service: service}
}

// Notify implements [Notifier].
func (h *HANotifier) Notify(ctx context.Context, a Alert) error {
	data := map[string]any{
		"title":   Subject(a),
		"message": a.Text,
		"data": map[string]any{
			"tag":      "vigil-alert",
			"run_id":   a.RunID,
			"priority": "high",
		},
	}
	if err := h.caller.CallService(ctx, "notify", h.service, data); err != nil {
		return fmt.Errorf("notify.%s: %w", h.service, err)
	}
	return nil
}
