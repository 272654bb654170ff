package application

import (
	"context"
	"time"

	"github.com/escalopa/quran-lab/internal/domain"
)

// SystemStatus describes what the running service accepts and how it is wired
type SystemStatus struct {
	Status           string            `json:"status"`
	SupportedQiraats []domain.Qiraat   `json:"supported_qiraats"`
	DefaultQiraat    domain.Qiraat     `json:"default_qiraat"`
	Tiers            int               `json:"tiers"`
	ResponseBudget   string            `json:"response_budget"`
	ValidationLayers []domain.Stage    `json:"validation_layers"`
	Integrations     map[string]string `json:"integrations,omitempty"`
	Unattested       int               `json:"unattested"`
	Uptime           string            `json:"uptime"`
	Timestamp        time.Time         `json:"timestamp"`
}

// Status reports the service configuration. A working-state store that
// cannot be read marks the status degraded.
func (p *Pipeline) Status(ctx context.Context) (*SystemStatus, error) {
	now := p.now()
	st := &SystemStatus{
		Status:           "active",
		SupportedQiraats: append([]domain.Qiraat(nil), p.opts.Qiraats...),
		DefaultQiraat:    p.opts.DefaultQiraat,
		Tiers:            len(p.levels.Tiers()),
		ResponseBudget:   p.esc.ResponseBudget().String(),
		ValidationLayers: p.esc.Layers(),
		Integrations:     p.opts.Integrations,
		Uptime:           now.Sub(p.started).Truncate(time.Second).String(),
		Timestamp:        now,
	}

	ids, err := p.submissions.Unattested(ctx, 0)
	if err != nil {
		p.log.Warn("status: list unattested", "error", err)
		st.Status = "degraded"
		return st, nil
	}
	st.Unattested = len(ids)
	return st, nil
}
