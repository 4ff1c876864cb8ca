package redirect

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/editlock/internal/lockstore"
	"pkt.systems/editlock/internal/svcfields"
)

// Shell is the host application: it describes where the user is and moves
// them on request.
type Shell interface {
	View() View
	Apply(ctx context.Context, d Decision) error
}

// Consumer takes staged redirection requests out of a lock store and hands
// the resolved decision to a Shell. Each request is taken exactly once.
type Consumer struct {
	store     *lockstore.Store
	shell     Shell
	logger    pslog.Logger
	decisions metric.Int64Counter
}

// NewConsumer wires store to shell. logger may be nil.
func NewConsumer(store *lockstore.Store, shell Shell, logger pslog.Logger) *Consumer {
	logger = svcfields.WithSubsystem(logger, "redirect")
	decisions, err := otel.Meter("pkt.systems/editlock/redirect").Int64Counter(
		"editlock.redirect.decisions",
		metric.WithDescription("Redirection requests consumed, by resulting action"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "editlock.redirect.decisions", "error", err)
	}
	return &Consumer{store: store, shell: shell, logger: logger, decisions: decisions}
}

// Run consumes requests until ctx ends. A request already pending when Run
// starts is handled first.
func (c *Consumer) Run(ctx context.Context) error {
	changed, cancel := c.store.Subscribe()
	defer cancel()
	c.ConsumeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
			c.ConsumeOnce(ctx)
		}
	}
}

// ConsumeOnce takes the pending request, if any, and applies it. It reports
// the decision and whether a request was taken.
func (c *Consumer) ConsumeOnce(ctx context.Context) (Decision, bool) {
	policy := c.store.TakeForceRedirectionRequest()
	if policy == nil {
		return Decision{}, false
	}
	d := Resolve(policy, c.shell.View())
	if c.decisions != nil {
		c.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("editlock.action", d.Action.String())))
	}
	if d.Action == ActionNone {
		c.logger.Debug("redirect.skipped", "target_item_id", d.TargetItemID, "reason", d.Reason)
		return d, true
	}
	if err := c.shell.Apply(ctx, d); err != nil {
		c.logger.Warn("redirect.apply.failed", "action", d.Action.String(), "collection_id", d.CollectionID, "error", err)
		return d, true
	}
	c.logger.Info("redirect.applied", "action", d.Action.String(), "collection_id", d.CollectionID, "target_item_id", d.TargetItemID, "reason", d.Reason)
	return d, true
}
