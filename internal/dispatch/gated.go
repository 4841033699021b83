package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"school-messaging/internal/model"
)

// Sender is satisfied by Service.
type Sender interface {
	Send(ctx context.Context, tenantID, recipient, body string) Result
}

// QuotaGate authorizes sends against a usage ceiling and accounts for them afterwards.
type QuotaGate interface {
	CheckAndReserve(ctx context.Context, tenantID string, count int) (bool, error)
	Commit(ctx context.Context, tenantID string, count int) error
	Rollback(ctx context.Context, tenantID string, count int) error
}

// QuotaLimiter stores a tenant's monthly allowance; nil means unlimited.
type QuotaLimiter interface {
	SetQuotaLimit(ctx context.Context, tenantID string, limit *int) error
}

// ApplyQuotaLimits writes configured monthly limits to the quota store. A negative
// limit clears the ceiling.
func ApplyQuotaLimits(ctx context.Context, store QuotaLimiter, limits map[string]int) error {
	for tenantID, n := range limits {
		var limit *int
		if n >= 0 {
			limit = &n
		}
		if err := store.SetQuotaLimit(ctx, tenantID, limit); err != nil {
			return errors.Wrapf(err, "applying quota limit for tenant %s", tenantID)
		}
		log.WithFields(log.Fields{"tenant": tenantID, "limit": n}).Info("monthly quota limit applied")
	}
	return nil
}

// Journal records send outcomes.
type Journal interface {
	InsertMessage(ctx context.Context, m *model.Message) error
}

// Gated is the quota-aware caller of a Sender: reserve, send, then commit or roll back.
type Gated struct {
	sender      Sender
	gate        QuotaGate
	journal     Journal
	concurrency int
}

func NewGated(sender Sender, gate QuotaGate, journal Journal, concurrency int) *Gated {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Gated{sender: sender, gate: gate, journal: journal, concurrency: concurrency}
}

func (g *Gated) Send(ctx context.Context, tenantID, recipient, body string) Result {
	return g.send(ctx, tenantID, recipient, body, nil)
}

// SendJob performs the gated send for one queued broadcast job.
func (g *Gated) SendJob(ctx context.Context, job model.OutboundJob) Result {
	id := job.BroadcastID
	return g.send(ctx, job.TenantID, job.Recipient, job.Body, &id)
}

func (g *Gated) send(ctx context.Context, tenantID, recipient, body string, broadcastID *uuid.UUID) Result {
	entry := log.WithField("tenant", tenantID)
	allowed, err := g.gate.CheckAndReserve(ctx, tenantID, 1)
	if err != nil {
		entry.WithError(err).Error("quota check failed")
		return failure(CodeSendFailure, "quota check unavailable")
	}
	if !allowed {
		res := failure(CodeQuotaExceeded, "monthly messaging quota exhausted")
		g.record(ctx, tenantID, recipient, body, broadcastID, res)
		return res
	}

	res := g.sender.Send(ctx, tenantID, recipient, body)
	if res.OK() {
		g.commit(ctx, tenantID, 1)
	} else {
		g.rollback(ctx, tenantID, 1)
	}
	g.record(ctx, tenantID, recipient, body, broadcastID, res)
	return res
}

// RecipientResult is one recipient's outcome within a broadcast.
type RecipientResult struct {
	Recipient string `json:"recipient"`
	Result    Result `json:"result"`
}

type BroadcastReport struct {
	BroadcastID uuid.UUID `json:"broadcast_id"`
	// Denied is set when the batch does not fit the remaining quota.
	Denied bool `json:"denied"`
	// Unavailable is set when the quota could not be checked; nothing was sent.
	Unavailable bool              `json:"unavailable,omitempty"`
	Required    int               `json:"required"`
	Sent        int               `json:"sent"`
	Failed      int               `json:"failed"`
	Results     []RecipientResult `json:"results,omitempty"`
}

// Broadcast sends body to every distinct recipient. The whole batch is reserved up front
// and denied outright when it does not fit the quota.
func (g *Gated) Broadcast(ctx context.Context, tenantID string, recipients []string, body string) BroadcastReport {
	unique := DedupeRecipients(recipients)
	report := BroadcastReport{BroadcastID: uuid.Must(uuid.NewV7()), Required: len(unique)}
	if len(unique) == 0 {
		return report
	}
	entry := log.WithFields(log.Fields{"tenant": tenantID, "broadcast": report.BroadcastID})

	allowed, err := g.gate.CheckAndReserve(ctx, tenantID, len(unique))
	if err != nil {
		entry.WithError(err).Error("quota check failed for broadcast")
		report.Unavailable = true
		return report
	}
	if !allowed {
		report.Denied = true
		return report
	}

	results := make([]RecipientResult, len(unique))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for i, to := range unique {
		eg.Go(func() error {
			res := g.sender.Send(egctx, tenantID, to, body)
			results[i] = RecipientResult{Recipient: to, Result: res}
			return nil
		})
	}
	_ = eg.Wait()

	for _, r := range results {
		if r.Result.OK() {
			report.Sent++
		} else {
			report.Failed++
		}
		g.record(ctx, tenantID, r.Recipient, body, &report.BroadcastID, r.Result)
	}
	if report.Sent > 0 {
		g.commit(ctx, tenantID, report.Sent)
	}
	if report.Failed > 0 {
		g.rollback(ctx, tenantID, report.Failed)
	}
	report.Results = results
	entry.WithFields(log.Fields{"sent": report.Sent, "failed": report.Failed}).Info("broadcast finished")
	return report
}

// DedupeRecipients drops blanks and repeats while keeping first-seen order.
func DedupeRecipients(recipients []string) []string {
	seen := make(map[string]struct{}, len(recipients))
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func (g *Gated) commit(ctx context.Context, tenantID string, n int) {
	if err := g.gate.Commit(ctx, tenantID, n); err != nil {
		log.WithError(err).WithField("tenant", tenantID).Error("failed to commit quota usage")
	}
}

func (g *Gated) rollback(ctx context.Context, tenantID string, n int) {
	if err := g.gate.Rollback(ctx, tenantID, n); err != nil {
		log.WithError(err).WithField("tenant", tenantID).Error("failed to roll back quota reservation")
	}
}

func (g *Gated) record(ctx context.Context, tenantID, recipient, body string, broadcastID *uuid.UUID, res Result) {
	if g.journal == nil {
		return
	}
	to := res.Recipient
	if to == "" {
		to = recipient
	}
	m := &model.Message{
		ID:          uuid.Must(uuid.NewV7()),
		TenantID:    tenantID,
		BroadcastID: broadcastID,
		Recipient:   to,
		Body:        body,
		Outcome:     string(res.Code),
		Detail:      res.Detail,
		ExternalID:  res.MessageID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := g.journal.InsertMessage(ctx, m); err != nil {
		log.WithError(err).WithField("tenant", tenantID).Warn("failed to journal message")
	}
}
