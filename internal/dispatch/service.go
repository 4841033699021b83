package dispatch

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"school-messaging/internal/metrics"
	"school-messaging/internal/model"
	"school-messaging/internal/session"
)

// Sessions is the part of the session registry dispatch depends on.
type Sessions interface {
	Lookup(tenantID string) (*session.LiveHandle, bool)
	Status(ctx context.Context, tenantID string) (*model.TenantSession, error)
}

type Options struct {
	// CountryCode returns the dialing code replacing a local trunk prefix for a tenant.
	CountryCode   func(tenantID string) string
	AddressSuffix string
	// SendTimeout bounds the transport call; it must be set.
	SendTimeout time.Duration
}

// Service formats and transmits messages over a tenant's live session.
type Service struct {
	sessions Sessions
	opts     Options
}

func NewService(sessions Sessions, opts Options) *Service {
	if opts.CountryCode == nil {
		opts.CountryCode = func(string) string { return "92" }
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 20 * time.Second
	}
	return &Service{sessions: sessions, opts: opts}
}

// Send transmits body to recipientRaw over tenantID's session and classifies the outcome.
func (s *Service) Send(ctx context.Context, tenantID, recipientRaw, body string) (res Result) {
	entry := log.WithField("tenant", tenantID)
	defer func() {
		if p := recover(); p != nil {
			entry.WithField("panic", p).Error("connection client panicked during send")
			res = failure(CodeSendFailure, fmt.Sprintf("client panic: %v", p))
		}
		metrics.MessagesSent.WithLabelValues(tenantID, string(res.Code)).Inc()
	}()

	h, ok := s.sessions.Lookup(tenantID)
	if !ok {
		return failure(CodeNotConnected, "no live messaging session")
	}

	st, err := s.sessions.Status(ctx, tenantID)
	if err != nil {
		entry.WithError(err).Warn("failed to read session status before send")
		return failure(CodeSendFailure, "session status unavailable")
	}
	switch st.Status {
	case model.StatusConnected:
	case model.StatusInitializing, model.StatusWaitingForScan:
		return notReady(st.Status)
	default:
		return failure(CodeNotConnected, fmt.Sprintf("messaging session is %s", st.Status))
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()

	state, err := h.Client.State(sendCtx)
	if err != nil {
		entry.WithError(err).Warn("failed to query connection state")
		return failure(CodeSendFailure, "connection state unavailable")
	}
	switch state {
	case session.ClientConnected:
	case session.ClientOpening:
		return notReady(model.StatusInitializing)
	default:
		return failure(CodeNotConnected, fmt.Sprintf("connection state is %s", state))
	}

	address, err := CanonicalAddress(recipientRaw, s.opts.CountryCode(tenantID), s.opts.AddressSuffix)
	if err != nil {
		return failure(CodeInvalidRecipient, err.Error())
	}

	id, err := h.Client.SendMessage(sendCtx, address, body)
	if err != nil {
		entry.WithError(err).WithField("recipient", address).Warn("message send failed")
		return Result{Code: CodeSendFailure, Detail: err.Error(), Recipient: address}
	}
	return Result{Code: CodeOK, Recipient: address, MessageID: id}
}
