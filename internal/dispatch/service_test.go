package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"school-messaging/internal/dispatch"
	"school-messaging/internal/model"
	"school-messaging/internal/session"
	"school-messaging/internal/storage"
	"school-messaging/internal/testutil/fakeconn"
)

type harness struct {
	store    *storage.Memory
	factory  *fakeconn.Factory
	registry *session.Registry
	service  *dispatch.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemory(), factory: fakeconn.NewFactory()}
	h.registry = session.NewRegistry(h.store, h.factory, session.Options{})
	t.Cleanup(func() { _ = h.registry.Close(context.Background()) })
	h.service = dispatch.NewService(h.registry, dispatch.Options{
		CountryCode: func(tenantID string) string {
			if tenantID == "uk-school" {
				return "44"
			}
			return "92"
		},
		AddressSuffix: "@c.us",
		SendTimeout:   time.Second,
	})
	return h
}

func (h *harness) connect(t *testing.T, tenantID string) *fakeconn.Client {
	t.Helper()
	require.NoError(t, h.registry.Initialize(context.Background(), tenantID))
	c := h.factory.Last(tenantID)
	c.EmitReady()
	require.Eventually(t, func() bool {
		s, err := h.registry.Status(context.Background(), tenantID)
		return err == nil && s.Status == model.StatusConnected
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func TestSendWithoutSessionIsNotConnected(t *testing.T) {
	h := newHarness(t)

	res := h.service.Send(context.Background(), "school-42", "0300-1234567", "hello")
	require.Equal(t, dispatch.CodeNotConnected, res.Code)
	require.False(t, res.OK())
}

func TestSendWhilePairingIsNotReady(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Initialize(context.Background(), "school-1"))
	h.factory.Last("school-1").EmitPairing("code")
	require.Eventually(t, func() bool {
		s, _ := h.registry.Status(context.Background(), "school-1")
		return s.Status == model.StatusWaitingForScan
	}, 2*time.Second, 5*time.Millisecond)

	res := h.service.Send(context.Background(), "school-1", "0300-1234567", "hello")
	require.Equal(t, dispatch.CodeNotReady, res.Code)
	require.Equal(t, model.StatusWaitingForScan, res.SubStatus)
}

func TestSendDelivers(t *testing.T) {
	h := newHarness(t)
	client := h.connect(t, "school-1")

	res := h.service.Send(context.Background(), "school-1", "0300-1234567", "Fee reminder")
	require.True(t, res.OK(), res.Detail)
	require.Equal(t, "923001234567@c.us", res.Recipient)
	require.Equal(t, "msg-1-1", res.MessageID)
	require.Equal(t, []fakeconn.Sent{{Address: "923001234567@c.us", Body: "Fee reminder"}}, client.Sent())
}

func TestSendUsesTenantCountryCode(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "uk-school")

	res := h.service.Send(context.Background(), "uk-school", "07911 123456", "hi")
	require.True(t, res.OK())
	require.Equal(t, "447911123456@c.us", res.Recipient)
}

func TestSendInvalidRecipient(t *testing.T) {
	h := newHarness(t)
	client := h.connect(t, "school-1")

	res := h.service.Send(context.Background(), "school-1", "12", "hi")
	require.Equal(t, dispatch.CodeInvalidRecipient, res.Code)
	require.Empty(t, client.Sent())
}

func TestSendTransportError(t *testing.T) {
	h := newHarness(t)
	client := h.connect(t, "school-1")
	client.FailSends(errors.New("rate limited by network"))

	res := h.service.Send(context.Background(), "school-1", "923001234567", "hi")
	require.Equal(t, dispatch.CodeSendFailure, res.Code)
	require.Contains(t, res.Detail, "rate limited")
}

func TestSendAfterTeardown(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "school-1")
	require.NoError(t, h.registry.Teardown(context.Background(), "school-1"))

	res := h.service.Send(context.Background(), "school-1", "923001234567", "hi")
	require.Equal(t, dispatch.CodeNotConnected, res.Code)
}

type panickingClient struct{}

func (panickingClient) Start(context.Context) error   { return nil }
func (panickingClient) Destroy(context.Context) error { return nil }
func (panickingClient) State(context.Context) (session.ClientState, error) {
	return session.ClientConnected, nil
}
func (panickingClient) SendMessage(context.Context, string, string) (string, error) {
	panic("page crashed")
}

type staticSessions struct {
	handle *session.LiveHandle
	status model.SessionStatus
}

func (s staticSessions) Lookup(string) (*session.LiveHandle, bool) {
	return s.handle, s.handle != nil
}

func (s staticSessions) Status(_ context.Context, tenantID string) (*model.TenantSession, error) {
	return &model.TenantSession{TenantID: tenantID, Status: s.status}, nil
}

func TestSendRecoversClientPanic(t *testing.T) {
	svc := dispatch.NewService(staticSessions{
		handle: &session.LiveHandle{TenantID: "school-1", Generation: 1, Client: panickingClient{}},
		status: model.StatusConnected,
	}, dispatch.Options{AddressSuffix: "@c.us"})

	res := svc.Send(context.Background(), "school-1", "923001234567", "hi")
	require.Equal(t, dispatch.CodeSendFailure, res.Code)
	require.Contains(t, res.Detail, "page crashed")
}

type openingClient struct{ panickingClient }

func (openingClient) State(context.Context) (session.ClientState, error) {
	return session.ClientOpening, nil
}

func TestSendWhileClientStillOpening(t *testing.T) {
	svc := dispatch.NewService(staticSessions{
		handle: &session.LiveHandle{TenantID: "school-1", Generation: 1, Client: openingClient{}},
		status: model.StatusConnected,
	}, dispatch.Options{AddressSuffix: "@c.us"})

	res := svc.Send(context.Background(), "school-1", "923001234567", "hi")
	require.Equal(t, dispatch.CodeNotReady, res.Code)
	require.Equal(t, model.StatusInitializing, res.SubStatus)
}

func TestPairThenSendScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.registry.Initialize(ctx, "school-1"))
	client := h.factory.Last("school-1")
	client.EmitPairing("QR-ABC")
	require.Eventually(t, func() bool {
		s, _ := h.registry.Status(ctx, "school-1")
		return s.Status == model.StatusWaitingForScan && s.PairingPayload != nil && *s.PairingPayload == "QR-ABC"
	}, 2*time.Second, 5*time.Millisecond)

	client.EmitReady()
	require.Eventually(t, func() bool {
		s, _ := h.registry.Status(ctx, "school-1")
		return s.Status == model.StatusConnected && s.PairingPayload == nil
	}, 2*time.Second, 5*time.Millisecond)

	res := h.service.Send(ctx, "school-1", "03001234567", "Fee due")
	require.True(t, res.OK(), res.Detail)
	require.Equal(t, "923001234567@c.us", res.Recipient)
}
