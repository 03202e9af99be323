package provisioning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/platinummonkey/idsync/pkg/accounts"
	"github.com/platinummonkey/idsync/pkg/idp"
	"github.com/platinummonkey/idsync/pkg/idp/idptest"
	"github.com/platinummonkey/idsync/pkg/observability"
)

type fixture struct {
	srv     *idptest.Server
	api     idp.AdminAPI
	store   *flakyStore
	svc     *Service
	hook    *test.Hook
	clock   *clockwork.FakeClock
	metrics *observability.Metrics
}

func newFixture(t *testing.T, wrap func(idp.AdminAPI) idp.AdminAPI) *fixture {
	t.Helper()
	srv := idptest.NewServer()
	t.Cleanup(srv.Close)

	base, hook := test.NewNullLogger()
	logger := observability.NewLoggerFrom(base)
	metrics := observability.NewNopMetrics()
	client, _ := srv.NewClient(logger, metrics)

	var api idp.AdminAPI = client
	if wrap != nil {
		api = wrap(client)
	}

	store := &flakyStore{MemoryStore: accounts.NewMemoryStore()}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	svc := NewService(api, store, logger, WithClock(clock), WithIssueStore(store), WithMetrics(metrics))

	return &fixture{srv: srv, api: api, store: store, svc: svc, hook: hook, clock: clock, metrics: metrics}
}

func aliceRequest() CreateRequest {
	return CreateRequest{
		Username:          "alice",
		Email:             "alice@example.com",
		Organization:      "Acme",
		TemporaryPassword: "Temp#1234",
		Role:              "Client",
	}
}

func messages(hook *test.Hook, level logrus.Level, message string) []*logrus.Entry {
	var out []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == level && e.Message == message {
			out = append(out, e)
		}
	}
	return out
}

// flakyStore fails Create while failCreate is set.
type flakyStore struct {
	*accounts.MemoryStore
	mu         sync.Mutex
	failCreate error
}

func (s *flakyStore) setFailCreate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreate = err
}

func (s *flakyStore) Create(ctx context.Context, account *accounts.Account) error {
	s.mu.Lock()
	err := s.failCreate
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Create(ctx, account)
}

// hookedAPI overrides selected AdminAPI calls.
type hookedAPI struct {
	idp.AdminAPI
	findUsersByUsername func(ctx context.Context, username string) ([]idp.User, error)
}

func (h *hookedAPI) FindUsersByUsername(ctx context.Context, username string) ([]idp.User, error) {
	if h.findUsersByUsername != nil {
		return h.findUsersByUsername(ctx, username)
	}
	return h.AdminAPI.FindUsersByUsername(ctx, username)
}
