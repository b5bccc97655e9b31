package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"distreg/internal/config"
	"distreg/internal/domain"
	"distreg/internal/dispatch"
	"distreg/internal/storage/memory"
	"distreg/internal/transport/socket"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	cfg.Transport.Socket.AuthToken = "secret"
	cfg.Dispatch.AttemptTimeout = 2 * time.Second
	cfg.Dispatch.BaseDelay = time.Millisecond
	cfg.Dispatch.MaxDelay = 5 * time.Millisecond
	return cfg
}

// startPartner runs a socket receiver for partnerID and returns its address.
func startPartner(t *testing.T, partnerID string) (*socket.Inbox, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	inbox := socket.NewInbox(memory.NewEngine(), nil)
	srv := socket.NewServer(socket.Config{Address: "127.0.0.1:0", AuthToken: "secret", PartnerID: partnerID, KeyTTL: time.Hour}, inbox, nil)
	go func() { _ = srv.Start(ctx) }()
	t.Cleanup(func() { cancel(); _ = srv.Close() })
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := srv.Addr(); addr != "" {
			return inbox, addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("partner receiver not started")
	return nil, ""
}

func TestExampleScenarioOverSockets(t *testing.T) {
	ctx := context.Background()
	inboxA, addrA := startPartner(t, "A")
	inboxB, addrB := startPartner(t, "B")

	a, err := New(ctx, testConfig(t), Options{LogOutput: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	for _, in := range []domain.PartnerInput{
		{ID: "A", Address: addrA, Priority: 1},
		{ID: "B", Address: "tcp://" + addrB, Priority: 2},
	} {
		if _, err := a.Partners.Register(ctx, in); err != nil {
			t.Fatal(err)
		}
	}
	pkg, err := a.Packages.Publish(ctx, "risk-model", []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if pkg.Version != 1 {
		t.Fatalf("expected version 1, got %d", pkg.Version)
	}

	report, err := a.Dispatcher.Dispatch(ctx, pkg.ID, domain.PriorityNormal, dispatch.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Delivered != 2 || report.Abandoned != 0 || report.Partial {
		t.Fatalf("unexpected report %+v", report)
	}
	for id, inbox := range map[string]*socket.Inbox{"A": inboxA, "B": inboxB} {
		held, err := inbox.Packages(ctx)
		if err != nil || len(held) != 1 || held[0].ID != pkg.ID {
			t.Fatalf("partner %s inbox: %v %+v", id, err, held)
		}
	}

	st := a.Status.Status()
	if st.ActivePartners != 2 || st.UnreachablePartners != 0 || st.LastDispatch == nil || st.LastDispatch.DispatchID != report.DispatchID {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestUnreachablePartnerOverSockets(t *testing.T) {
	ctx := context.Background()
	_, addrA := startPartner(t, "A")
	cfg := testConfig(t)
	cfg.Dispatch.MaxRetries = 2

	a, err := New(ctx, cfg, Options{LogOutput: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	_, _ = a.Partners.Register(ctx, domain.PartnerInput{ID: "A", Address: addrA, Priority: 1})
	// Nothing listens on port 1.
	_, _ = a.Partners.Register(ctx, domain.PartnerInput{ID: "Z", Address: "127.0.0.1:1", Priority: 1})
	pkg, _ := a.Packages.Publish(ctx, "risk-model", []byte("abc"))

	report, err := a.Dispatcher.Dispatch(ctx, pkg.ID, domain.PriorityUrgent, dispatch.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Delivered != 1 || report.Abandoned != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	st := a.Status.Status()
	if st.ActivePartners != 1 || st.UnreachablePartners != 1 || st.PendingUrgent != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestSQLiteStatePersistsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "distreg.db")

	first, err := New(ctx, cfg, Options{LogOutput: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	_, addrA := startPartner(t, "A")
	_, _ = first.Partners.Register(ctx, domain.PartnerInput{ID: "A", Address: addrA, Priority: 1})
	pkg, _ := first.Packages.Publish(ctx, "risk-model", []byte("abc"))
	if _, err := first.Dispatcher.Dispatch(ctx, pkg.ID, domain.PriorityNormal, dispatch.Options{}); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second, err := New(ctx, cfg, Options{LogOutput: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if _, err := second.Partners.Get("A"); err != nil {
		t.Fatalf("partner lost across restart: %v", err)
	}
	again, err := second.Packages.Publish(ctx, "risk-model", []byte("abc"))
	if err != nil || again.ID != pkg.ID {
		t.Fatalf("republish after restart: %v %+v", err, again)
	}
	report, err := second.Dispatcher.Dispatch(ctx, pkg.ID, domain.PriorityNormal, dispatch.Options{})
	if err != nil || report.Skipped != 1 {
		t.Fatalf("delivered record lost across restart: %v %+v", err, report)
	}
	if st := second.Status.Status(); st.LastDispatch == nil || st.LastDispatch.DispatchID != report.DispatchID {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestHandlerServesMetricsAndStatus(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), Options{LogOutput: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	var st map[string]any
	_ = json.NewDecoder(res.Body).Decode(&st)
	res.Body.Close()
	if _, ok := st["active_partners"]; !ok {
		t.Fatalf("unexpected status body %v", st)
	}

	res, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if !strings.Contains(string(body), "distreg_http_requests_total") {
		t.Fatalf("metrics missing http counter:\n%s", body)
	}
}

func TestServePartnerRejectsBadReceivers(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	if err := ServePartner(ctx, cfg, PartnerOptions{}, nil); err == nil {
		t.Fatal("expected error with no receiver")
	}
	if err := ServePartner(ctx, cfg, PartnerOptions{Kafka: "amqp://mq/?routing_key=k"}, nil); err == nil || !strings.Contains(err.Error(), "not a kafka address") {
		t.Fatalf("expected kafka scheme error, got %v", err)
	}
	if err := ServePartner(ctx, cfg, PartnerOptions{AMQP: "kafka://b:9092/t"}, nil); err == nil || !strings.Contains(err.Error(), "not an amqp address") {
		t.Fatalf("expected amqp scheme error, got %v", err)
	}
}
