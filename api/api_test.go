package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/api"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/engine"
	"github.com/cascadehq/cascade/history"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/store/memory"
	"github.com/cascadehq/cascade/stream"
	"github.com/cascadehq/cascade/wire"
)

// ──────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestAPI builds a handler backed by a real engine over the in-memory
// store. The engine is not started: instances stay running with their entry
// invocation pending, which keeps assertions deterministic.
func newTestAPI(t *testing.T, opts ...api.Option) (http.Handler, *engine.Engine) {
	t.Helper()

	sched, err := cascade.New(
		cascade.WithStore(memory.New()),
		cascade.WithConcurrency(2),
		cascade.WithPollInterval(10*time.Millisecond),
		cascade.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("cascade.New: %v", err)
	}
	eng, err := engine.Build(sched)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	def, err := definition.NewBuilder("order-pipeline").
		Step("reserve", definition.OnSuccess("confirm", 0)).
		Step("confirm").
		Build()
	if err != nil {
		t.Fatalf("build definition: %v", err)
	}
	if err := eng.RegisterWorkflow(def); err != nil {
		t.Fatalf("register workflow: %v", err)
	}
	pass := func(_ context.Context, state []byte) ([]byte, error) { return state, nil }
	for _, name := range []string{"reserve", "confirm"} {
		if err := eng.RegisterHandlerFunc(name, pass); err != nil {
			t.Fatalf("register handler %s: %v", name, err)
		}
	}

	a := api.New(eng, append([]api.Option{api.WithLogger(testLogger())}, opts...)...)
	return a.Handler(), eng
}

func doRequest(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return v
}

func startTestInstance(t *testing.T, h http.Handler) api.StartInstanceResponse {
	t.Helper()
	rec := doRequest(t, h, http.MethodPost, "/v1/instances", api.StartInstanceRequest{
		Type:  "order-pipeline",
		Input: json.RawMessage(`{"sku":"A-100"}`),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start instance status = %d, body %s", rec.Code, rec.Body.String())
	}
	return decodeBody[api.StartInstanceResponse](t, rec)
}

// ──────────────────────────────────────────────────
// Workflows
// ──────────────────────────────────────────────────

func TestAPI_ListWorkflows(t *testing.T) {
	h, _ := newTestAPI(t)

	rec := doRequest(t, h, http.MethodGet, "/v1/workflows", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[api.ListWorkflowsResponse](t, rec)
	if len(resp.Types) != 1 || resp.Types[0] != "order-pipeline" {
		t.Fatalf("types = %v, want [order-pipeline]", resp.Types)
	}
}

func TestAPI_GetWorkflow(t *testing.T) {
	h, _ := newTestAPI(t)

	rec := doRequest(t, h, http.MethodGet, "/v1/workflows/order-pipeline", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	def := decodeBody[*definition.Definition](t, rec)
	if def.Type != "order-pipeline" {
		t.Fatalf("type = %q", def.Type)
	}
	if len(def.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(def.Steps))
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/workflows/unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown workflow status = %d, want 404", rec.Code)
	}
}

// ──────────────────────────────────────────────────
// Instances
// ──────────────────────────────────────────────────

func TestAPI_StartInstance(t *testing.T) {
	h, _ := newTestAPI(t)

	resp := startTestInstance(t, h)
	if !strings.HasPrefix(resp.InstanceID, "wfi_") {
		t.Fatalf("instance ID = %q, want wfi_ prefix", resp.InstanceID)
	}
	if resp.Type != "order-pipeline" {
		t.Fatalf("type = %q", resp.Type)
	}
	if resp.Status != string(instance.StatusRunning) {
		t.Fatalf("status = %q, want running", resp.Status)
	}
}

func TestAPI_StartInstanceValidation(t *testing.T) {
	h, _ := newTestAPI(t)

	rec := doRequest(t, h, http.MethodPost, "/v1/instances", api.StartInstanceRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing type status = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/instances", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/instances", api.StartInstanceRequest{Type: "no-such-workflow"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown type status = %d, want 404", rec.Code)
	}
}

func TestAPI_ListInstances(t *testing.T) {
	h, _ := newTestAPI(t)
	startTestInstance(t, h)
	startTestInstance(t, h)

	rec := doRequest(t, h, http.MethodGet, "/v1/instances?type=order-pipeline", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	instances := decodeBody[[]*instance.Instance](t, rec)
	if len(instances) != 2 {
		t.Fatalf("instances = %d, want 2", len(instances))
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/instances?status=completed", nil)
	if got := decodeBody[[]*instance.Instance](t, rec); len(got) != 0 {
		t.Fatalf("completed instances = %d, want 0", len(got))
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/instances?limit=1", nil)
	if got := decodeBody[[]*instance.Instance](t, rec); len(got) != 1 {
		t.Fatalf("limited instances = %d, want 1", len(got))
	}
}

func TestAPI_GetInstance(t *testing.T) {
	h, _ := newTestAPI(t)
	started := startTestInstance(t, h)

	rec := doRequest(t, h, http.MethodGet, "/v1/instances/"+started.InstanceID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	inst := decodeBody[*instance.Instance](t, rec)
	if inst.ID.String() != started.InstanceID {
		t.Fatalf("ID = %q, want %q", inst.ID, started.InstanceID)
	}
	if inst.Status != instance.StatusRunning {
		t.Fatalf("status = %q", inst.Status)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/instances/not-an-id", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad ID status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/instances/"+id.NewInstanceID().String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing instance status = %d, want 404", rec.Code)
	}
}

func TestAPI_CancelInstance(t *testing.T) {
	h, _ := newTestAPI(t)
	started := startTestInstance(t, h)

	rec := doRequest(t, h, http.MethodPost, "/v1/instances/"+started.InstanceID+"/cancel", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel status = %d, want 204", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/instances/"+started.InstanceID, nil)
	inst := decodeBody[*instance.Instance](t, rec)
	if inst.Status != instance.StatusCompleted {
		t.Fatalf("status after cancel = %q, want completed", inst.Status)
	}

	// Cancelling an already-completed instance is a no-op.
	rec = doRequest(t, h, http.MethodPost, "/v1/instances/"+started.InstanceID+"/cancel", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("repeat cancel status = %d, want 204", rec.Code)
	}
}

func TestAPI_InstanceHistory(t *testing.T) {
	h, _ := newTestAPI(t)
	started := startTestInstance(t, h)

	rec := doRequest(t, h, http.MethodGet, "/v1/instances/"+started.InstanceID+"/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	events := decodeBody[[]*history.Event](t, rec)
	if len(events) == 0 {
		t.Fatal("expected at least one history event")
	}
	if events[0].Kind != history.KindInstanceStarted {
		t.Fatalf("first event kind = %q, want %q", events[0].Kind, history.KindInstanceStarted)
	}
}

// ──────────────────────────────────────────────────
// Crons
// ──────────────────────────────────────────────────

func registerTestCron(t *testing.T, eng *engine.Engine) *cron.Entry {
	t.Helper()
	err := engine.RegisterCron(context.Background(), eng, &cron.Definition[struct{}]{
		Name:         "nightly-orders",
		Schedule:     "0 3 * * *",
		WorkflowType: "order-pipeline",
	})
	if err != nil {
		t.Fatalf("register cron: %v", err)
	}
	entries, err := eng.CronStore().ListCrons(context.Background())
	if err != nil || len(entries) != 1 {
		t.Fatalf("list crons: %v (%d entries)", err, len(entries))
	}
	return entries[0]
}

func TestAPI_ListCrons(t *testing.T) {
	h, eng := newTestAPI(t)
	registerTestCron(t, eng)

	rec := doRequest(t, h, http.MethodGet, "/v1/crons", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	entries := decodeBody[[]*cron.Entry](t, rec)
	if len(entries) != 1 || entries[0].Name != "nightly-orders" {
		t.Fatalf("entries = %+v, want one nightly-orders", entries)
	}

	// Offsets past the end return an empty page, not an error.
	rec = doRequest(t, h, http.MethodGet, "/v1/crons?limit=1&offset=5", nil)
	if got := decodeBody[[]*cron.Entry](t, rec); len(got) != 0 {
		t.Fatalf("paged entries = %d, want 0", len(got))
	}
}

func TestAPI_GetCron(t *testing.T) {
	h, eng := newTestAPI(t)
	entry := registerTestCron(t, eng)

	rec := doRequest(t, h, http.MethodGet, "/v1/crons/"+entry.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody[*cron.Entry](t, rec)
	if got.Name != "nightly-orders" || !got.Enabled {
		t.Fatalf("entry = %+v", got)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/crons/bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad ID status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/crons/"+id.NewCronID().String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing cron status = %d, want 404", rec.Code)
	}
}

func TestAPI_EnableDisableCron(t *testing.T) {
	h, eng := newTestAPI(t)
	entry := registerTestCron(t, eng)

	rec := doRequest(t, h, http.MethodPost, "/v1/crons/"+entry.ID.String()+"/disable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	if got := decodeBody[*cron.Entry](t, rec); got.Enabled {
		t.Fatal("entry still enabled after disable")
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/crons/"+entry.ID.String()+"/enable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d", rec.Code)
	}
	if got := decodeBody[*cron.Entry](t, rec); !got.Enabled {
		t.Fatal("entry still disabled after enable")
	}
}

func TestAPI_DeleteCron(t *testing.T) {
	h, eng := newTestAPI(t)
	entry := registerTestCron(t, eng)

	rec := doRequest(t, h, http.MethodDelete, "/v1/crons/"+entry.ID.String(), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/crons/"+entry.ID.String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", rec.Code)
	}
}

// ──────────────────────────────────────────────────
// Dead letters
// ──────────────────────────────────────────────────

func TestAPI_DLQEndpoints(t *testing.T) {
	h, _ := newTestAPI(t)

	rec := doRequest(t, h, http.MethodGet, "/v1/dlq", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if entries := decodeBody[[]*dlq.Entry](t, rec); len(entries) != 0 {
		t.Fatalf("entries = %d, want 0", len(entries))
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/dlq/count", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("count status = %d", rec.Code)
	}
	if resp := decodeBody[api.DLQCountResponse](t, rec); resp.Count != 0 {
		t.Fatalf("count = %d, want 0", resp.Count)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/dlq/"+id.NewDeadLetterID().String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing entry status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/dlq/"+id.NewDeadLetterID().String()+"/replay", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("replay missing status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/dlq/purge", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("purge status = %d", rec.Code)
	}
	if resp := decodeBody[api.PurgeDLQResponse](t, rec); resp.Purged != 0 {
		t.Fatalf("purged = %d, want 0", resp.Purged)
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/dlq/purge?days=zero", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad days status = %d, want 400", rec.Code)
	}
}

// ──────────────────────────────────────────────────
// Stats and mounting
// ──────────────────────────────────────────────────

func TestAPI_Stats(t *testing.T) {
	h, _ := newTestAPI(t)
	startTestInstance(t, h)
	startTestInstance(t, h)

	rec := doRequest(t, h, http.MethodGet, "/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	stats := decodeBody[api.StatsResponse](t, rec)
	if stats.Workflows != 1 {
		t.Fatalf("workflows = %d, want 1", stats.Workflows)
	}
	if stats.Instances.Running != 2 || stats.Instances.Total != 2 {
		t.Fatalf("instance counts = %+v", stats.Instances)
	}
	// Each start schedules the entry step; the engine is not running,
	// so both invocations sit pending.
	if stats.Invocations.Pending != 2 || stats.Invocations.Claimed != 0 {
		t.Fatalf("invocation counts = %+v", stats.Invocations)
	}
	if stats.DLQCount != 0 {
		t.Fatalf("dlq count = %d, want 0", stats.DLQCount)
	}
}

func TestAPI_WireMount(t *testing.T) {
	buildWire := func(eng *engine.Engine) *wire.Server {
		broker := stream.NewBroker(testLogger())
		handler := wire.NewHandler(eng, broker, testLogger())
		return wire.NewServer(broker, handler,
			wire.WithAuth(wire.NewAPIKeyAuthenticator(wire.APIKeyEntry{
				Token:    "test-token",
				Identity: wire.Identity{Subject: "test-user", Scopes: []string{wire.ScopeAll}},
			})),
			wire.WithLogger(testLogger()),
		)
	}

	sched, err := cascade.New(cascade.WithStore(memory.New()), cascade.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("cascade.New: %v", err)
	}
	eng, err := engine.Build(sched)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	a := api.New(eng, api.WithLogger(testLogger()), api.WithWireHandler(buildWire(eng)))
	h := a.Handler()

	frame := wire.Frame{
		ID:     "rpc-1",
		Type:   wire.FrameRequest,
		Method: wire.MethodStats,
		Token:  "test-token",
	}
	rec := doRequest(t, h, http.MethodPost, "/wire/rpc", frame)
	if rec.Code != http.StatusOK {
		t.Fatalf("rpc through mount status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[wire.Frame](t, rec)
	if resp.CorrelID != "rpc-1" {
		t.Fatalf("correl ID = %q, want rpc-1", resp.CorrelID)
	}
}

func TestAPI_NotFoundRoutes(t *testing.T) {
	h, _ := newTestAPI(t)

	rec := doRequest(t, h, http.MethodGet, "/v1/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route status = %d, want 404", rec.Code)
	}

	// Wire endpoints are absent unless a wire handler is mounted.
	rec = doRequest(t, h, http.MethodPost, "/wire/rpc", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unmounted wire status = %d, want 404", rec.Code)
	}
}
