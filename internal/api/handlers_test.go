package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/outreach-engine/internal/sequence"
	"github.com/ignite/outreach-engine/internal/trigger"
)

type fakeTriggerStore struct {
	events    []*trigger.Event
	triggers  map[uuid.UUID]*trigger.Trigger
	names     map[string]bool
	logByID   map[uuid.UUID][]trigger.ExecutionLog
	insertErr error
}

func newFakeTriggerStore() *fakeTriggerStore {
	return &fakeTriggerStore{
		triggers: map[uuid.UUID]*trigger.Trigger{},
		names:    map[string]bool{},
		logByID:  map[uuid.UUID][]trigger.ExecutionLog{},
	}
}

func (f *fakeTriggerStore) InsertEvent(_ context.Context, ev *trigger.Event) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeTriggerStore) Create(_ context.Context, t *trigger.Trigger) error {
	if f.names[t.Name] {
		return trigger.ErrDuplicateName
	}
	t.ID = uuid.New()
	f.names[t.Name] = true
	f.triggers[t.ID] = t
	return nil
}

func (f *fakeTriggerStore) Update(_ context.Context, t *trigger.Trigger) error {
	if _, ok := f.triggers[t.ID]; !ok {
		return trigger.ErrTriggerNotFound
	}
	f.triggers[t.ID] = t
	return nil
}

func (f *fakeTriggerStore) GetByID(_ context.Context, _, id uuid.UUID) (*trigger.Trigger, error) {
	if t, ok := f.triggers[id]; ok {
		return t, nil
	}
	return nil, trigger.ErrTriggerNotFound
}

func (f *fakeTriggerStore) List(_ context.Context, _ uuid.UUID) ([]trigger.Trigger, error) {
	var out []trigger.Trigger
	for _, t := range f.triggers {
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeTriggerStore) ListLog(_ context.Context, id uuid.UUID, _ int) ([]trigger.ExecutionLog, error) {
	return f.logByID[id], nil
}

type fakeProcessor struct {
	results map[string]*trigger.MatchResult
	err     error
	seen    []*trigger.Event
}

func (f *fakeProcessor) ProcessEvent(_ context.Context, ev *trigger.Event) (*trigger.MatchResult, error) {
	f.seen = append(f.seen, ev)
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.results[ev.EventType]; ok {
		r.EventID = ev.ID
		return r, nil
	}
	return &trigger.MatchResult{EventID: ev.ID}, nil
}

type fakeSweeper struct {
	result *sequence.SweepResult
}

func (f *fakeSweeper) ProcessScheduledSteps(_ context.Context) *sequence.SweepResult {
	return f.result
}

type apiHarness struct {
	store     *fakeTriggerStore
	processor *fakeProcessor
	sweeper   *fakeSweeper
	router    http.Handler
	orgID     uuid.UUID
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	h := &apiHarness{
		store:     newFakeTriggerStore(),
		processor: &fakeProcessor{results: map[string]*trigger.MatchResult{}},
		sweeper:   &fakeSweeper{result: &sequence.SweepResult{}},
		orgID:     uuid.New(),
	}
	handlers := NewHandlers(h.store, h.processor, h.sweeper)
	unsub := NewUnsubscribeHandlers(&fakeTokens{}, &fakePrefs{}, &fakeSuppressor{}, &fakeRemover{})
	h.router = SetupRoutes(handlers, unsub)
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}, withOrg bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if withOrg {
		req.Header.Set("X-Organization-ID", h.orgID.String())
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}

// ------------------------------------------------------------
// Events
// ------------------------------------------------------------

func TestTrackEventSingle(t *testing.T) {
	h := newAPIHarness(t)
	matched := uuid.New()
	h.processor.results["pricing_page_view"] = &trigger.MatchResult{
		Evaluated: 3, Matched: []uuid.UUID{matched}, Dispatched: 1,
	}

	rec := h.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"event_type":    "pricing_page_view",
		"contact_email": "ana@example.com",
		"event_data":    map[string]interface{}{"path": "/pricing"},
	}, true)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp eventResponse
	decode(t, rec, &resp)
	assert.Equal(t, 3, resp.Evaluated)
	assert.Equal(t, 1, resp.Dispatched)
	assert.Equal(t, []uuid.UUID{matched}, resp.Matched)

	require.Len(t, h.store.events, 1, "the event is persisted before matching")
	assert.Equal(t, h.orgID, h.store.events[0].OrgID)
	assert.Equal(t, "api", h.store.events[0].Source)
}

func TestTrackEventBatch(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/events", []map[string]interface{}{
		{"event_type": "email_open"},
		{"event_type": ""}, // invalid
		{"event_type": "link_click"},
	}, true)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Accepted int             `json:"accepted"`
		Results  []eventResponse `json:"results"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, 2, resp.Accepted)
	require.Len(t, resp.Results, 3)
	assert.Empty(t, resp.Results[0].Error)
	assert.Equal(t, "validation failed", resp.Results[1].Error)
	require.Len(t, resp.Results[1].Details, 1)
	assert.Equal(t, "event_type", resp.Results[1].Details[0].Field)
	assert.Len(t, h.store.events, 2, "invalid events are never persisted")
}

func TestTrackEventAllInvalid(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"contact_email": "not-an-email",
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrackEventRequiresOrgHeader(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"event_type": "email_open",
	}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.store.events)
}

// ------------------------------------------------------------
// Scheduler
// ------------------------------------------------------------

func TestRunSchedulerReportsItemFailuresWithoutA500(t *testing.T) {
	h := newAPIHarness(t)
	itemID := uuid.New()
	h.sweeper.result = &sequence.SweepResult{
		Processed: 5, Sent: 3, Failed: 2,
		Errors: []sequence.SweepItem{{ItemID: itemID, Error: "send step 1: smtp 550"}},
	}

	rec := h.do(t, http.MethodPost, "/api/scheduler/run", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sequence.SweepResult
	decode(t, rec, &resp)
	assert.Equal(t, 5, resp.Processed)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, itemID, resp.Errors[0].ItemID)
}

// ------------------------------------------------------------
// Trigger CRUD
// ------------------------------------------------------------

func validTriggerBody() map[string]interface{} {
	return map[string]interface{}{
		"name":         "pricing-intent",
		"trigger_type": "pricing_page_view",
		"conditions": map[string]interface{}{
			"visit_count": map[string]interface{}{"gte": 3},
		},
		"action_type":   "add_tag",
		"action_config": map[string]interface{}{"tag": "hot"},
	}
}

func TestCreateTrigger(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/api/triggers/", validTriggerBody(), true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var tg trigger.Trigger
	decode(t, rec, &tg)
	assert.NotEqual(t, uuid.Nil, tg.ID)
	assert.True(t, tg.IsActive, "triggers default to active")

	// The response echoes the condition document as submitted.
	require.Contains(t, tg.RawConditions, "visit_count")
	doc, ok := tg.RawConditions["visit_count"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 3.0, doc["gte"])

	// The stored trigger carries the parsed form for the evaluator.
	stored := h.store.triggers[tg.ID]
	require.NotNil(t, stored)
	require.Len(t, stored.Conditions, 1)
	assert.Equal(t, trigger.OpGte, stored.Conditions[0].Op)
}

func TestCreateTriggerValidationErrors(t *testing.T) {
	h := newAPIHarness(t)
	body := validTriggerBody()
	body["name"] = ""
	body["action_type"] = "launch_rockets"
	body["conditions"] = map[string]interface{}{
		"x": map[string]interface{}{"wat": 1},
	}

	rec := h.do(t, http.MethodPost, "/api/triggers/", body, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Details []fieldError `json:"details"`
	}
	decode(t, rec, &resp)
	fields := map[string]bool{}
	for _, d := range resp.Details {
		fields[d.Field] = true
	}
	assert.True(t, fields["name"])
	assert.True(t, fields["action_type"])
	assert.True(t, fields["conditions"])
}

func TestCreateTriggerMissingActionConfig(t *testing.T) {
	h := newAPIHarness(t)
	body := validTriggerBody()
	body["action_type"] = "enroll_in_sequence"
	body["action_config"] = map[string]interface{}{}

	rec := h.do(t, http.MethodPost, "/api/triggers/", body, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "template_id")
}

func TestCreateTriggerDuplicateName(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/api/triggers/", validTriggerBody(), true)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/triggers/", validTriggerBody(), true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateTriggerNotFoundAPI(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPut, "/api/triggers/"+uuid.NewString(), validTriggerBody(), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTriggerRoundTrip(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/api/triggers/", validTriggerBody(), true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created trigger.Trigger
	decode(t, rec, &created)

	rec = h.do(t, http.MethodGet, "/api/triggers/"+created.ID.String(), nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var got trigger.Trigger
	decode(t, rec, &got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "pricing-intent", got.Name)
	assert.Equal(t, created.RawConditions, got.RawConditions,
		"reads return the same condition document that was saved")
}

func TestListTriggersEmpty(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/api/triggers/", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"triggers":[]`)
}
