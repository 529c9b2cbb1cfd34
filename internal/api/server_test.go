package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shohag/pushrelay/internal/config"
	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/queue"
	"github.com/shohag/pushrelay/internal/registry"
	"github.com/shohag/pushrelay/internal/storage"
)

const (
	testSecret = "test-jwt-secret"
	testAPIKey = "pk_testproducerkey"
)

type testEnv struct {
	handler http.Handler
	store   storage.Storage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))
	log := zerolog.Nop()
	cfg := &config.Config{
		Auth:    config.AuthConfig{JWTSecret: testSecret, ProducerAPIKey: testAPIKey},
		WebPush: config.WebPushConfig{VAPIDPublicKey: "BPublicKey"},
	}
	srv := NewServer(cfg, store, registry.New(store, clock, log), queue.NewEnqueuer(store, nil, clock, log), log)
	return &testEnv{handler: srv.Handler(), store: store}
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func userToken(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := IssueToken(testSecret, userID, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func subscribeBody(endpoint string) map[string]interface{} {
	return map[string]interface{}{
		"endpoint":       endpoint,
		"keys":           map[string]string{"p256dh": "BKey", "auth": "secret"},
		"expirationTime": nil,
		"platform":       "web",
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDeviceRoutesRequireValidToken(t *testing.T) {
	env := newTestEnv(t)
	wrong, err := IssueToken("other-secret", 7, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	expired, err := IssueToken(testSecret, 7, -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tests := []struct {
		name   string
		bearer string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", wrong},
		{"expired", expired},
		{"producer key", testAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/v1/devices", tt.bearer, nil)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestSubscribeListUnsubscribe(t *testing.T) {
	env := newTestEnv(t)
	alice := userToken(t, 7)
	bob := userToken(t, 8)

	rec := env.do(t, http.MethodPost, "/api/v1/devices/subscribe", alice, subscribeBody("https://push.example/a"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("subscribe: %d %s", rec.Code, rec.Body.String())
	}
	var d models.Device
	decode(t, rec, &d)
	if d.UserID != 7 || d.Endpoint != "https://push.example/a" {
		t.Fatalf("unexpected device %+v", d)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/devices/subscribe", alice, subscribeBody("https://push.example/a"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("resubscribe: %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/devices", alice, nil)
	var devices []models.Device
	decode(t, rec, &devices)
	if len(devices) != 1 {
		t.Fatalf("want 1 device after double subscribe, got %d", len(devices))
	}

	rec = env.do(t, http.MethodPost, "/api/v1/devices/unsubscribe", bob, map[string]string{"endpoint": "https://push.example/a"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign unsubscribe: %d, want 404", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/devices", alice, nil)
	devices = nil
	decode(t, rec, &devices)
	if len(devices) != 1 || devices[0].DisabledAt != nil {
		t.Fatalf("foreign unsubscribe disabled the device: %+v", devices)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/devices/unsubscribe", alice, map[string]string{"endpoint": "https://push.example/a"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unsubscribe: %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/devices", alice, nil)
	devices = nil
	decode(t, rec, &devices)
	if len(devices) != 0 {
		t.Fatalf("device still active after unsubscribe")
	}
}

func TestSubscribeRejectsMalformed(t *testing.T) {
	env := newTestEnv(t)
	tok := userToken(t, 7)

	noKeys := subscribeBody("https://push.example/a")
	delete(noKeys, "keys")
	for name, body := range map[string]interface{}{
		"no keys":      noKeys,
		"bad endpoint": subscribeBody("not a url"),
		"not json":     "{",
	} {
		rec := env.do(t, http.MethodPost, "/api/v1/devices/subscribe", tok, body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", name, rec.Code)
		}
	}
}

func TestPublicKey(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/push/public-key", userToken(t, 7), nil)
	var body map[string]string
	decode(t, rec, &body)
	if rec.Code != http.StatusOK || body["public_key"] != "BPublicKey" {
		t.Fatalf("public key: %d %v", rec.Code, body)
	}
}

func TestProducerRoutesRequireAPIKey(t *testing.T) {
	env := newTestEnv(t)
	for _, bearer := range []string{"", "pk_wrong", userToken(t, 7)} {
		rec := env.do(t, http.MethodGet, "/api/v1/stats", bearer, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("bearer %q: status = %d, want 401", bearer, rec.Code)
		}
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]interface{}{
		"ref_type":      "announcement",
		"ref_id":        42,
		"restaurant_id": 3,
		"user_ids":      []int64{7, 8, 7},
		"payload":       map[string]string{"title": "Staff meeting"},
	}

	rec := env.do(t, http.MethodPost, "/api/v1/notifications", testAPIKey, body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue: %d %s", rec.Code, rec.Body.String())
	}
	var res queue.FanOutResult
	decode(t, rec, &res)
	if res.Created != 2 || res.Skipped != 0 {
		t.Fatalf("first enqueue = %+v", res)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/notifications", testAPIKey, body)
	res = queue.FanOutResult{}
	decode(t, rec, &res)
	if res.Created != 0 || res.Skipped != 2 {
		t.Fatalf("second enqueue = %+v", res)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/jobs?status=PENDING&user_id=7", testAPIKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var jobs []struct {
		ID      int64             `json:"id"`
		Status  string            `json:"status"`
		Payload map[string]string `json:"payload"`
	}
	decode(t, rec, &jobs)
	if len(jobs) != 1 || jobs[0].Status != "PENDING" || jobs[0].Payload["title"] != "Staff meeting" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", jobs[0].ID), testAPIKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job: %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/jobs/999999", testAPIKey, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job: %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/stats", testAPIKey, nil)
	var stats storage.Stats
	decode(t, rec, &stats)
	if stats.TotalJobs != 2 || stats.Jobs[models.JobPending] != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEnqueueWithNotification(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/notifications", testAPIKey, map[string]interface{}{
		"ref_type":     "shift",
		"ref_id":       9,
		"user_ids":     []int64{7},
		"notification": map[string]string{"title": "Shift changed", "url": "/shifts/9"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue: %d %s", rec.Code, rec.Body.String())
	}
	j, err := env.store.GetJobByRef(context.Background(), "shift", 9, 7)
	if err != nil || j == nil {
		t.Fatalf("job not stored: %v", err)
	}
	var n queue.Notification
	if err := json.Unmarshal(j.Payload, &n); err != nil || n.Title != "Shift changed" {
		t.Fatalf("payload = %s", j.Payload)
	}
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body interface{}
	}{
		{"no recipients", map[string]interface{}{"ref_type": "x", "ref_id": 1, "payload": map[string]int{"a": 1}}},
		{"no ref type", map[string]interface{}{"ref_id": 1, "user_ids": []int64{7}, "payload": map[string]int{"a": 1}}},
		{"no payload", map[string]interface{}{"ref_type": "x", "ref_id": 1, "user_ids": []int64{7}}},
		{"both payloads", map[string]interface{}{
			"ref_type": "x", "ref_id": 1, "user_ids": []int64{7},
			"payload": map[string]int{"a": 1}, "notification": map[string]string{"title": "t"},
		}},
		{"untitled notification", map[string]interface{}{
			"ref_type": "x", "ref_id": 1, "user_ids": []int64{7}, "notification": map[string]string{"body": "b"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/notifications", testAPIKey, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestEnqueueRejectsOversizedRawPayload(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/notifications", testAPIKey, map[string]interface{}{
		"ref_type": "announcement",
		"ref_id":   11,
		"user_ids": []int64{7},
		"payload":  map[string]string{"title": strings.Repeat("x", 5000)},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (%s)", rec.Code, rec.Body.String())
	}
	if j, err := env.store.GetJobByRef(context.Background(), "announcement", 11, 7); err != nil || j != nil {
		t.Fatalf("oversized payload reached the queue: %v %v", j, err)
	}
}

func TestListJobsRejectsBadFilters(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"status=LOST", "user_id=abc", "limit=-1"} {
		rec := env.do(t, http.MethodGet, "/api/v1/jobs?"+q, testAPIKey, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}
