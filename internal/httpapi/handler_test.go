package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"labtrack/internal/auth"
	"labtrack/internal/cloudinary"
	"labtrack/internal/dashboard"
	"labtrack/internal/member"
	"labtrack/internal/scan"
	"labtrack/internal/store"
	"labtrack/internal/throttle"
)

const (
	testIssuer = "labtrack-test"
	testKey    = "test-signing-key"
)

type fixture struct {
	st     *store.Memory
	h      *Handler
	router *gin.Engine
	admin  string
}

func newFixture(t *testing.T, enrollHash string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory(nil)
	codec := member.NewCodec("")
	members := member.NewService(st, codec, nil)
	scans := scan.NewService(st, member.NewResolver(st, codec, false), throttle.NewMemory(3*time.Second), time.Second)
	dash := dashboard.NewService(st, 10, time.UTC)

	h := New(st, members, scans, dash, auth.NewEnroller(enrollHash), Options{
		JWTIssuer:     testIssuer,
		JWTSigningKey: testKey,
		AccessTTL:     time.Hour,
	})
	tok, err := auth.Issue("admin-1", auth.RoleAdmin, testIssuer, testKey, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{st: st, h: h, router: h.Router(), admin: tok.AccessToken}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func (f *fixture) registerStation(t *testing.T, id, key string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/stations/register", "", gin.H{"station_id": id, "enroll_key": key})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", id, rec.Code, rec.Body.String())
	}
	return decode[struct {
		AccessToken string `json:"access_token"`
	}](t, rec).AccessToken
}

func (f *fixture) createMember(t *testing.T, ext string) member.Member {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/members", f.admin, gin.H{
		"first_name": "Ana", "last_name": "Cruz", "external_id": ext, "issue_qr": true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create member: %d %s", rec.Code, rec.Body.String())
	}
	return decode[member.Member](t, rec)
}

func TestScanFlow(t *testing.T) {
	f := newFixture(t, "")
	station := f.registerStation(t, "gate-a", "")
	m := f.createMember(t, "STU001")
	if m.QRPayload == "" {
		t.Fatal("payload not issued")
	}

	rec := f.do(t, http.MethodPost, "/v1/scans", station, gin.H{"payload": m.QRPayload})
	if rec.Code != http.StatusCreated {
		t.Fatalf("first scan: %d %s", rec.Code, rec.Body.String())
	}
	out := decode[scan.Outcome](t, rec)
	if out.Kind != scan.KindAccepted || out.Action != "IN" || out.Entry.RecordedBy != "gate-a" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Message != "Entered the lab: Ana Cruz" {
		t.Fatalf("message = %q", out.Message)
	}

	rec = f.do(t, http.MethodPost, "/v1/scans", station, gin.H{"payload": m.QRPayload})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second scan: %d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Fatalf("Retry-After = %q", got)
	}
	if out := decode[scan.Outcome](t, rec); out.Kind != scan.KindThrottled || out.RemainingMs <= 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}

	// a second station is not held back by the first one's cooldown
	other := f.registerStation(t, "gate-b", "")
	rec = f.do(t, http.MethodPost, "/v1/scans", other, gin.H{"payload": "STU001"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("other station: %d %s", rec.Code, rec.Body.String())
	}
	if out := decode[scan.Outcome](t, rec); out.Action != "OUT" {
		t.Fatalf("expected OUT, got %+v", out)
	}

	rec = f.do(t, http.MethodPost, "/v1/scans", f.admin, gin.H{"payload": "NOPE"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown member: %d %s", rec.Code, rec.Body.String())
	}
}

func TestScanValidation(t *testing.T) {
	f := newFixture(t, "")
	station := f.registerStation(t, "gate-a", "")

	if rec := f.do(t, http.MethodPost, "/v1/scans", "", gin.H{"payload": "x"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/scans", station, gin.H{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing payload: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/members", station, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("station on admin route: %d", rec.Code)
	}
}

func TestRegisterStationEnrollKey(t *testing.T) {
	hash, err := auth.HashKey("open-sesame")
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, hash)

	rec := f.do(t, http.MethodPost, "/v1/stations/register", "", gin.H{"station_id": "gate-a", "enroll_key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad key: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/stations/register", "", gin.H{"station_id": "  "}); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank station: %d", rec.Code)
	}
	tok := f.registerStation(t, "gate-a", "open-sesame")
	claims, err := auth.Parse(tok, testKey, testIssuer)
	if err != nil || claims.Subject != "gate-a" || claims.Role != auth.RoleStation {
		t.Fatalf("claims %+v (%v)", claims, err)
	}
}

func TestMemberErrors(t *testing.T) {
	f := newFixture(t, "")
	m := f.createMember(t, "STU001")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing names", http.MethodPost, "/v1/members", gin.H{"external_id": "STU002"}, http.StatusBadRequest},
		{"bad role", http.MethodPost, "/v1/members", gin.H{"first_name": "A", "last_name": "B", "external_id": "STU003", "role": "root"}, http.StatusBadRequest},
		{"duplicate", http.MethodPost, "/v1/members", gin.H{"first_name": "A", "last_name": "B", "external_id": "STU001"}, http.StatusConflict},
		{"unknown get", http.MethodGet, "/v1/members/ghost", nil, http.StatusNotFound},
		{"unknown logs", http.MethodGet, "/v1/members/ghost/logs", nil, http.StatusNotFound},
		{"bad update", http.MethodPatch, "/v1/members/" + m.ID, gin.H{"external_id": "has space"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := f.do(t, tc.method, tc.path, f.admin, tc.body); rec.Code != tc.want {
				t.Fatalf("got %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestUpdateMemberIgnoresPayloadFields(t *testing.T) {
	f := newFixture(t, "")
	m := f.createMember(t, "STU001")

	rec := f.do(t, http.MethodPatch, "/v1/members/"+m.ID, f.admin, gin.H{
		"first_name": "Anna", "role": "ADMIN", "qr_payload": "forged", "badge_url": "https://evil.example",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	got := decode[member.Member](t, rec)
	if got.FirstName != "Anna" || got.Role != member.RoleAdmin {
		t.Fatalf("update not applied: %+v", got)
	}
	if got.QRPayload != m.QRPayload || got.BadgeURL != "" {
		t.Fatalf("protected fields changed: %+v", got)
	}
}

func TestLogsAndDashboard(t *testing.T) {
	f := newFixture(t, "")
	station := f.registerStation(t, "gate-a", "")
	m := f.createMember(t, "STU001")
	if rec := f.do(t, http.MethodPost, "/v1/scans", station, gin.H{"payload": m.QRPayload}); rec.Code != http.StatusCreated {
		t.Fatalf("scan: %d", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/v1/members/"+m.ID+"/logs?limit=5", f.admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("member logs: %d", rec.Code)
	}
	ml := decode[struct {
		State string `json:"state"`
		Logs  []any  `json:"logs"`
	}](t, rec)
	if ml.State != "INSIDE" || len(ml.Logs) != 1 {
		t.Fatalf("member logs %+v", ml)
	}

	rec = f.do(t, http.MethodGet, "/v1/logs", f.admin, nil)
	if got := decode[struct {
		Logs []any `json:"logs"`
	}](t, rec); len(got.Logs) != 1 {
		t.Fatalf("recent logs %+v", got)
	}

	rec = f.do(t, http.MethodGet, "/v1/dashboard", f.admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard: %d", rec.Code)
	}
	v := decode[dashboard.View](t, rec)
	if v.Summary.TotalMembers != 1 || v.Summary.TodayEntries != 1 || v.Summary.CurrentlyPresentEstimate != 1 || len(v.Logs) != 1 {
		t.Fatalf("dashboard %+v", v)
	}
}

func TestEmptyListsAreArrays(t *testing.T) {
	f := newFixture(t, "")
	for _, path := range []string{"/v1/members", "/v1/logs"} {
		rec := f.do(t, http.MethodGet, path, f.admin, nil)
		if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), "null") {
			t.Fatalf("%s: %d %s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestBadgePNG(t *testing.T) {
	f := newFixture(t, "")
	m := f.createMember(t, "STU001")

	rec := f.do(t, http.MethodGet, "/v1/members/"+m.ID+"/qr.png?size=128", f.admin, nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("badge: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Fatal("body is not a PNG")
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "IBACMI_LAB_QR_STU001.png") {
		t.Fatalf("Content-Disposition = %q", cd)
	}

	bare, err := f.st.CreateMember(context.Background(), member.Member{FirstName: "Ben", LastName: "Reyes", ExternalID: "STU002"})
	if err != nil {
		t.Fatal(err)
	}
	if rec := f.do(t, http.MethodGet, "/v1/members/"+bare.ID+"/qr.png", f.admin, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("no payload: %d", rec.Code)
	}
}

type fakeImages struct{ err error }

func (f fakeImages) UploadBase64(context.Context, string) (*cloudinary.UploadResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &cloudinary.UploadResult{SecureURL: "https://cdn.example/photo.jpg"}, nil
}

func (f fakeImages) UploadBytes(context.Context, []byte, string, string) (*cloudinary.UploadResult, error) {
	return f.UploadBase64(context.Background(), "")
}

func TestUploadPhoto(t *testing.T) {
	f := newFixture(t, "")
	m := f.createMember(t, "STU001")
	path := "/v1/members/" + m.ID + "/photo"
	body := gin.H{"data": "data:image/jpeg;base64,AAAA"}

	if rec := f.do(t, http.MethodPost, path, f.admin, body); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured: %d", rec.Code)
	}

	f.h.SetImageUploader(fakeImages{err: errors.New("boom")})
	if rec := f.do(t, http.MethodPost, path, f.admin, body); rec.Code != http.StatusBadGateway {
		t.Fatalf("failing upload: %d", rec.Code)
	}

	f.h.SetImageUploader(fakeImages{})
	rec := f.do(t, http.MethodPost, path, f.admin, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[member.Member](t, rec); got.ProfileImageURL != "https://cdn.example/photo.jpg" {
		t.Fatalf("profile url = %q", got.ProfileImageURL)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, "")
	f.h.AddHealthCheck("db", f.st.Ping)
	if rec := f.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthy: %d", rec.Code)
	}
	f.h.AddHealthCheck("redis", func(context.Context) error { return errors.New("down") })
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded: %d", rec.Code)
	}
	if got := decode[map[string]any](t, rec); got["redis"] != false || got["db"] != true {
		t.Fatalf("body %+v", got)
	}
}

func TestDashboardStream(t *testing.T) {
	f := newFixture(t, "")
	f.createMember(t, "STU001")

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/dashboard/stream", nil)
	req.Header.Set("Authorization", "Bearer "+f.admin)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream: %d", resp.StatusCode)
	}

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil && n == 0 {
		t.Fatal(err)
	}
	first := string(buf[:n])
	if !strings.Contains(first, "event:dashboard") || !strings.Contains(first, `"total_members":1`) {
		t.Fatalf("first event %q", first)
	}
}
