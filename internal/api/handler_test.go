package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/kalambet/tagtime/internal/journal"
	"github.com/kalambet/tagtime/internal/notify"
	"github.com/kalambet/tagtime/internal/pingfile"
	"github.com/kalambet/tagtime/internal/prompt"
	"github.com/kalambet/tagtime/internal/schedule"
	"github.com/kalambet/tagtime/internal/storage"
)

const testToken = "test-token-12345"

// testNow sits well past the schedule origin so catch-up has work to do.
var testNow = time.UnixMilli(schedule.Origin + 6*time.Hour.Milliseconds())

type testApp struct {
	handler http.Handler
	journal *journal.Journal
	prompts *prompt.Manager
	fs      afero.Fs
}

func setupApp(t *testing.T, content string) *testApp {
	t.Helper()
	fs := afero.NewMemMapFs()
	if content != "" {
		afero.WriteFile(fs, "/tagtime.log", []byte(content), 0o644)
	}
	store := pingfile.Open("/tagtime.log", pingfile.Options{Fs: fs, Notifier: notify.Func(func(string, string) {})})
	j := journal.New(schedule.New(45*time.Minute, schedule.ClassicSeed, schedule.Epoch), store,
		journal.Options{CancelTags: []string{"afk", "RETRO"}})

	ledger, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	pm := prompt.NewManager(ledger, j, prompt.Options{})

	h := NewAppHandler(AppDeps{
		Journal: j,
		Prompts: pm,
		Token:   testToken,
		Now:     func() time.Time { return testNow },
	})
	return &testApp{handler: h, journal: j, prompts: pm, fs: fs}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealthNeedsNoToken(t *testing.T) {
	app := setupApp(t, "")
	rr := serve(app.handler, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	app := setupApp(t, "")

	for _, token := range []string{"", "wrong"} {
		rr := serve(app.handler, authReq(http.MethodGet, "/tags", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}

	// A query token is only honoured on websocket upgrades.
	rr := serve(app.handler, authReq(http.MethodGet, "/tags?access_token="+testToken, "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("query token on plain request: status = %d, want 401", rr.Code)
	}
}

func TestEmptyTokenRejectsEverything(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with empty server token")
	}))
	rr := serve(h, authReq(http.MethodGet, "/", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestScheduleNextAndPrev(t *testing.T) {
	app := setupApp(t, "")

	rr := serve(app.handler, authReq(http.MethodGet, "/schedule/next", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("next status = %d; body = %s", rr.Code, rr.Body.String())
	}
	next := decode[TimeResponse](t, rr)
	if next.Time <= testNow.UnixMilli() {
		t.Errorf("next = %d, want after %d", next.Time, testNow.UnixMilli())
	}

	rr = serve(app.handler, authReq(http.MethodGet, "/schedule/prev?before="+itoa(next.Time+1), "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("prev status = %d", rr.Code)
	}
	if prev := decode[TimeResponse](t, rr); prev.Time != next.Time {
		t.Errorf("prev(next+1) = %d, want %d", prev.Time, next.Time)
	}

	rr = serve(app.handler, authReq(http.MethodGet, "/schedule/next?after="+itoa(next.Time-1), "", testToken))
	if got := decode[TimeResponse](t, rr); got.Time != next.Time {
		t.Errorf("next(after=next-1) = %d, want %d", got.Time, next.Time)
	}
}

func TestSchedulePrevNone(t *testing.T) {
	app := setupApp(t, "")
	rr := serve(app.handler, authReq(http.MethodGet, "/schedule/prev?before="+itoa(schedule.Epoch), "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestScheduleBadParam(t *testing.T) {
	app := setupApp(t, "")
	rr := serve(app.handler, authReq(http.MethodGet, "/schedule/next?after=soon", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestTimesPastMaxTimeRejected(t *testing.T) {
	app := setupApp(t, "")
	huge := "9223372036854775807"
	tests := []struct {
		name   string
		method string
		url    string
		body   string
	}{
		{"next", http.MethodGet, "/schedule/next?after=" + huge, ""},
		{"prev", http.MethodGet, "/schedule/prev?before=" + huge, ""},
		{"next just past", http.MethodGet, "/schedule/next?after=" + itoa(schedule.MaxTime+1), ""},
		{"catchup", http.MethodPost, "/catchup", `{"till":` + huge + `}`},
		{"push", http.MethodPost, "/pings", `{"time":` + huge + `,"tags":["x"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := make(chan *httptest.ResponseRecorder, 1)
			go func() { done <- serve(app.handler, authReq(tt.method, tt.url, tt.body, testToken)) }()
			select {
			case rr := <-done:
				if rr.Code != http.StatusBadRequest {
					t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
				}
			case <-time.After(5 * time.Second):
				t.Fatal("request did not return")
			}
		})
	}
}

func TestPushAndListPings(t *testing.T) {
	app := setupApp(t, "")
	base := schedule.Origin

	for i, body := range []string{
		`{"time":` + itoa(base) + `,"tags":["work","code"],"comment":"one","annotate":false}`,
		`{"time":` + itoa(base+60000) + `,"tags":["work"]}`,
		`{"time":` + itoa(base+120000) + `,"tags":["afk"]}`,
	} {
		rr := serve(app.handler, authReq(http.MethodPost, "/pings", body, testToken))
		if rr.Code != http.StatusCreated {
			t.Fatalf("push %d: status = %d; body = %s", i, rr.Code, rr.Body.String())
		}
	}

	rr := serve(app.handler, authReq(http.MethodGet, "/pings?limit=2", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	pings := decode[[]pingfile.Ping](t, rr)
	if len(pings) != 2 {
		t.Fatalf("got %d pings, want 2", len(pings))
	}
	if pings[0].Time != base+60000 || pings[1].Time != base+120000 {
		t.Errorf("pings = %+v, want the latest two oldest first", pings)
	}

	data, _ := afero.ReadFile(app.fs, "/tagtime.log")
	first := strings.SplitN(string(data), "\n", 2)[0]
	if !strings.HasSuffix(first, "[one]") {
		t.Errorf("first line = %q, want unannotated comment", first)
	}
}

func TestPushInvalidPing(t *testing.T) {
	app := setupApp(t, "")

	tests := []struct {
		name string
		body string
	}{
		{"before epoch", `{"time":1000,"tags":["x"]}`},
		{"bracket tag", `{"time":` + itoa(schedule.Origin) + `,"tags":["[x]"]}`},
		{"bad json", `{"time":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(app.handler, authReq(http.MethodPost, "/pings", tt.body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestListPingsEmpty(t *testing.T) {
	app := setupApp(t, "")
	rr := serve(app.handler, authReq(http.MethodGet, "/pings", "", testToken))
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rr.Body.String())
	}
}

func TestTags(t *testing.T) {
	s := func(ms int64) string { return itoa(ms / 1000) }
	content := s(schedule.Origin) + " work code\n" +
		s(schedule.Origin+60000) + " work\n" +
		s(schedule.Origin+120000) + " afk\n"
	app := setupApp(t, content)

	rr := serve(app.handler, authReq(http.MethodGet, "/tags", "", testToken))
	tags := decode[[]pingfile.TagCount](t, rr)
	if len(tags) != 3 || tags[0] != (pingfile.TagCount{Tag: "work", Count: 2}) {
		t.Errorf("tags = %+v", tags)
	}
}

func TestCatchUp(t *testing.T) {
	app := setupApp(t, itoa(schedule.Origin/1000)+" work\n")

	rr := serve(app.handler, authReq(http.MethodPost, "/catchup", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	first := decode[CatchUpResponse](t, rr)
	if first.Inserted == 0 {
		t.Fatal("expected pings to be inserted over six hours")
	}

	rr = serve(app.handler, authReq(http.MethodPost, "/catchup", `{"till":`+itoa(testNow.UnixMilli())+`}`, testToken))
	if again := decode[CatchUpResponse](t, rr); again.Inserted != 0 {
		t.Errorf("second catch-up inserted %d", again.Inserted)
	}

	last, _, _ := app.journal.Last()
	if !last.HasTag("afk") || !last.HasTag("RETRO") {
		t.Errorf("placeholder tags = %v", last.Tags)
	}
}

func TestPromptEndpoints(t *testing.T) {
	app := setupApp(t, "")

	rr := serve(app.handler, authReq(http.MethodGet, "/prompt", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("no prompt: status = %d, want 404", rr.Code)
	}

	p, _, err := app.prompts.Open(context.Background(), schedule.Origin)
	if err != nil {
		t.Fatal(err)
	}

	rr = serve(app.handler, authReq(http.MethodGet, "/prompt", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	payload := decode[prompt.Payload](t, rr)
	if payload.ID != p.ID || payload.Time != schedule.Origin {
		t.Errorf("payload = %+v", payload)
	}
	if strings.Join(payload.CancelTags, ",") != "afk,RETRO" {
		t.Errorf("cancel tags = %v", payload.CancelTags)
	}

	rr = serve(app.handler, authReq(http.MethodPost, "/prompt/"+p.ID+"/answer", `{"tags":["work, code"],"comment":"api"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("answer status = %d; body = %s", rr.Code, rr.Body.String())
	}
	answered := decode[prompt.Prompt](t, rr)
	if answered.Status != storage.StatusAnswered {
		t.Errorf("status = %q", answered.Status)
	}

	last, _, _ := app.journal.Last()
	if last.Time != schedule.Origin || !last.HasTag("work") || !last.HasTag("code") {
		t.Errorf("logged ping = %+v", last)
	}

	rr = serve(app.handler, authReq(http.MethodPost, "/prompt/"+p.ID+"/dismiss", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("dismiss closed prompt: status = %d, want 409", rr.Code)
	}
	rr = serve(app.handler, authReq(http.MethodPost, "/prompt/nope/dismiss", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("dismiss unknown prompt: status = %d, want 404", rr.Code)
	}
}

func TestDismissLogsCancelTags(t *testing.T) {
	app := setupApp(t, "")
	p, _, err := app.prompts.Open(context.Background(), schedule.Origin)
	if err != nil {
		t.Fatal(err)
	}

	rr := serve(app.handler, authReq(http.MethodPost, "/prompt/"+p.ID+"/dismiss", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	last, _, _ := app.journal.Last()
	if !last.HasTag("afk") || !last.HasTag("RETRO") {
		t.Errorf("logged tags = %v", last.Tags)
	}
}

func TestAnswerAfterLogMovedPastConflicts(t *testing.T) {
	app := setupApp(t, "")
	p, _, err := app.prompts.Open(context.Background(), schedule.Origin)
	if err != nil {
		t.Fatal(err)
	}
	later := `{"time":` + itoa(schedule.Origin+60000) + `,"tags":["manual"]}`
	if rr := serve(app.handler, authReq(http.MethodPost, "/pings", later, testToken)); rr.Code != http.StatusCreated {
		t.Fatalf("push status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr := serve(app.handler, authReq(http.MethodPost, "/prompt/"+p.ID+"/answer", `{"tags":["work"]}`, testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409; body = %s", rr.Code, rr.Body.String())
	}
	if pings, _ := app.journal.Pings(); len(pings) != 1 {
		t.Errorf("log holds %d pings, want 1", len(pings))
	}
	if rr := serve(app.handler, authReq(http.MethodGet, "/prompt", "", testToken)); rr.Code != http.StatusNotFound {
		t.Errorf("prompt still outstanding: status = %d", rr.Code)
	}
}

func TestListPrompts(t *testing.T) {
	app := setupApp(t, "")

	rr := serve(app.handler, authReq(http.MethodGet, "/prompts", "", testToken))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("empty list: status = %d; body = %s", rr.Code, rr.Body.String())
	}

	first, _, _ := app.prompts.Open(context.Background(), schedule.Origin)
	app.prompts.Open(context.Background(), schedule.Origin+60000)

	rr = serve(app.handler, authReq(http.MethodGet, "/prompts?limit=5", "", testToken))
	got := decode[[]prompt.Prompt](t, rr)
	if len(got) != 2 || got[0].Status != storage.StatusSkipped || got[1].ID != first.ID {
		t.Errorf("prompts = %+v", got)
	}

	rr = serve(app.handler, authReq(http.MethodGet, "/prompts?limit=1", "", testToken))
	if got := decode[[]prompt.Prompt](t, rr); len(got) != 1 {
		t.Errorf("limit=1 returned %d", len(got))
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=-1", 20},
		{"limit=abc", 20},
		{"limit=999999", 10000},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/pings?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 20, 10000); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
