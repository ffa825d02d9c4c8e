package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/ports"
	"nanobanana-cli/internal/server"
	"nanobanana-cli/internal/service"
	"nanobanana-cli/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClient struct {
	mu        sync.Mutex
	submitted []domain.GenerationRequest
	submitErr error
	details   domain.TaskDetails
	detailErr error
	credits   domain.AccountCredits
	queries   int
	block     chan struct{} // when set, status lookups wait for it to close
}

func (f *fakeClient) SubmitTask(_ context.Context, req domain.GenerationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "T1", nil
}

func (f *fakeClient) GetTaskDetails(ctx context.Context, _ string) (domain.TaskDetails, error) {
	f.mu.Lock()
	f.queries++
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return domain.TaskDetails{}, ctx.Err()
		}
	}
	return f.details, f.detailErr
}

func (f *fakeClient) GetCredits(context.Context) (domain.AccountCredits, error) {
	return f.credits, nil
}

func (f *fakeClient) counts() (submits, queries int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted), f.queries
}

func (f *fakeClient) lastRequest() domain.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted[len(f.submitted)-1]
}

type fakeHost struct{}

func (fakeHost) Upload(_ context.Context, img domain.UploadedImage) (domain.RemoteImageRef, error) {
	return domain.RemoteImageRef("https://i.example/" + img.Name), nil
}

func succeeded(url string) domain.TaskDetails {
	flag := 1
	return domain.TaskDetails{TaskID: "T1", SuccessFlag: &flag, Response: &domain.TaskResponse{ResultImageURL: url}}
}

func newServer(t *testing.T, client *fakeClient, store *storage.MemoryStore) *server.Server {
	t.Helper()
	return newServerWithTTL(t, client, store, 0)
}

func newServerWithTTL(t *testing.T, client *fakeClient, store *storage.MemoryStore, ttl time.Duration) *server.Server {
	t.Helper()
	credits := service.NewCreditService(client, 0, nil)
	var history ports.GenerationStore
	if store != nil {
		history = store
	}
	srv, err := server.New(server.Args{
		Client:     client,
		Credits:    credits,
		Store:      history,
		SessionTTL: ttl,
		Factory: func() (server.Generator, error) {
			o, err := service.NewOrchestrator(service.OrchestratorArgs{
				Client:  client,
				Host:    fakeHost{},
				Credits: credits,
				Store:   history,
				Defaults: service.Defaults{
					CallbackURL: "https://cb.example",
					Poll:        service.PollOptions{MaxAttempts: 2},
				},
			})
			if err != nil {
				return nil, err
			}
			return o, nil
		},
	})
	if err != nil {
		t.Fatalf("building server: %v", err)
	}
	return srv
}

func multipartBody(t *testing.T, fields map[string]string, fileField string, files ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("writing field: %v", err)
		}
	}
	for _, name := range files {
		part, err := w.CreateFormFile(fileField, name)
		if err != nil {
			t.Fatalf("creating file part: %v", err)
		}
		part.Write([]byte("\x89PNG\r\n\x1a\n" + name))
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func do(srv *server.Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

// --- Behavior: credits ---

func TestCredits_ReturnsBalanceAndDisplay(t *testing.T) {
	srv := newServer(t, &fakeClient{credits: domain.AccountCredits{Balance: 12345, Known: true}}, nil)

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/api/credits", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["display"] != "12,345" || body["credits"] != float64(12345) || body["known"] != true {
		t.Errorf("unexpected body %v", body)
	}
}

func TestCredits_RefreshReportsUnknown(t *testing.T) {
	srv := newServer(t, &fakeClient{}, nil)

	rec := do(srv, httptest.NewRequest(http.MethodPost, "/api/credits/refresh", nil))

	var body map[string]any
	decode(t, rec, &body)
	if rec.Code != http.StatusOK || body["display"] != "--" || body["known"] != false {
		t.Errorf("unexpected response %d %v", rec.Code, body)
	}
}

// --- Behavior: generation flows ---

func TestGenerate_MultiImageForm(t *testing.T) {
	client := &fakeClient{details: succeeded("https://x/out.png"), credits: domain.AccountCredits{Balance: 1, Known: true}}
	store := storage.NewMemoryStore(0)
	srv := newServer(t, client, store)
	body, ct := multipartBody(t, map[string]string{
		"room_type":    "kitchen",
		"style":        "industrial",
		"budget_from":  "1000",
		"budget_to":    "5000",
		"template":     "compact",
		"aspect_ratio": "4:3",
	}, "images", "a.png", "b.png")
	req := httptest.NewRequest(http.MethodPost, "/api/generate", body)
	req.Header.Set("Content-Type", ct)

	rec := do(srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var out map[string]string
	decode(t, rec, &out)
	if out["task_id"] != "T1" || out["image_url"] != "https://x/out.png" {
		t.Errorf("unexpected body %v", out)
	}
	sent := client.lastRequest()
	if len(sent.ImageURLs) != 2 || sent.AspectRatio != "4:3" || !strings.Contains(sent.Prompt, "Kitchen") {
		t.Errorf("unexpected request %+v", sent)
	}
	if rec, _ := store.Get(context.Background(), "T1"); rec == nil || rec.Phase != domain.PhaseSucceeded {
		t.Errorf("expected succeeded history record, got %+v", rec)
	}
}

func TestGenerate_WithoutImagesIsBadRequest(t *testing.T) {
	client := &fakeClient{}
	srv := newServer(t, client, nil)
	body, ct := multipartBody(t, map[string]string{"style": "modern"}, "images")
	req := httptest.NewRequest(http.MethodPost, "/api/generate", body)
	req.Header.Set("Content-Type", ct)

	rec := do(srv, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body)
	}
	var out map[string]string
	decode(t, rec, &out)
	if out["kind"] != string(domain.KindValidation) {
		t.Errorf("unexpected body %v", out)
	}
	if len(client.submitted) != 0 {
		t.Error("expected no submission")
	}
}

func TestGenerate_TooManyImages(t *testing.T) {
	srv := newServer(t, &fakeClient{}, nil)
	body, ct := multipartBody(t, nil, "images", "1.png", "2.png", "3.png", "4.png", "5.png", "6.png")
	req := httptest.NewRequest(http.MethodPost, "/api/generate", body)
	req.Header.Set("Content-Type", ct)

	if rec := do(srv, req); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestAdjust_SingleImageWithPrompt(t *testing.T) {
	client := &fakeClient{details: succeeded("https://x/adjusted.png")}
	srv := newServer(t, client, nil)
	body, ct := multipartBody(t, map[string]string{"prompt": "add plants"}, "image", "room.jpg")
	req := httptest.NewRequest(http.MethodPost, "/api/adjust", body)
	req.Header.Set("Content-Type", ct)

	rec := do(srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	sent := client.lastRequest()
	if sent.Prompt != "add plants" || sent.Mode() != domain.ModeImageToImage {
		t.Errorf("unexpected request %+v", sent)
	}
}

func TestImagine_TextOnly(t *testing.T) {
	client := &fakeClient{details: succeeded("https://x/t.png")}
	srv := newServer(t, client, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/imagine", strings.NewReader(`{"prompt":"a red barn","num_images":2}`))
	req.Header.Set("Content-Type", "application/json")

	rec := do(srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	sent := client.lastRequest()
	if sent.Mode() != domain.ModeTextToImage || sent.NumImages != 2 {
		t.Errorf("unexpected request %+v", sent)
	}
}

func TestImagine_ErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		name   string
		client *fakeClient
		status int
		kind   domain.Kind
	}{
		{"missing key", &fakeClient{submitErr: domain.ErrMissingCredential}, http.StatusServiceUnavailable, domain.KindConfiguration},
		{"unauthorized", &fakeClient{submitErr: domain.ErrUnauthorized}, http.StatusBadGateway, domain.KindProvider},
		{"timeout", &fakeClient{details: domain.TaskDetails{}}, http.StatusGatewayTimeout, domain.KindPollingTimeout},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := newServer(t, c.client, nil)
			req := httptest.NewRequest(http.MethodPost, "/api/imagine", strings.NewReader(`{"prompt":"x"}`))
			req.Header.Set("Content-Type", "application/json")

			rec := do(srv, req)

			if rec.Code != c.status {
				t.Fatalf("expected %d, got %d: %s", c.status, rec.Code, rec.Body)
			}
			var out map[string]string
			decode(t, rec, &out)
			if out["kind"] != string(c.kind) || out["message"] == "" {
				t.Errorf("unexpected body %v", out)
			}
		})
	}
}

func TestImagine_MalformedJSON(t *testing.T) {
	srv := newServer(t, &fakeClient{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/imagine", strings.NewReader(`{`))
	req.Header.Set("Content-Type", "application/json")

	if rec := do(srv, req); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

// --- Behavior: sessions ---

func TestState_TracksSessionSeparately(t *testing.T) {
	srv := newServer(t, &fakeClient{details: succeeded("u")}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/imagine", strings.NewReader(`{"prompt":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(server.SessionHeader, "alice")
	if rec := do(srv, req); rec.Code != http.StatusOK {
		t.Fatalf("generation failed: %d %s", rec.Code, rec.Body)
	}

	alice := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	alice.Header.Set(server.SessionHeader, "alice")
	var aliceState map[string]string
	decode(t, do(srv, alice), &aliceState)
	if aliceState["phase"] != string(domain.PhaseSucceeded) {
		t.Errorf("expected alice succeeded, got %v", aliceState)
	}

	var other map[string]string
	decode(t, do(srv, httptest.NewRequest(http.MethodGet, "/api/state", nil)), &other)
	if other["phase"] != string(domain.PhaseIdle) {
		t.Errorf("expected anonymous idle, got %v", other)
	}
}

func TestSession_OutlivesIdleExpiryWhileGenerating(t *testing.T) {
	client := &fakeClient{details: succeeded("https://x/loft.png"), block: make(chan struct{})}
	srv := newServerWithTTL(t, client, nil, 50*time.Millisecond)
	imagine := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/imagine", strings.NewReader(`{"prompt":"a loft"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(server.SessionHeader, "s1")
		return do(srv, req)
	}

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() { first <- imagine() }()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, queries := client.counts(); queries > 0 {
			break
		}
		if time.Now().After(deadline) {
			close(client.block)
			t.Fatal("first generation never started polling")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(120 * time.Millisecond)

	stateReq := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	stateReq.Header.Set(server.SessionHeader, "s1")
	var st map[string]string
	decode(t, do(srv, stateReq), &st)
	if st["phase"] != string(domain.PhasePolling) {
		t.Errorf("expected the running session to report polling, got %v", st)
	}
	if rec := imagine(); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for a second run in the same session, got %d: %s", rec.Code, rec.Body)
	}

	close(client.block)
	if rec := <-first; rec.Code != http.StatusOK {
		t.Fatalf("expected first run to succeed, got %d: %s", rec.Code, rec.Body)
	}
	if submits, _ := client.counts(); submits != 1 {
		t.Errorf("expected one submission, got %d", submits)
	}
}

// --- Behavior: task lookup and history ---

func TestGetTask_ReturnsStatusAndRecord(t *testing.T) {
	store := storage.NewMemoryStore(0)
	_ = store.Save(context.Background(), domain.GenerationRecord{TaskID: "T1", Phase: domain.PhaseFailed, Kind: domain.KindPollingTimeout})
	srv := newServer(t, &fakeClient{details: succeeded("https://x/late.png")}, store)

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/api/tasks/T1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out struct {
		Status   string                   `json:"status"`
		ImageURL string                   `json:"image_url"`
		Record   *domain.GenerationRecord `json:"record"`
	}
	decode(t, rec, &out)
	if out.Status != "SUCCESS" || out.ImageURL != "https://x/late.png" || out.Record == nil || out.Record.Kind != domain.KindPollingTimeout {
		t.Errorf("unexpected body %+v", out)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	srv := newServer(t, &fakeClient{detailErr: domain.ErrTaskNotFound}, nil)
	if rec := do(srv, httptest.NewRequest(http.MethodGet, "/api/tasks/nope", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHistory_ListsRecentRecords(t *testing.T) {
	store := storage.NewMemoryStore(0)
	for _, id := range []string{"a", "b", "c"} {
		_ = store.Save(context.Background(), domain.GenerationRecord{TaskID: id})
	}
	srv := newServer(t, &fakeClient{}, store)

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/api/history?limit=2", nil))

	var out []domain.GenerationRecord
	decode(t, rec, &out)
	if len(out) != 2 || out[0].TaskID != "c" {
		t.Errorf("unexpected history %+v", out)
	}
	if rec := do(srv, httptest.NewRequest(http.MethodGet, "/api/history?limit=x", nil)); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv := newServer(t, &fakeClient{}, nil)
	rec := do(srv, httptest.NewRequest(http.MethodGet, "/api/credits", nil))
	if rec.Header().Get(server.RequestHeader) == "" {
		t.Error("expected generated request id")
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := server.New(server.Args{}); err == nil {
		t.Error("expected error for missing dependencies")
	}
}
