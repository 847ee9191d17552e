package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jackzampolin/bindery/internal/api"
	"github.com/jackzampolin/bindery/internal/pipeline"
	"github.com/jackzampolin/bindery/internal/progress"
	"github.com/jackzampolin/bindery/internal/store"
	"github.com/jackzampolin/bindery/internal/svcctx"
)

func TestSplitIDs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a, b ,,c", []string{"a", "b", "c"}},
		{"a,b,a", []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := splitIDs(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitIDs(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"25", 25, false},
		{"0", 0, false},
		{"-1", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLimit(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLimit(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestWSURL(t *testing.T) {
	tests := []struct {
		server string
		want   string
	}{
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/api/progress/ws"},
		{"https://bindery.example.com/", "wss://bindery.example.com/api/progress/ws"},
		{"http://host/prefix", "ws://host/prefix/api/progress/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			got, err := wsURL(tt.server, "/api/progress/ws")
			if err != nil {
				t.Fatalf("wsURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("wsURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("document x: %w", store.ErrNotFound), http.StatusNotFound},
		{"busy", fmt.Errorf("document x: %w", store.ErrDocumentBusy), http.StatusConflict},
		{"invalid upload", fmt.Errorf("%w: empty file", pipeline.ErrInvalidUpload), http.StatusBadRequest},
		{"not pdf", fmt.Errorf("%w: bad header", pipeline.ErrNotPDF), http.StatusBadRequest},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeErr(rec, tt.err)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid error body: %v", err)
			}
			if resp.Error != tt.err.Error() {
				t.Errorf("error = %q, want %q", resp.Error, tt.err.Error())
			}
		})
	}
}

func TestAll_UniqueRoutes(t *testing.T) {
	seen := make(map[string]bool)
	for _, ep := range All() {
		method, path, handler := ep.Route()
		if handler == nil {
			t.Errorf("%s %s has no handler", method, path)
		}
		key := method + " " + path
		if seen[key] {
			t.Errorf("duplicate route %s", key)
		}
		seen[key] = true
	}
}

func TestHandlers_NoServices(t *testing.T) {
	tests := []struct {
		ep     api.Endpoint
		target string
	}{
		{&ListDocumentsEndpoint{}, "/api/documents"},
		{&GetDocumentEndpoint{}, "/api/documents/x"},
		{&ListChaptersEndpoint{}, "/api/documents/x/chapters"},
		{&ResubmitDocumentEndpoint{}, "/api/documents/x/resubmit"},
		{&DocumentStatusEndpoint{}, "/api/documents/x/status"},
		{&BatchStatusEndpoint{}, "/api/status?ids=x"},
		{&ListJobsEndpoint{}, "/api/jobs"},
		{&GetJobEndpoint{}, "/api/jobs/x"},
		{&CacheStatsEndpoint{}, "/api/cache/stats"},
		{&CacheEvictEndpoint{}, "/api/cache/evict"},
		{&ProgressStreamEndpoint{}, "/api/progress/ws"},
	}
	for _, tt := range tests {
		method, pattern, handler := tt.ep.Route()
		t.Run(pattern, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc(method+" "+pattern, handler)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(method, tt.target, nil))
			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want 503", rec.Code)
			}
		})
	}
}

// serve runs one request through ep with services in the context.
func serve(t *testing.T, svc *svcctx.Services, ep api.Endpoint, target string) *httptest.ResponseRecorder {
	t.Helper()
	method, pattern, handler := ep.Route()
	mux := http.NewServeMux()
	mux.HandleFunc(method+" "+pattern, handler)
	req := httptest.NewRequest(method, target, nil)
	req = req.WithContext(svcctx.WithServices(req.Context(), svc))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "bindery.db"),
	})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDocumentHandlers(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	svc := &svcctx.Services{Store: st, Reporter: progress.NewReporter(st, nil)}

	doc, err := st.CreateDocument(ctx, store.NewDocument{
		OwnerID:  "reader-1",
		Title:    "Field Notes",
		FileName: "notes.pdf",
		FileSize: 1024,
	})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if _, err := st.CreateDocument(ctx, store.NewDocument{OwnerID: "reader-2", FileName: "other.pdf", FileSize: 10}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	t.Run("list by owner", func(t *testing.T) {
		rec := serve(t, svc, &ListDocumentsEndpoint{}, "/api/documents?owner_id=reader-1")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
		}
		var resp ListDocumentsResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if len(resp.Documents) != 1 || resp.Documents[0].ID != doc.ID {
			t.Errorf("got %+v, want only %s", resp.Documents, doc.ID)
		}
	})

	t.Run("list bad limit", func(t *testing.T) {
		rec := serve(t, svc, &ListDocumentsEndpoint{}, "/api/documents?limit=lots")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("list empty", func(t *testing.T) {
		rec := serve(t, svc, &ListDocumentsEndpoint{}, "/api/documents?owner_id=nobody")
		var resp map[string]json.RawMessage
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if string(resp["documents"]) != "[]" {
			t.Errorf("documents = %s, want []", resp["documents"])
		}
	})

	t.Run("get", func(t *testing.T) {
		rec := serve(t, svc, &GetDocumentEndpoint{}, "/api/documents/"+doc.ID)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var got store.Document
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if got.Title != "Field Notes" || got.Status != store.DocumentPending {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		rec := serve(t, svc, &GetDocumentEndpoint{}, "/api/documents/missing")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("chapters of missing document", func(t *testing.T) {
		rec := serve(t, svc, &ListChaptersEndpoint{}, "/api/documents/missing/chapters")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("status", func(t *testing.T) {
		rec := serve(t, svc, &DocumentStatusEndpoint{}, "/api/documents/"+doc.ID+"/status")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
		}
		var got progress.ProcessingStatus
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if got.Document == nil || got.Document.ID != doc.ID {
			t.Errorf("status for wrong document: %+v", got.Document)
		}
	})

	t.Run("batch status", func(t *testing.T) {
		rec := serve(t, svc, &BatchStatusEndpoint{}, "/api/status?ids="+doc.ID+",missing")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
		}
		var resp BatchStatusResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if len(resp.Statuses) != 1 {
			t.Errorf("got %d statuses, want 1", len(resp.Statuses))
		}
	})

	t.Run("batch status without ids", func(t *testing.T) {
		rec := serve(t, svc, &BatchStatusEndpoint{}, "/api/status")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("health with store", func(t *testing.T) {
		rec := serve(t, svc, &ReadyEndpoint{}, "/ready")
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
		rec = serve(t, svc, &StatusEndpoint{}, "/status")
		var resp StatusResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Database.Health != "healthy" {
			t.Errorf("database health = %q, want healthy", resp.Database.Health)
		}
	})
}

func TestBatchStatus_TooMany(t *testing.T) {
	st := openStore(t)
	svc := &svcctx.Services{Store: st, Reporter: progress.NewReporter(st, nil)}

	ids := ""
	for i := 0; i <= maxStatusIDs; i++ {
		ids += fmt.Sprintf("doc-%d,", i)
	}
	rec := serve(t, svc, &BatchStatusEndpoint{}, "/api/status?ids="+ids)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
