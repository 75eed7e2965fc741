package apidocs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/aria/internal/classify"
	"github.com/linnemanlabs/aria/internal/incidentapi"
	"github.com/linnemanlabs/aria/internal/triage"
	"github.com/linnemanlabs/aria/internal/triage/memstore"
)

func newRouter(t *testing.T) chi.Router {
	t.Helper()
	d, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := chi.NewRouter()
	d.RegisterRoutes(r)
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	return rec
}

func TestDocsPage(t *testing.T) {
	t.Parallel()

	rec := get(t, newRouter(t), "/docs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content-type = %q, want text/html", ct)
	}
	if !strings.Contains(rec.Body.String(), `url: "/openapi.json"`) {
		t.Error("docs page does not reference /openapi.json")
	}
}

func TestOpenAPIJSON(t *testing.T) {
	t.Parallel()

	rec := get(t, newRouter(t), "/openapi.json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}

	var doc struct {
		OpenAPI string                    `json:"openapi"`
		Paths   map[string]map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasPrefix(doc.OpenAPI, "3.") {
		t.Errorf("openapi = %q, want 3.x", doc.OpenAPI)
	}
	if _, ok := doc.Paths["/api/v1/assess"]["post"]; !ok {
		t.Error("missing POST /api/v1/assess")
	}
}

func TestOpenAPIYAML(t *testing.T) {
	t.Parallel()

	rec := get(t, newRouter(t), "/openapi.yaml")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["openapi"] == nil {
		t.Error("yaml document has no openapi version")
	}
}

// TestDocumentedRoutesExist keeps the document in step with the router.
func TestDocumentedRoutesExist(t *testing.T) {
	t.Parallel()

	rs, err := classify.Default()
	if err != nil {
		t.Fatalf("classify.Default: %v", err)
	}
	svc := triage.NewService(memstore.New(), classify.New(rs, classify.Hooks{}), nil, triage.Options{})
	r := chi.NewRouter()
	incidentapi.New(nil, svc).RegisterRoutes(r)

	routed := make(map[string]bool)
	err = chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routed[strings.ToLower(method)+" "+route] = true
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	var doc struct {
		Paths map[string]map[string]any `yaml:"paths"`
	}
	if err := yaml.Unmarshal(openapiYAML, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	documented := make(map[string]bool)
	for path, ops := range doc.Paths {
		if !strings.HasPrefix(path, "/api/") {
			continue
		}
		for method := range ops {
			documented[method+" "+path] = true
		}
	}

	var missing, undocumented []string
	for k := range documented {
		if !routed[k] {
			missing = append(missing, k)
		}
	}
	for k := range routed {
		if !documented[k] {
			undocumented = append(undocumented, k)
		}
	}
	sort.Strings(missing)
	sort.Strings(undocumented)
	if len(missing) > 0 {
		t.Errorf("documented but not routed: %v", missing)
	}
	if len(undocumented) > 0 {
		t.Errorf("routed but not documented: %v", undocumented)
	}
}

func TestJSONCompatible(t *testing.T) {
	t.Parallel()

	in := map[string]any{
		"responses": map[any]any{200: "ok", "default": []any{map[any]any{true: 1}}},
	}
	out, err := json.Marshal(jsonCompatible(in))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"responses":{"200":"ok","default":[{"true":1}]}}`
	if string(out) != want {
		t.Errorf("json = %s, want %s", out, want)
	}
}
