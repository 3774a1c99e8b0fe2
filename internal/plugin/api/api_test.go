package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
)

type seenRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

func recordingServer(t *testing.T, status int, response string) (*httptest.Server, *seenRequest, *int32) {
	t.Helper()
	seen := &seenRequest{}
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		b, _ := io.ReadAll(r.Body)
		*seen = seenRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Header: r.Header.Clone(), Body: string(b)}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, seen, &hits
}

func weatherService(baseURL string) Service {
	return Service{
		ID:         "weather",
		Name:       "Weather API",
		BaseURL:    baseURL + "/v1/",
		AuthType:   AuthAPIKey,
		AuthHeader: "X-API-Key",
		AuthEnv:    "MOXIE_TEST_WEATHER_KEY",
		Headers:    map[string]string{"X-Client": "moxie"},
		Endpoints: []Endpoint{
			{
				Name:        "current",
				Path:        "/cities/{city}/current",
				Description: "Get current weather for a city",
				Params: map[string]Param{
					"city":  {Required: true, Location: InPath, Description: "City name"},
					"units": {Default: json.RawMessage(`"metric"`)},
					"trace": {Location: InHeader},
				},
			},
			{
				Name:                 "report",
				Method:               "post",
				Path:                 "/reports",
				RequiresConfirmation: true,
				Params: map[string]Param{
					"text":  {Required: true, Location: InBody},
					"score": {Type: "number", Location: InBody},
				},
			},
		},
	}
}

func newAPI(t *testing.T, services ...Service) *Capability {
	t.Helper()
	a, err := New(Config{Services: services})
	require.NoError(t, err)
	return a
}

func run(t *testing.T, a *Capability, tool, args string) *domain.ToolResult {
	t.Helper()
	res, err := a.Execute(context.Background(), tool, json.RawMessage(args))
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestManifestAndTools(t *testing.T) {
	a := newAPI(t, weatherService("http://example.invalid"))
	require.NoError(t, a.Manifest().Validate())
	assert.Equal(t, domain.CategoryCloud, a.Manifest().Category)

	tools := a.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "weather_current", tools[0].Name)
	assert.Equal(t, "Weather API: Get current weather for a city", tools[0].Description)
	assert.Equal(t, "weather_report", tools[1].Name)
	assert.Equal(t, "Weather API: POST /reports", tools[1].Description)
	assert.True(t, tools[1].RequiresConfirmation)

	var schema struct {
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	}
	require.NoError(t, json.Unmarshal(tools[0].Parameters, &schema))
	assert.Equal(t, []string{"city"}, schema.Required)
	assert.Equal(t, "string", schema.Properties["units"]["type"])
	assert.Equal(t, "metric", schema.Properties["units"]["default"])
	assert.Equal(t, "City name", schema.Properties["city"]["description"])

	assert.Equal(t, 1, a.ServiceCount())
	assert.Equal(t, 2, a.EndpointCount())
}

func TestExecuteGET(t *testing.T) {
	t.Setenv("MOXIE_TEST_WEATHER_KEY", "k-123")
	srv, seen, _ := recordingServer(t, http.StatusOK, `{"temp": 21.5}`)
	a := newAPI(t, weatherService(srv.URL))

	res := run(t, a, "weather_current", `{"city":"New York","units":"imperial","trace":"abc","extra":7}`)
	require.True(t, res.Success, res.Error)

	assert.Equal(t, http.MethodGet, seen.Method)
	assert.Equal(t, "/v1/cities/New York/current", seen.Path)
	assert.Contains(t, seen.Query, "units=imperial")
	assert.Contains(t, seen.Query, "extra=7")
	assert.Equal(t, "k-123", seen.Header.Get("X-API-Key"))
	assert.Equal(t, "moxie", seen.Header.Get("X-Client"))
	assert.Equal(t, "abc", seen.Header.Get("Trace"))
	assert.Empty(t, seen.Body)

	var out struct {
		Status int            `json:"status"`
		Data   map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, 200, out.Status)
	assert.Equal(t, 21.5, out.Data["temp"])
	require.NotNil(t, res.Metadata)
	require.NotNil(t, res.Metadata.DurationMS)
}

func TestExecutePOSTBody(t *testing.T) {
	srv, seen, _ := recordingServer(t, http.StatusCreated, `created`)
	a := newAPI(t, weatherService(srv.URL))

	res := run(t, a, "weather_report", `{"text":"sunny","score":9}`)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, http.MethodPost, seen.Method)
	assert.JSONEq(t, `{"text":"sunny","score":9}`, seen.Body)
	assert.Equal(t, "application/json", seen.Header.Get("Content-Type"))

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "created", out["data"])
}

func TestAuthTypes(t *testing.T) {
	tests := []struct {
		name  string
		auth  AuthType
		cred  string
		check func(t *testing.T, seen *seenRequest)
	}{
		{"bearer", AuthBearer, "tok", func(t *testing.T, s *seenRequest) {
			assert.Equal(t, "Bearer tok", s.Header.Get("Authorization"))
		}},
		{"basic", AuthBasic, "user:pa:ss", func(t *testing.T, s *seenRequest) {
			r := &http.Request{Header: s.Header}
			u, p, ok := r.BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "user", u)
			assert.Equal(t, "pa:ss", p)
		}},
		{"query param", AuthQueryParam, "qk", func(t *testing.T, s *seenRequest) {
			assert.Contains(t, s.Query, "appid=qk")
		}},
		{"none", AuthNone, "ignored", func(t *testing.T, s *seenRequest) {
			assert.Empty(t, s.Header.Get("Authorization"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MOXIE_TEST_CRED", tt.cred)
			srv, seen, _ := recordingServer(t, http.StatusOK, `{}`)
			a := newAPI(t, Service{
				ID: "svc", BaseURL: srv.URL, AuthType: tt.auth, AuthEnv: "MOXIE_TEST_CRED", AuthParam: "appid",
				Endpoints: []Endpoint{{Name: "ping", Path: "/ping"}},
			})
			res := run(t, a, "svc_ping", `{}`)
			require.True(t, res.Success, res.Error)
			tt.check(t, seen)
		})
	}
}

func TestErrorStatusIsFailure(t *testing.T) {
	srv, _, _ := recordingServer(t, http.StatusNotFound, `{"error":"no such city"}`)
	a := newAPI(t, weatherService(srv.URL))

	res := run(t, a, "weather_current", `{"city":"Atlantis"}`)
	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Error, "API returned error 404: "), res.Error)
	assert.Contains(t, res.Error, "no such city")
}

func TestCircuitBreakerOpensOnServerErrors(t *testing.T) {
	srv, _, hits := recordingServer(t, http.StatusBadGateway, `upstream down`)
	a, err := New(Config{Services: []Service{{ID: "flaky", BaseURL: srv.URL, Endpoints: []Endpoint{{Name: "get", Path: "/"}}}}},
		WithBreaker(BreakerSettings{MaxFailures: 2, Timeout: time.Minute}))
	require.NoError(t, err)

	for range 2 {
		res := run(t, a, "flaky_get", `{}`)
		assert.Contains(t, res.Error, "API returned error 502")
	}
	res := run(t, a, "flaky_get", `{}`)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "temporarily unavailable")
	assert.EqualValues(t, 2, atomic.LoadInt32(hits))
}

func TestRateLimitPerService(t *testing.T) {
	srv, _, hits := recordingServer(t, http.StatusOK, `{}`)
	a := newAPI(t, Service{ID: "slow", BaseURL: srv.URL, RateLimitPerMinute: 1, Endpoints: []Endpoint{{Name: "get", Path: "/"}}})

	require.True(t, run(t, a, "slow_get", `{}`).Success)
	res := run(t, a, "slow_get", `{}`)
	assert.False(t, res.Success)
	assert.Equal(t, "Rate limit exceeded for service 'slow'", res.Error)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, MaxResponseBytes+1))
	}))
	defer srv.Close()
	a := newAPI(t, Service{ID: "big", BaseURL: srv.URL, Endpoints: []Endpoint{{Name: "get", Path: "/"}}})

	_, err := a.Execute(context.Background(), "big_get", json.RawMessage(`{}`))
	require.ErrorIs(t, err, domain.ErrExecutionFailed)
}

func TestTransportErrorIsExecutionFailed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	a := newAPI(t, Service{ID: "gone", BaseURL: url, Endpoints: []Endpoint{{Name: "get", Path: "/"}}})

	_, err := a.Execute(context.Background(), "gone_get", json.RawMessage(`{}`))
	require.ErrorIs(t, err, domain.ErrExecutionFailed)
	assert.Contains(t, err.Error(), "Request failed")
}

func TestBlockPrivateNetworks(t *testing.T) {
	srv, _, hits := recordingServer(t, http.StatusOK, `{}`)
	a, err := New(Config{
		BlockPrivateNetworks: true,
		Services:             []Service{{ID: "local", BaseURL: srv.URL, Endpoints: []Endpoint{{Name: "get", Path: "/"}}}},
	})
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), "local_get", json.RawMessage(`{}`))
	require.ErrorIs(t, err, domain.ErrSSRFBlocked)
	assert.EqualValues(t, 0, atomic.LoadInt32(hits))
}

func TestExecuteUnknownToolAndBadArgs(t *testing.T) {
	a := newAPI(t, weatherService("http://example.invalid"))
	_, err := a.Execute(context.Background(), "weather_forecast", nil)
	require.ErrorIs(t, err, domain.ErrToolNotFound)

	_, err = a.Execute(context.Background(), "weather_current", json.RawMessage(`"city"`))
	require.ErrorIs(t, err, domain.ErrInvalidParameters)
}

func TestOnInitConfig(t *testing.T) {
	a := newAPI(t)
	assert.Empty(t, a.Tools())

	cfg := `{"services":[{"id":"gh","name":"GitHub","base_url":"https://api.github.com","endpoints":[{"name":"repo","path":"/repos/{owner}/{repo}"}]}]}`
	require.NoError(t, a.OnInit(context.Background(), domain.PluginContext{Config: json.RawMessage(cfg)}))
	require.Len(t, a.Tools(), 1)
	assert.Equal(t, "gh_repo", a.Tools()[0].Name)

	bad := `{"services":[{"id":"gh","base_url":"https://x","endpoints":[{"name":"e","method":"TRACE","path":"/"}]}]}`
	err := a.OnInit(context.Background(), domain.PluginContext{Config: json.RawMessage(bad)})
	require.ErrorIs(t, err, domain.ErrConfigError)

	dup := `{"services":[{"id":"a","base_url":"https://x"},{"id":"a","base_url":"https://y"}]}`
	err = a.OnInit(context.Background(), domain.PluginContext{Config: json.RawMessage(dup)})
	require.ErrorIs(t, err, domain.ErrConfigError)
}

const serviceYAML = `
id: jira
name: Jira
base_url: https://example.atlassian.net/rest/api/3
auth_type: bearer
auth_env: JIRA_TOKEN
rate_limit_per_minute: 30
endpoints:
  - name: search
    path: /search
    description: Search issues with JQL
    params:
      jql: { required: true, description: "JQL query" }
      maxResults: { type: number, default: 20 }
`

func TestLoadServicesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	doc := "services:\n" + indent(serviceYAML)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	services, err := LoadServicesFile(path)
	require.NoError(t, err)
	require.Len(t, services, 1)
	s := services[0]
	assert.Equal(t, "jira", s.ID)
	assert.Equal(t, defaultTimeoutSecs, s.TimeoutSecs)
	assert.Equal(t, 30, s.RateLimitPerMinute)
	require.Len(t, s.Endpoints, 1)
	assert.Equal(t, "GET", s.Endpoints[0].Method)
	assert.Equal(t, InQuery, s.Endpoints[0].Params["jql"].Location)
	assert.JSONEq(t, `20`, string(s.Endpoints[0].Params["maxResults"].Default))
}

func TestDiscoverServices(t *testing.T) {
	dir := t.TempDir()
	write := func(sub, content string) {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, sub, "service.yaml"), []byte(content), 0o600))
	}
	write("jira", serviceYAML)
	write("broken", "id: [")
	write("incomplete", "name: no id or url\n")

	services, err := DiscoverServices([]string{dir, filepath.Join(dir, "missing")})
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "jira", services[0].ID)
	assert.Equal(t, "GET", services[0].Endpoints[0].Method)
}

func indent(s string) string {
	lines := strings.Split(strings.TrimPrefix(s, "\n"), "\n")
	for i, l := range lines {
		if l == "" {
			continue
		}
		if i == 0 {
			lines[i] = "  - " + l
		} else {
			lines[i] = "    " + l
		}
	}
	return strings.Join(lines, "\n")
}
