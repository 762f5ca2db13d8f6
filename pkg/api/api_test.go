package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ValerySidorin/ferry/pkg/controller"
	"github.com/ValerySidorin/ferry/pkg/engine/enginetest"
	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/ValerySidorin/ferry/pkg/publisher"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func newTestController(t *testing.T) (*controller.Controller, *prometheus.Registry) {
	t.Helper()

	cfg := controller.Config{}
	cfg.Executor.OutputDir = t.TempDir()
	cfg.Executor.MaxParallel = 2
	cfg.Executor.PollInterval = 10 * time.Millisecond
	cfg.Publisher.MinInterval = 5 * time.Millisecond
	cfg.Publisher.Buffer = 16

	reg := prometheus.NewPedanticRegistry()
	c, err := controller.New(context.Background(), cfg, enginetest.New(), enginetest.NewMuxer(), reg, log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), c))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(context.Background(), c)
	})

	return c, reg
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	c, reg := newTestController(t)
	srv := httptest.NewServer(NewRouter(c, reg, log.NewNopLogger()))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func submit(t *testing.T, srv *httptest.Server, req job.Request) string {
	t.Helper()

	code, body := do(t, http.MethodPost, srv.URL+"/api/jobs", req)
	require.Equal(t, http.StatusAccepted, code)
	id, ok := body["id"].(string)
	require.True(t, ok)
	return id
}

func waitStatus(t *testing.T, srv *httptest.Server, id string, status job.Status) {
	t.Helper()

	require.Eventually(t, func() bool {
		code, body := do(t, http.MethodGet, srv.URL+"/api/jobs/"+id, nil)
		return code == http.StatusOK && body["status"] == string(status)
	}, waitFor, 10*time.Millisecond)
}

func TestSubmitAndStatus(t *testing.T) {
	srv := newTestServer(t)

	id := submit(t, srv, job.Request{Source: "A", Format: "best"})
	waitStatus(t, srv, id, job.StatusCompleted)

	code, body := do(t, http.MethodGet, srv.URL+"/api/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	result, ok := body["result"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, result["path"])
	assert.Nil(t, body["error"])

	code, body = do(t, http.MethodGet, srv.URL+"/api/jobs", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["jobs"], 1)
}

func TestSubmitInvalid(t *testing.T) {
	srv := newTestServer(t)

	code, body := do(t, http.MethodPost, srv.URL+"/api/jobs", job.Request{Source: "A", Format: "8k"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "unknown format")

	resp, err := http.Post(srv.URL+"/api/jobs", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownJob(t *testing.T) {
	srv := newTestServer(t)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/jobs/nonexistent-id"},
		{http.MethodPost, "/api/jobs/nonexistent-id/cancel"},
		{http.MethodDelete, "/api/jobs/nonexistent-id"},
		{http.MethodGet, "/api/jobs/nonexistent-id/events"},
	} {
		code, _ := do(t, tc.method, srv.URL+tc.path, nil)
		assert.Equal(t, http.StatusNotFound, code, "%s %s", tc.method, tc.path)
	}
}

func TestCancelCompleted(t *testing.T) {
	srv := newTestServer(t)

	id := submit(t, srv, job.Request{Source: "A"})
	waitStatus(t, srv, id, job.StatusCompleted)

	code, body := do(t, http.MethodPost, srv.URL+"/api/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, string(controller.CancelAlreadyTerminal), body["outcome"])
}

func TestDelete(t *testing.T) {
	srv := newTestServer(t)

	id := submit(t, srv, job.Request{Source: "A"})
	waitStatus(t, srv, id, job.StatusCompleted)

	code, body := do(t, http.MethodDelete, srv.URL+"/api/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])

	code, _ = do(t, http.MethodGet, srv.URL+"/api/jobs/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestFile(t *testing.T) {
	srv := newTestServer(t)

	id := submit(t, srv, job.Request{Source: "A"})
	waitStatus(t, srv, id, job.StatusCompleted)

	resp, err := http.Get(srv.URL + "/api/jobs/" + id + "/file")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), id+".mp4")

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 4096, buf.Len())

	code, _ := do(t, http.MethodGet, srv.URL+"/api/jobs/nonexistent-id/file", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestClearAndStorage(t *testing.T) {
	srv := newTestServer(t)

	id := submit(t, srv, job.Request{Source: "A"})
	waitStatus(t, srv, id, job.StatusCompleted)

	code, body := do(t, http.MethodGet, srv.URL+"/api/storage", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(4096), body["downloads_size"])
	assert.Equal(t, float64(1), body["job_count"])

	code, body = do(t, http.MethodDelete, srv.URL+"/api/jobs", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["removed"])

	code, body = do(t, http.MethodGet, srv.URL+"/api/storage", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["downloads_size"])
	assert.Equal(t, float64(0), body["job_count"])
}

func TestInfo(t *testing.T) {
	srv := newTestServer(t)

	code, body := do(t, http.MethodPost, srv.URL+"/api/info", map[string]string{"source": "A"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "fake A", body["title"])
	assert.Equal(t, false, body["is_playlist"])
	assert.Len(t, body["entries"], 1)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/info", map[string]string{"source": ""})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEventsStream(t *testing.T) {
	srv := newTestServer(t)

	id := submit(t, srv, job.Request{Source: "A"})

	resp, err := http.Get(srv.URL + "/api/jobs/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var evs []publisher.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev publisher.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		evs = append(evs, ev)
	}
	require.NoError(t, scanner.Err())

	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, id, last.ID)
	assert.Equal(t, job.StatusCompleted, last.Status)
	require.NotNil(t, last.Result)
}

func TestHistoryDisabled(t *testing.T) {
	srv := newTestServer(t)

	code, _ := do(t, http.MethodGet, srv.URL+"/api/history", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/api/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	code, body := do(t, http.MethodGet, srv.URL+"/api/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "fake", body["engine"])
	assert.Equal(t, true, body["ffmpeg"])

	id := submit(t, srv, job.Request{Source: "A"})
	waitStatus(t, srv, id, job.StatusCompleted)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "ferry_jobs_submitted_total 1")
}

func TestServerService(t *testing.T) {
	c, reg := newTestController(t)

	s := NewServer(Config{HTTPListenAddress: "127.0.0.1", HTTPListenPort: 0, MaxConnections: 4}, c, reg, log.NewNopLogger())
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), s))

	url := fmt.Sprintf("http://%s/api/health", s.Addr().String())
	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), s))
}
