package httpapi_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watershed-dss/wqdss"
	"github.com/watershed-dss/wqdss/execreg"
	"github.com/watershed-dss/wqdss/httpapi"
	"github.com/watershed-dss/wqdss/modelstore"
	"github.com/watershed-dss/wqdss/sweep"
)

const contentTypeHeader = "Content-Type"

// fakeDispatcher always returns a single-row CSV output scoring exactly
// at the target, so the engine always has a best run to report.
type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(ctx context.Context, modelName string, perm wqdss.Permutation, outputFile string) ([]byte, error) {
	return zipCSV(outputFile, "NO3\n3.7\n"), nil
}

func zipCSV(name, content string) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, _ := w.Create(name)
	_, _ = f.Write([]byte(content))
	_ = w.Close()
	return buf.Bytes()
}

func newTestServer(t *testing.T) *httpapi.Server {
	t.Helper()
	dir := t.TempDir()
	models, err := modelstore.New(dir)
	require.NoError(t, err)

	execs := execreg.New()
	engine := sweep.New(fakeDispatcher{}, -1, "")
	return httpapi.NewServer(models, execs, engine)
}

func submitMultipart(t *testing.T, spec wqdss.SweepSpec, modelName string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	payload, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, w.WriteField("input", string(payload)))
	if modelName != "" {
		require.NoError(t, w.WriteField("model_name", modelName))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func testSpec() wqdss.SweepSpec {
	var spec wqdss.SweepSpec
	spec.ModelRun.InputFiles = []wqdss.InputFileSweep{
		{Name: "flows.csv", Col: "v_hangq", Min: 1, Max: 2, Steps: []float64{0.5}},
	}
	spec.ModelAnalysis.OutputFile = "output.csv"
	spec.ModelAnalysis.Parameters = []wqdss.ScoreParameter{
		{Name: "NO3", Target: 3.7, ScoreStep: 0.1, Weight: 1},
	}
	return spec
}

func TestSubmitAndPollSweep(t *testing.T) {
	srv := newTestServer(t)
	e := httpapi.NewEchoServer(httpapi.DefaultServerConfig())
	srv.RegisterRoutes(e)

	body, contentType := submitMultipart(t, testSpec(), "default")
	req := httptest.NewRequest(http.MethodPost, "/dss", body)
	req.Header.Set(contentTypeHeader, contentType)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitResp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))
	require.NotEmpty(t, submitResp.ID)

	var statusResp struct {
		ID     string                `json:"id"`
		Status string                `json:"status"`
		Result wqdss.IterationResult `json:"result"`
	}
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/status/"+submitResp.ID, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			return false
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &statusResp)
		return statusResp.Status == string(wqdss.ExecCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	// This spec has a single iteration, so the result collapses to a bare
	// object rather than a one-element array.
	require.NotEqual(t, "FAILED", statusResp.Result.BestRunID)

	req = httptest.NewRequest(http.MethodGet, "/best_run/"+submitResp.ID, nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.Bytes())

	req = httptest.NewRequest(http.MethodGet, "/executions", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusUnknownExecutionReportsNotFoundStatus(t *testing.T) {
	srv := newTestServer(t)
	e := httpapi.NewEchoServer(httpapi.DefaultServerConfig())
	srv.RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/status/does-not-exist", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var statusResp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statusResp))
	require.Equal(t, "does-not-exist", statusResp.ID)
	require.Equal(t, "NOT_FOUND", statusResp.Status)
}

func TestSubmitRejectsMissingInputField(t *testing.T) {
	srv := newTestServer(t)
	e := httpapi.NewEchoServer(httpapi.DefaultServerConfig())
	srv.RegisterRoutes(e)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/dss", &buf)
	req.Header.Set(contentTypeHeader, w.FormDataContentType())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadAndFetchModel(t *testing.T) {
	srv := newTestServer(t)
	e := httpapi.NewEchoServer(httpapi.DefaultServerConfig())
	srv.RegisterRoutes(e)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("model", "model.zip")
	require.NoError(t, err)
	_, err = part.Write(zipCSV("flows.csv", "title\nmeta\nv_hangq\n1\n"))
	require.NoError(t, err)
	require.NoError(t, w.WriteField("model_name", "test-model"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/models", &buf)
	req.Header.Set(contentTypeHeader, w.FormDataContentType())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/models/test-model", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.Bytes())

	req = httptest.NewRequest(http.MethodGet, "/models/unknown-model", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndVersion(t *testing.T) {
	srv := newTestServer(t)
	e := httpapi.NewEchoServer(httpapi.DefaultServerConfig())
	srv.RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/version", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
