package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"school-gradients/internal/config"
)

func testServer(t *testing.T) (*gin.Engine, *config.Config) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	_, cfgPath := writeConfig(t)
	c, err := config.Load(cfgPath)
	require.NoError(t, err)
	c.Output.Formats = []string{"json", "xlsx"}
	return newRouter(c, NewJobStore()), c
}

func upload(t *testing.T, r http.Handler, filename, content string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		fw, err := mw.CreateFormFile("input_file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/analyze", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

type jobResponse struct {
	OK  bool    `json:"ok"`
	Job JobView `json:"job"`
}

func waitForJob(t *testing.T, r http.Handler, id string) JobView {
	t.Helper()
	var view JobView
	require.Eventually(t, func() bool {
		rr := get(r, "/jobs/"+id)
		var resp jobResponse
		if json.Unmarshal(rr.Body.Bytes(), &resp) != nil {
			return false
		}
		view = resp.Job
		return view.Status != StatusRunning
	}, 5*time.Second, 10*time.Millisecond)
	return view
}

func TestHealthz(t *testing.T) {
	r, _ := testServer(t)
	rr := get(r, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ok": true}`, rr.Body.String())
}

func TestAnalyzeJob_Lifecycle(t *testing.T) {
	r, c := testServer(t)

	rr := upload(t, r, "schools.json", schoolsJSON, map[string]string{"mode": "topk", "top_k": "10"})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var started struct {
		OK    bool   `json:"ok"`
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))
	require.True(t, started.OK)

	view := waitForJob(t, r, started.JobID)
	require.Equal(t, StatusDone, view.Status, view.Error)
	assert.Equal(t, 100, view.Progress)
	assert.NotEmpty(t, view.Logs)
	require.NotNil(t, view.Result)
	assert.Equal(t, "topk", view.Result.Mode)
	assert.Equal(t, 2, view.Result.Matches)
	assert.Equal(t, []string{"grundschulen-top-10", "weiterfuehrende-top-10"}, view.Result.Partitions)
	assert.Contains(t, view.Result.Files, "gradients.xlsx")
	assert.FileExists(t, filepath.Join(c.Output.Dir, "jobs", started.JobID, "summary.json"))

	rr = get(r, "/jobs/"+started.JobID+"/files/summary.json")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"mode": "topk"`)

	rr = get(r, "/jobs/"+started.JobID+"/files/missing.json")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// finished jobs cannot be cancelled
	req := httptest.NewRequest(http.MethodPost, "/jobs/"+started.JobID+"/cancel", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok": true, "cancelled": false}`, rec.Body.String())

	require.Eventually(t, func() bool {
		body := get(r, "/metrics").Body.String()
		return strings.Contains(body, `gradients_jobs_total{status="done"} 1`) &&
			strings.Contains(body, `gradients_pairs_compared_total{group="grundschulen"} 1`) &&
			strings.Contains(body, `gradients_matches_total{group="weiterfuehrende"} 1`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAnalyzeJob_FailsOnBadInput(t *testing.T) {
	r, _ := testServer(t)

	rr := upload(t, r, "schools.json", `[{"schulnummer": "1"}]`, nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var started struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))

	view := waitForJob(t, r, started.JobID)
	assert.Equal(t, StatusError, view.Status)
	assert.Contains(t, view.Error, "missing required columns")
	assert.Nil(t, view.Result)

	rr = get(r, "/jobs/"+started.JobID+"/files/summary.json")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

// manySchools renders n primary schools spread over a few hundred square kilometres.
func manySchools(n int) string {
	var b strings.Builder
	b.WriteString("[")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",\n")
		}
		fmt.Fprintf(&b, `{"schulnummer": "%d", "name": "Schule %d", "schultyp": "Grundschule", "sozialindex": %d, "latitude": %.5f, "longitude": %.5f}`,
			300000+i, i, 1+i%9, 51.0+float64(i%200)*0.0025, 7.0+float64(i/200)*0.004)
	}
	b.WriteString("]")
	return b.String()
}

func TestAnalyzeJob_Cancel(t *testing.T) {
	r, c := testServer(t)

	rr := upload(t, r, "schools.json", manySchools(20000), nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var started struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))

	req := httptest.NewRequest(http.MethodPost, "/jobs/"+started.JobID+"/cancel", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok": true, "cancelled": true}`, rec.Body.String())

	view := waitForJob(t, r, started.JobID)
	assert.Equal(t, StatusError, view.Status)
	assert.Equal(t, "cancelled", view.Error)
	assert.Nil(t, view.Result)
	assert.Contains(t, strings.Join(view.Logs, "\n"), "Cancellation requested by user.")

	assert.NoDirExists(t, filepath.Join(c.Output.Dir, "jobs", started.JobID))
	assert.Equal(t, http.StatusConflict, get(r, "/jobs/"+started.JobID+"/files/summary.json").Code)

	require.Eventually(t, func() bool {
		return strings.Contains(get(r, "/metrics").Body.String(), `gradients_jobs_total{status="error"} 1`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAnalyze_BadRequests(t *testing.T) {
	r, _ := testServer(t)

	rr := upload(t, r, "", "", map[string]string{"mode": "topk"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = upload(t, r, "schools.json", schoolsJSON, map[string]string{"top_k": "many"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = upload(t, r, "schools.json", schoolsJSON, map[string]string{"mode": "nearest"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "analysis.mode")
}

func TestJobRoutes_UnknownJob(t *testing.T) {
	r, _ := testServer(t)

	assert.Equal(t, http.StatusNotFound, get(r, "/jobs/nope").Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/jobs/nope/files/summary.json").Code)

	req := httptest.NewRequest(http.MethodPost, "/jobs/nope/cancel", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestJobFile_RejectsTraversal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_, cfgPath := writeConfig(t)
	c, err := config.Load(cfgPath)
	require.NoError(t, err)

	jobs := NewJobStore()
	job := NewJob(func() {})
	job.Finish(&JobResult{Files: []string{"summary.json"}, Dir: t.TempDir()})
	jobs.Add(job)
	r := newRouter(c, jobs)

	assert.Equal(t, http.StatusBadRequest, get(r, "/jobs/"+job.ID+"/files/..").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/jobs/"+job.ID+"/files/.hidden").Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/jobs/"+job.ID+"/files/..%2Fconfig.yaml").Code)
}
