package restapi_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/jobrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/svc/supervisorsvc"
	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
	"github.com/yusufsyaifudin/saiyoumail/transport/restapi"
)

type fakeSupervisor struct {
	startErr error
	started  []supervisorsvc.InputStart
	stopped  []int
	history  []supervisorsvc.InputHistory
	running  []jobrepo.Job
	finished []jobrepo.Job
}

var _ supervisorsvc.Service = (*fakeSupervisor)(nil)

func (f *fakeSupervisor) Start(ctx context.Context, in supervisorsvc.InputStart) (jobrepo.Job, error) {
	if err := validator.Validate(in); err != nil {
		return jobrepo.Job{}, fmt.Errorf("start: %w", err)
	}

	if f.startErr != nil {
		return jobrepo.Job{}, f.startErr
	}

	f.started = append(f.started, in)
	return jobrepo.Job{
		ID:        1,
		PID:       4242,
		Command:   in.Command,
		Campaign:  "2024-autumn",
		StartID:   in.StartID,
		EndID:     in.EndID,
		State:     jobrepo.StateRunning,
		StartedAt: model.ISOTime(time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC)),
	}, nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, in supervisorsvc.InputStop) (jobrepo.Job, error) {
	for _, job := range f.running {
		if job.PID == in.PID {
			f.stopped = append(f.stopped, in.PID)
			job.State = jobrepo.StateStopping
			return job, nil
		}
	}

	return jobrepo.Job{}, fmt.Errorf("%w: pid %d", supervisorsvc.ErrJobNotFound, in.PID)
}

func (f *fakeSupervisor) List(ctx context.Context) ([]jobrepo.Job, error) {
	return f.running, nil
}

func (f *fakeSupervisor) History(ctx context.Context, in supervisorsvc.InputHistory) ([]jobrepo.Job, error) {
	f.history = append(f.history, in)
	out := f.finished
	if in.Limit > 0 && len(out) > in.Limit {
		out = out[:in.Limit]
	}

	return out, nil
}

func (f *fakeSupervisor) Reconcile(ctx context.Context) (supervisorsvc.OutReconcile, error) {
	return supervisorsvc.OutReconcile{}, nil
}

type envelope struct {
	TraceID string          `json:"trace_id"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string `json:"error_code"`
		Message string `json:"error_description"`
		Debug   string `json:"debug"`
	} `json:"error"`
}

func serve(t *testing.T, sup supervisorsvc.Service, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	transport, err := restapi.NewHTTPTransport(restapi.Config{
		AppServiceName: "saiyoumail",
		AppVersion:     "test",
		Supervisor:     sup,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	transport.Server().ServeHTTP(rec, req)

	var env envelope
	// list endpoints answer with a bare array
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") &&
		strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}

	return rec, env
}

func TestNewHTTPTransport_InvalidConfig(t *testing.T) {
	_, err := restapi.NewHTTPTransport(restapi.Config{AppServiceName: "saiyoumail", AppVersion: "test"})
	assert.Error(t, err)
}

func TestGetProcesses(t *testing.T) {
	sup := &fakeSupervisor{
		running: []jobrepo.Job{
			{ID: 7, PID: 1001, Command: "autumn", Campaign: "2024-autumn", StartID: 1, EndID: 500, State: jobrepo.StateRunning},
		},
	}

	rec, _ := serve(t, sup, http.MethodGet, "/api/get_processes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Tracer-ID"))

	// the body is the bare array of running jobs, not the data envelope
	var procs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &procs))
	require.Len(t, procs, 1)
	assert.EqualValues(t, 1001, procs[0]["pid"])
	assert.Equal(t, "running", procs[0]["state"])
	assert.EqualValues(t, 500, procs[0]["end_id"])

	t.Run("empty is an array", func(t *testing.T) {
		rec, _ := serve(t, &fakeSupervisor{}, http.MethodGet, "/api/get_processes", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("caller trace id is reused", func(t *testing.T) {
		const traceID = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

		transport, err := restapi.NewHTTPTransport(restapi.Config{
			AppServiceName: "saiyoumail",
			AppVersion:     "test",
			Supervisor:     &fakeSupervisor{},
		})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/get_processes", nil)
		req.Header.Set("Tracer-ID", traceID)
		rec := httptest.NewRecorder()
		transport.Server().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, traceID, rec.Header().Get("Tracer-ID"))
	})
}

func TestStartProcess(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		sup := &fakeSupervisor{}
		rec, env := serve(t, sup, http.MethodPost, "/api/start_process", `{"command":"autumn","start_id":10,"end_id":20}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		require.Len(t, sup.started, 1)
		assert.Equal(t, supervisorsvc.InputStart{Command: "autumn", StartID: 10, EndID: 20}, sup.started[0])

		var resp struct {
			Process map[string]interface{} `json:"process"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		assert.EqualValues(t, 4242, resp.Process["pid"])
		assert.Nil(t, resp.Process["exit_code"])
	})

	testCases := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{name: "malformed json", body: `{"command":`, status: http.StatusBadRequest, code: "02"},
		{name: "unknown field", body: `{"command":"autumn","start_id":1,"end_id":2,"force":true}`, status: http.StatusBadRequest, code: "02"},
		{name: "inverted range", body: `{"command":"autumn","start_id":20,"end_id":10}`, status: http.StatusBadRequest, code: "02"},
		{name: "unknown command", body: `{"command":"winter","start_id":1,"end_id":2}`, err: fmt.Errorf("%w: winter", supervisorsvc.ErrUnknownCommand), status: http.StatusBadRequest, code: "02"},
		{name: "lock held", body: `{"command":"autumn","start_id":1,"end_id":2}`, err: &filelock.HeldError{Path: "roster.csv.lock", Info: filelock.Info{PID: 99}}, status: http.StatusConflict, code: "06"},
		{name: "worker running", body: `{"command":"autumn","start_id":1,"end_id":2}`, err: fmt.Errorf("%w: pid 5", supervisorsvc.ErrWorkerRunning), status: http.StatusConflict, code: "07"},
		{name: "spawn failure", body: `{"command":"autumn","start_id":1,"end_id":2}`, err: fmt.Errorf("spawn worker: exec format error"), status: http.StatusInternalServerError, code: "01"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sup := &fakeSupervisor{startErr: tc.err}
			rec, env := serve(t, sup, http.MethodPost, "/api/start_process", tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, env.Error.Code)
			assert.Empty(t, sup.started)
		})
	}

	t.Run("lock holder pid is reported", func(t *testing.T) {
		sup := &fakeSupervisor{startErr: &filelock.HeldError{Path: "roster.csv.lock", Info: filelock.Info{PID: 99}}}
		_, env := serve(t, sup, http.MethodPost, "/api/start_process", `{"command":"autumn","start_id":1,"end_id":2}`)
		assert.Equal(t, "lock_held", env.Error.Message)
		assert.Contains(t, env.Error.Debug, "99")
	})
}

func TestStopProcess(t *testing.T) {
	sup := &fakeSupervisor{
		running: []jobrepo.Job{{ID: 7, PID: 1001, Command: "autumn", State: jobrepo.StateRunning}},
	}

	rec, env := serve(t, sup, http.MethodPost, "/api/stop_process/1001", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []int{1001}, sup.stopped)
	assert.Contains(t, string(env.Data), `"state":"stopping"`)

	t.Run("unknown pid", func(t *testing.T) {
		rec, env := serve(t, sup, http.MethodPost, "/api/stop_process/2002", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "04", env.Error.Code)
	})

	t.Run("pid is not a number", func(t *testing.T) {
		rec, _ := serve(t, sup, http.MethodPost, "/api/stop_process/abc", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetProcessHistory(t *testing.T) {
	code := 0
	ended := model.ISOTime(time.Date(2024, 10, 1, 10, 0, 0, 0, time.UTC))
	sup := &fakeSupervisor{
		finished: []jobrepo.Job{
			{ID: 2, PID: 11, State: jobrepo.StateCompleted, ExitCode: &code, EndedAt: ended},
			{ID: 1, PID: 10, State: jobrepo.StateFailed, Reason: "smtp auth rejected", EndedAt: ended},
		},
	}

	rec, _ := serve(t, sup, http.MethodGet, "/api/get_process_history?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sup.history, 1)
	assert.Equal(t, 1, sup.history[0].Limit)

	var procs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &procs))
	require.Len(t, procs, 1)
	assert.EqualValues(t, 11, procs[0]["pid"])
	assert.EqualValues(t, 0, procs[0]["exit_code"])
	assert.NotEmpty(t, procs[0]["ended_at"])

	t.Run("limit is not a number", func(t *testing.T) {
		rec, _ := serve(t, sup, http.MethodGet, "/api/get_process_history?limit=ten", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	rec, env := serve(t, &fakeSupervisor{}, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"status":"ok"`)

	rec, _ = serve(t, &fakeSupervisor{}, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "saiyoumail_running_jobs")
}
