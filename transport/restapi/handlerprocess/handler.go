package handlerprocess

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/schema"
	"github.com/segmentio/encoding/json"
	"github.com/yusufsyaifudin/ylog"

	"github.com/yusufsyaifudin/saiyoumail/internal/svc/supervisorsvc"
	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
	"github.com/yusufsyaifudin/saiyoumail/pkg/respbuilder"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
	"github.com/yusufsyaifudin/saiyoumail/transport/restapi/httptyped"
)

type HandlerConfig struct {
	Supervisor supervisorsvc.Service `validate:"required"`
}

type Handler struct {
	Config HandlerConfig
}

func NewHandler(conf HandlerConfig) (*Handler, error) {
	err := validator.Validate(conf)
	if err != nil {
		return nil, err
	}

	return &Handler{Config: conf}, nil
}

// errKind maps supervisor errors to the response reason.
func errKind(err error) respbuilder.ErrKind {
	switch {
	case errors.Is(err, filelock.ErrLockHeld):
		return respbuilder.ErrLockHeld
	case errors.Is(err, supervisorsvc.ErrWorkerRunning):
		return respbuilder.ErrConflict
	case errors.Is(err, supervisorsvc.ErrJobNotFound):
		return respbuilder.ErrResourceNotFound
	case errors.Is(err, supervisorsvc.ErrUnknownCommand), validator.IsValidation(err):
		return respbuilder.ErrValidation
	default:
		return respbuilder.ErrUnhandled
	}
}

// GetProcesses list the send workers that are still alive.
// Path          : GET /api/get_processes
// Response      : []httptyped.Process
func (h *Handler) GetProcesses() func(http.ResponseWriter, *http.Request) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		jobs, err := h.Config.Supervisor.List(ctx)
		if err != nil {
			respbuilder.WriteError(w, r, errKind(err), err)
			return
		}

		// bare array; the trace id travels in the Tracer-ID header
		respbuilder.WriteJSON(http.StatusOK, w, r, httptyped.ProcessesFromSvc(jobs))
	}

	return handler
}

type StartProcessReq struct {
	Command string `json:"command"`
	StartID int    `json:"start_id"`
	EndID   int    `json:"end_id"`
}

type StartProcessResp struct {
	Process httptyped.Process `json:"process"`
}

// StartProcess spawn one send worker for the id range.
// Path         : POST /api/start_process
// Request Body : StartProcessReq
// Response     : StartProcessResp
func (h *Handler) StartProcess() func(http.ResponseWriter, *http.Request) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if r.Body == nil {
			err := fmt.Errorf("request body is nil")
			respbuilder.WriteError(w, r, respbuilder.ErrValidation, err)
			return
		}

		defer func() {
			if _err := r.Body.Close(); _err != nil {
				ylog.Error(ctx, "cannot close request body", ylog.KV("error", _err))
			}
		}()

		var reqBody StartProcessReq
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		err := dec.Decode(&reqBody)
		if err != nil {
			respbuilder.WriteError(w, r, respbuilder.ErrValidation, err)
			return
		}

		startIn := supervisorsvc.InputStart{
			Command: strings.TrimSpace(reqBody.Command),
			StartID: reqBody.StartID,
			EndID:   reqBody.EndID,
		}

		job, err := h.Config.Supervisor.Start(ctx, startIn)
		if err != nil {
			respbuilder.WriteError(w, r, errKind(err), err)
			return
		}

		respBody := StartProcessResp{
			Process: httptyped.ProcessFromSvc(job),
		}

		resp := respbuilder.Success(ctx, respBody)
		respbuilder.WriteJSON(http.StatusCreated, w, r, resp)
	}

	return handler
}

type StopProcessResp struct {
	Process httptyped.Process `json:"process"`
}

// StopProcess send SIGTERM to the worker, SIGKILL follows after the grace period.
// Path          : POST /api/stop_process/{pid}
// Response      : StopProcessResp
func (h *Handler) StopProcess() func(http.ResponseWriter, *http.Request) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		pidStr := strings.TrimSpace(chi.URLParam(r, "pid"))
		pid, err := strconv.Atoi(pidStr)
		if err != nil || pid <= 0 {
			err = fmt.Errorf("pid '%s' is not a positive number", pidStr)
			respbuilder.WriteError(w, r, respbuilder.ErrValidation, err)
			return
		}

		job, err := h.Config.Supervisor.Stop(ctx, supervisorsvc.InputStop{PID: pid})
		if err != nil {
			respbuilder.WriteError(w, r, errKind(err), err)
			return
		}

		respBody := StopProcessResp{
			Process: httptyped.ProcessFromSvc(job),
		}

		resp := respbuilder.Success(ctx, respBody)
		respbuilder.WriteJSON(http.StatusAccepted, w, r, resp)
	}

	return handler
}

type ProcessHistoryReq struct {
	Limit int `schema:"limit"`
}

// GetProcessHistory list terminated workers, most recent first.
// Path          : GET /api/get_process_history
// Request Query : ProcessHistoryReq
// Response      : []httptyped.Process
func (h *Handler) GetProcessHistory() func(http.ResponseWriter, *http.Request) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		err := r.ParseForm()
		if err != nil {
			err = fmt.Errorf("failed parse form: %w", err)
			respbuilder.WriteError(w, r, respbuilder.ErrValidation, err)
			return
		}

		query := ProcessHistoryReq{}
		queryDec := schema.NewDecoder()
		queryDec.IgnoreUnknownKeys(true)
		err = queryDec.Decode(&query, r.Form)
		if err != nil {
			err = fmt.Errorf("failed decode query params: %w", err)
			respbuilder.WriteError(w, r, respbuilder.ErrValidation, err)
			return
		}

		jobs, err := h.Config.Supervisor.History(ctx, supervisorsvc.InputHistory{Limit: query.Limit})
		if err != nil {
			respbuilder.WriteError(w, r, errKind(err), err)
			return
		}

		// bare array; the trace id travels in the Tracer-ID header
		respbuilder.WriteJSON(http.StatusOK, w, r, httptyped.ProcessesFromSvc(jobs))
	}

	return handler
}
