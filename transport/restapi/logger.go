package restapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/satori/uuid"
	"github.com/segmentio/encoding/json"
	"github.com/yusufsyaifudin/ylog"
	"go.uber.org/multierr"

	"github.com/yusufsyaifudin/saiyoumail/pkg/respbuilder"
	"github.com/yusufsyaifudin/saiyoumail/pkg/tracer"
)

const (
	headerTraceID  = "Tracer-ID"
	requestTimeout = 30 * time.Second
)

func toSimpleMap(h http.Header) map[string]string {
	out := map[string]string{}
	for k, v := range h {
		out[k] = strings.Join(v, " ")
	}

	return out
}

// requestTraceID reuses a well-formed Tracer-ID sent by the dashboard, so one trace id follows
// a start request into the worker log lines the dashboard shows next to it.
func requestTraceID(r *http.Request) string {
	if id, err := uuid.FromString(strings.TrimSpace(r.Header.Get(headerTraceID))); err == nil {
		return id.String()
	}

	return uuid.NewV4().String()
}

// logData is the tracer payload of one control plane request. Process is the matched route and
// PID the worker pid of /api/stop_process/{pid}; both are known only after routing.
func logData(r *http.Request, traceID string) tracer.LogData {
	data := tracer.LogData{
		RemoteAddr: r.RemoteAddr,
		TraceID:    traceID,
	}

	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return data
	}

	if pattern := rctx.RoutePattern(); pattern != "" {
		data.Process = r.Method + " " + pattern
	}

	if pid, err := strconv.Atoi(rctx.URLParam("pid")); err == nil {
		data.PID = pid
	}

	return data
}

// decodeBody returns the JSON value of b for the access log, or b as a string when it is not JSON.
func decodeBody(b []byte) (obj interface{}, str string, err error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, "", nil
	}

	if err = json.Unmarshal(b, &obj); err != nil {
		return nil, string(b), err
	}

	return obj, "", nil
}

func requestLogger(skipFunc func(r *http.Request) bool, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if skipFunc(r) {
			next.ServeHTTP(w, r)
			return
		}

		var globalErr error
		t1 := time.Now().UTC()

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		traceID := requestTraceID(r)
		ctx = respbuilder.Inject(ctx, respbuilder.Tracer{
			RemoteAddr: r.RemoteAddr,
			AppTraceID: traceID,
			Method:     r.Method,
			Path:       r.URL.Path,
		})

		if logTracer, err := ylog.NewTracer(logData(r, traceID), ylog.WithTag("tracer")); err != nil {
			globalErr = multierr.Append(globalErr, fmt.Errorf("error prepare log tracer data: %w", err))
		} else {
			ctx = ylog.Inject(ctx, logTracer)
		}

		r = r.WithContext(ctx)

		var reqBody []byte
		if r.Body != nil {
			var err error
			reqBody, err = io.ReadAll(r.Body)
			if err != nil {
				globalErr = multierr.Append(globalErr, fmt.Errorf("error read request body: %w", err))
			}

			if _err := r.Body.Close(); _err != nil {
				globalErr = multierr.Append(globalErr, fmt.Errorf("cannot close request body: %w", _err))
			}

			r.Body = io.NopCloser(bytes.NewReader(reqBody))
		}

		rec := httptest.NewRecorder()
		next.ServeHTTP(rec, r)

		respBody := rec.Body.Bytes()
		for k, v := range rec.Header() {
			w.Header()[k] = v
		}

		w.WriteHeader(rec.Code)
		if _, err := w.Write(respBody); err != nil {
			globalErr = multierr.Append(globalErr, fmt.Errorf("error write response body: %w", err))
		}

		reqObj, reqStr, err := decodeBody(reqBody)
		if err != nil {
			globalErr = multierr.Append(globalErr, fmt.Errorf("request body is not json: %w", err))
		}

		// the metrics endpoint is skipped, so every logged response is expected to be JSON
		respObj, respStr, err := decodeBody(respBody)
		if err != nil {
			globalErr = multierr.Append(globalErr, fmt.Errorf("response body is not json: %w", err))
		}

		errStr := ""
		if globalErr != nil {
			errStr = globalErr.Error()
		}

		// routing is done: re-tag the log line with the matched route and the worker pid
		if logTracer, _err := ylog.NewTracer(logData(r, traceID), ylog.WithTag("tracer")); _err == nil {
			ctx = ylog.Inject(ctx, logTracer)
		}

		ylog.Access(ctx, ylog.AccessLogData{
			Path: r.RequestURI,
			Request: ylog.HTTPData{
				Header:     toSimpleMap(r.Header),
				DataObject: reqObj,
				DataString: reqStr,
			},
			Response: ylog.HTTPData{
				Header:     toSimpleMap(rec.Header()),
				DataObject: respObj,
				DataString: respStr,
			},
			Error:       errStr,
			ElapsedTime: time.Since(t1).Milliseconds(),
		})
	}
}
