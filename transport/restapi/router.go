package restapi

import (
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel"

	"github.com/yusufsyaifudin/saiyoumail/assets"
	"github.com/yusufsyaifudin/saiyoumail/internal/metrics"
	"github.com/yusufsyaifudin/saiyoumail/internal/svc/supervisorsvc"
	"github.com/yusufsyaifudin/saiyoumail/pkg/respbuilder"
	"github.com/yusufsyaifudin/saiyoumail/pkg/tracer"
	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
	"github.com/yusufsyaifudin/saiyoumail/transport/restapi/handlerprocess"
)

type Config struct {
	AppServiceName string                `validate:"required"`
	AppVersion     string                `validate:"required"`
	Supervisor     supervisorsvc.Service `validate:"required"`
}

type DefaultHTTP struct {
	router *chi.Mux
}

func NewHTTPTransport(cfg Config) (*DefaultHTTP, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("http transport cfg error: %w", err)
	}

	// ** Process handler
	handlerProcessCfg := handlerprocess.HandlerConfig{
		Supervisor: cfg.Supervisor,
	}

	handlerProcess, err := handlerprocess.NewHandler(handlerProcessCfg)
	if err != nil {
		return nil, err
	}

	router := chi.NewRouter()

	skip := func(r *http.Request) bool {
		switch strings.TrimSpace(path.Clean(r.URL.Path)) {
		case "/health",
			"/ping",
			"/metrics":
			return true
		}

		return false
	}

	router.Use(middleware.StripSlashes)

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Tracer-ID"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	router.Use(func(next http.Handler) http.Handler {
		return tracer.Middleware(tracer.MiddlewareConfig{
			TracerName:     "github.com/yusufsyaifudin/saiyoumail",
			ServiceName:    assets.ServiceName,
			SkipFunc:       skip,
			TracerProvider: otel.GetTracerProvider(),    // global tracer provider
			TextPropagator: otel.GetTextMapPropagator(), // use global text map propagator
		}, next)
	})

	// add trace id and also log request response
	router.Use(func(next http.Handler) http.Handler {
		return requestLogger(skip, next)
	})

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		resp := respbuilder.Success(r.Context(), map[string]string{
			"service": cfg.AppServiceName,
			"version": cfg.AppVersion,
			"status":  "ok",
		})
		respbuilder.WriteJSON(http.StatusOK, w, r, resp)
	})

	router.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	})

	router.Handle("/metrics", metrics.Handler())

	// Resource: send workers
	router.Route("/api", func(r chi.Router) {
		r.Get("/get_processes", handlerProcess.GetProcesses())            // running workers
		r.Post("/start_process", handlerProcess.StartProcess())           // spawn one worker
		r.Post("/stop_process/{pid}", handlerProcess.StopProcess())       // SIGTERM, then SIGKILL
		r.Get("/get_process_history", handlerProcess.GetProcessHistory()) // terminated workers
	})

	instance := &DefaultHTTP{
		router: router,
	}

	return instance, nil
}

// Server .
func (a *DefaultHTTP) Server() http.Handler {
	return a.router
}
