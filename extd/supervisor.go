package extd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/yusufsyaifudin/ylog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/yusufsyaifudin/saiyoumail/assets"
	"github.com/yusufsyaifudin/saiyoumail/container"
	"github.com/yusufsyaifudin/saiyoumail/internal/svc/ingestsvc"
	"github.com/yusufsyaifudin/saiyoumail/pkg/worker"
	"github.com/yusufsyaifudin/saiyoumail/transport/restapi"
)

// RunSupervisor serves the control plane until SIGINT or SIGTERM. Send workers keep running when
// the supervisor exits; the next supervisor adopts them from the job table.
func RunSupervisor(ctx context.Context, cfg container.Config) (err error) {
	ctx, syncLog, err := setupLog(ctx, cfg.Log.Level, "supervisor")
	if err != nil {
		return
	}

	defer syncLog()

	shutdownTracer := setupTracing(ctx, cfg.Tracing)
	defer func() {
		if _err := shutdownTracer(context.Background()); _err != nil {
			ylog.Error(ctx, "tracer: shutdown failed", ylog.KV("error", _err))
		}
	}()

	// ** setup repositories
	ylog.Info(ctx, "container preparation: starting")
	repositories, err := container.SetupRepositories(cfg)
	if err != nil {
		ylog.Error(ctx, "container preparation: failed", ylog.KV("error", err))
		return
	}

	ylog.Info(ctx, "container preparation: done")

	// ** bookkeeping pool: stop escalation and post-exit replay of the pending queue
	pool := worker.NewWorker(cfg.Supervisor.PoolSize, 64)
	defer func() {
		ylog.Info(ctx, "worker pool: draining")
		pool.Done()
	}()

	// ** START SERVICES using configured repositories
	ylog.Info(ctx, "services preparation: starting")
	ingestor, err := container.SetupIngestService(cfg, repositories)
	if err != nil {
		ylog.Error(ctx, "ingest service preparation: failed", ylog.KV("error", err))
		return
	}

	afterExit := func(ctx context.Context) error {
		out, err := ingestor.ApplyPending(ctx)
		if err != nil {
			return err
		}

		if out.Applied > 0 || out.Dropped > 0 {
			ylog.Info(ctx, "pending queue replayed after worker exit",
				ylog.KV("applied", out.Applied),
				ylog.KV("kept", out.Kept),
				ylog.KV("dropped", out.Dropped),
			)
		}

		return nil
	}

	supervisor, err := container.SetupSupervisorService(ctx, cfg, repositories, pool, afterExit)
	if err != nil {
		ylog.Error(ctx, "supervisor service preparation: failed", ylog.KV("error", err))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		_ = supervisor.Run(ctx)
	}()

	if cfg.Ingestor.Enabled {
		go ingestLoop(ctx, ingestor, cfg.Ingestor.Interval)
	}

	// ** HTTP TRANSPORT
	ylog.Info(ctx, "transport preparation: starting")
	serverConfig := restapi.Config{
		AppServiceName: assets.ServiceName,
		AppVersion:     assets.Version,
		Supervisor:     supervisor,
	}

	ylog.Info(ctx, "http transport: starting")
	server, err := restapi.NewHTTPTransport(serverConfig)
	if err != nil {
		ylog.Error(ctx, "http transport: failed", ylog.KV("error", err))
		return
	}

	addr := net.JoinHostPort(cfg.Transport.HTTP.Host, strconv.Itoa(cfg.Transport.HTTP.Port))
	h2s := &http2.Server{}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(server.Server(), h2s), // HTTP/2 Cleartext handler
		ReadHeaderTimeout: 10 * time.Second,
	}

	var apiErrChan = make(chan error, 1)
	go func() {
		ylog.Info(ctx, fmt.Sprintf("http transport: done running on %s", addr))
		apiErrChan <- httpServer.ListenAndServe()
	}()

	ylog.Info(ctx, "system: up and running...")

	// ** listen for sigterm signal
	var signalChan = make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	select {
	case <-signalChan:
		ylog.Info(ctx, "system: exiting...")
		ylog.Info(ctx, "http transport: exiting...")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancelShutdown()
		if _err := httpServer.Shutdown(shutdownCtx); _err != nil {
			ylog.Error(ctx, "http transport: ", ylog.KV("error", _err))
		}

	case _err := <-apiErrChan:
		if _err != nil && !errors.Is(_err, http.ErrServerClosed) {
			ylog.Error(ctx, "http transport: error", ylog.KV("error", _err))
			err = _err
		}
	}

	return
}

// ingestLoop ticks the ingestor every interval until ctx is done.
func ingestLoop(ctx context.Context, ingestor ingestsvc.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := ingestor.Tick(ctx); err != nil {
			ylog.Error(ctx, "ingestor: tick failed", ylog.KV("error", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
