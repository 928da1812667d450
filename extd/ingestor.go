package extd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/segmentio/encoding/json"
	"github.com/yusufsyaifudin/ylog"

	"github.com/yusufsyaifudin/saiyoumail/container"
)

type InputIngest struct {
	// Loop keeps ticking every ingestor.interval until interrupted.
	Loop bool

	// Output receives the JSON tick result of a single run; nil means stdout.
	Output io.Writer
}

// RunIngestor runs one ingestor tick, or ticks until SIGINT or SIGTERM when in.Loop is set.
func RunIngestor(ctx context.Context, cfg container.Config, in InputIngest) (err error) {
	ctx, syncLog, err := setupLog(ctx, cfg.Log.Level, "ingest")
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

	repositories, err := container.SetupRepositories(cfg)
	if err != nil {
		ylog.Error(ctx, "container preparation: failed", ylog.KV("error", err))
		return
	}

	ingestor, err := container.SetupIngestService(cfg, repositories)
	if err != nil {
		ylog.Error(ctx, "ingest service preparation: failed", ylog.KV("error", err))
		return
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if in.Loop {
		ylog.Info(ctx, "ingestor: looping", ylog.KV("interval", cfg.Ingestor.Interval.String()))
		ingestLoop(ctx, ingestor, cfg.Ingestor.Interval)
		return nil
	}

	out, err := ingestor.Tick(ctx)
	if in.Output == nil {
		in.Output = os.Stdout
	}

	enc := json.NewEncoder(in.Output)
	enc.SetIndent("", "  ")
	if _err := enc.Encode(out); _err != nil {
		ylog.Error(ctx, "ingestor: print result", ylog.KV("error", _err))
	}

	return
}
