package extd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/yusufsyaifudin/ylog"

	"github.com/yusufsyaifudin/saiyoumail/container"
	"github.com/yusufsyaifudin/saiyoumail/internal/model"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/crashrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/svc/sendsvc"
	"github.com/yusufsyaifudin/saiyoumail/internal/svc/supervisorsvc"
	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
)

type InputSend struct {
	Command string
	Start   int
	End     int

	// Summary receives the JSON run summary; nil means stdout.
	Summary io.Writer
}

// RunSender runs one send worker and returns the process exit code: 0 on a finished run (also
// with per-recipient failures), 1 on config or fatal errors, 2 when another process holds the
// roster, 130 on interrupt. Every non-zero exit except interrupt leaves a crash marker.
func RunSender(ctx context.Context, cfg container.Config, in InputSend) (exitCode int) {
	ctx, syncLog, err := setupLog(ctx, cfg.Log.Level, "send")
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return supervisorsvc.ExitFatal
	}

	defer syncLog()

	shutdownTracer := setupTracing(ctx, cfg.Tracing)
	defer func() {
		if _err := shutdownTracer(context.Background()); _err != nil {
			ylog.Error(ctx, "tracer: shutdown failed", ylog.KV("error", _err))
		}
	}()

	if in.Summary == nil {
		in.Summary = os.Stdout
	}

	repositories, err := container.SetupRepositories(cfg)
	if err != nil {
		ylog.Error(ctx, "container preparation: failed", ylog.KV("error", err))
		return supervisorsvc.ExitFatal
	}

	marker := crashrepo.Marker{PID: os.Getpid(), Campaign: in.Command}
	crash := func(kind string, err error) {
		marker.Kind = kind
		marker.Error = err.Error()
		marker.At = model.ISOTime(time.Now())
		if _err := repositories.Crashes().Write(context.WithoutCancel(ctx), marker); _err != nil {
			ylog.Error(ctx, "send: write crash marker", ylog.KV("error", _err))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			ylog.Error(ctx, "send: worker panicked", ylog.KV("error", err), ylog.KV("stack", string(debug.Stack())))
			crash(crashrepo.KindPanic, err)
			exitCode = supervisorsvc.ExitFatal
		}
	}()

	sender, err := container.SetupSendService(cfg, repositories, in.Command)
	if err != nil {
		ylog.Error(ctx, "send service preparation: failed", ylog.KV("error", err))
		crash(crashrepo.KindConfig, err)
		return supervisorsvc.ExitFatal
	}

	defer func() {
		if closeErr := container.CloseAll(sender.Closers); closeErr != nil {
			ylog.Error(ctx, "send: closing resources", ylog.KV("error", closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ylog.Info(ctx, "send: worker starting",
		ylog.KV("campaign", sender.Campaign.Tag),
		ylog.KV("start_id", in.Start),
		ylog.KV("end_id", in.End),
	)

	out, err := sender.Service.Run(ctx, sendsvc.InputRun{
		Campaign: sender.Campaign.Tag,
		Start:    in.Start,
		End:      in.End,
	})

	if _err := writeSummary(in.Summary, out, err); _err != nil {
		ylog.Error(ctx, "send: print summary", ylog.KV("error", _err))
	}

	marker.LastID = out.LastID
	exitCode = exitCodeOf(ctx, err)

	switch exitCode {
	case supervisorsvc.ExitOK:
		ylog.Info(ctx, "send: worker finished", ylog.KV("processed", out.Processed))

	case supervisorsvc.ExitInterrupted:
		ylog.Info(ctx, "send: worker interrupted", ylog.KV("last_id", out.LastID))

	case supervisorsvc.ExitLockHeld:
		var held *filelock.HeldError
		if errors.As(err, &held) {
			marker.HolderPID = held.Info.PID
		}

		ylog.Error(ctx, "send: roster is locked by another process", ylog.KV("error", err))
		crash(crashrepo.KindLockHeld, err)

	default:
		kind := crashrepo.KindFatal
		if errors.Is(err, sendsvc.ErrConfig) {
			kind = crashrepo.KindConfig
		}

		ylog.Error(ctx, "send: worker failed", ylog.KV("error", err))
		crash(kind, err)
	}

	return
}

// exitCodeOf maps the result of a run to the worker exit code.
func exitCodeOf(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return supervisorsvc.ExitOK
	case errors.Is(err, filelock.ErrLockHeld):
		return supervisorsvc.ExitLockHeld
	case errors.Is(err, sendsvc.ErrInterrupted), ctx.Err() != nil:
		return supervisorsvc.ExitInterrupted
	default:
		return supervisorsvc.ExitFatal
	}
}

func writeSummary(w io.Writer, out sendsvc.OutRun, runErr error) error {
	summary := struct {
		sendsvc.OutRun
		Error string `json:"error,omitempty"`
	}{OutRun: out}

	if runErr != nil {
		summary.Error = runErr.Error()
	}

	b, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}
