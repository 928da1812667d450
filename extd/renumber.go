package extd

import (
	"context"
	"io"
	"os"

	"github.com/segmentio/encoding/json"
	"github.com/yusufsyaifudin/ylog"

	"github.com/yusufsyaifudin/saiyoumail/container"
)

// RunRenumber rewrites the roster ids to 1..N. It refuses to run while a send worker holds the
// roster or the attempt log.
func RunRenumber(ctx context.Context, cfg container.Config, output io.Writer) (err error) {
	ctx, syncLog, err := setupLog(ctx, cfg.Log.Level, "renumber")
	if err != nil {
		return
	}

	defer syncLog()

	repositories, err := container.SetupRepositories(cfg)
	if err != nil {
		ylog.Error(ctx, "container preparation: failed", ylog.KV("error", err))
		return
	}

	renumber, err := container.SetupRenumberService(cfg, repositories)
	if err != nil {
		ylog.Error(ctx, "renumber service preparation: failed", ylog.KV("error", err))
		return
	}

	out, err := renumber.Renumber(ctx)
	if err != nil {
		ylog.Error(ctx, "renumber: failed", ylog.KV("error", err))
		return
	}

	if output == nil {
		output = os.Stdout
	}

	enc := json.NewEncoder(output)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
