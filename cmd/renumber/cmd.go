package renumber

import (
	"context"
	"errors"
	"flag"
	"log"

	"github.com/mitchellh/cli"

	"github.com/yusufsyaifudin/saiyoumail/container"
	"github.com/yusufsyaifudin/saiyoumail/extd"
	"github.com/yusufsyaifudin/saiyoumail/internal/svc/supervisorsvc"
	"github.com/yusufsyaifudin/saiyoumail/pkg/filelock"
)

type Cmd struct {
	flags      *flag.FlagSet
	configFile string
}

func NewCmd() func() (cli.Command, error) {
	return func() (cli.Command, error) {
		cmd := &Cmd{}
		err := cmd.init()
		return cmd, err
	}
}

var _ cli.Command = (*Cmd)(nil)
var _ cli.CommandFactory = NewCmd()

func (c *Cmd) init() error {
	c.flags = flag.NewFlagSet("renumber", flag.ContinueOnError)
	c.flags.StringVar(&c.configFile, "config", container.DefaultConfigFile,
		"Config file to load")
	c.flags.StringVar(&c.configFile, "c", container.DefaultConfigFile,
		"Alias for config file to load")
	return nil
}

func (c *Cmd) Help() string {
	return `Usage: saiyoumail renumber [-config config.yml]

  Rewrites the roster ids to 1..N keeping their order, and carries the new ids
  into the attempt log, the send history, the unsubscribe log, the extraction
  results and every files.auxiliary CSV. All files are backed up first and the
  id mapping is written next to the backup.`
}

func (c *Cmd) Synopsis() string {
	return "Renumber roster ids to a dense 1..N range"
}

func (c *Cmd) Run(args []string) int {
	err := c.flags.Parse(args)
	if err != nil {
		log.Printf("error parsing arguments: %s", err)
		return supervisorsvc.ExitFatal
	}

	cfg, err := container.LoadConfig(c.configFile)
	if err != nil {
		log.Printf("error load config: %s", err)
		return supervisorsvc.ExitFatal
	}

	err = extd.RunRenumber(context.Background(), cfg, nil)
	switch {
	case err == nil:
		return supervisorsvc.ExitOK
	case errors.Is(err, filelock.ErrLockHeld):
		log.Printf("renumber refused: %s", err)
		return supervisorsvc.ExitLockHeld
	default:
		log.Printf("renumber failed: %s", err)
		return supervisorsvc.ExitFatal
	}
}
