package ingest

import (
	"context"
	"flag"
	"log"

	"github.com/mitchellh/cli"

	"github.com/yusufsyaifudin/saiyoumail/container"
	"github.com/yusufsyaifudin/saiyoumail/extd"
)

const (
	ExitSuccess = 0
	ExitErr     = 1
)

type Cmd struct {
	flags      *flag.FlagSet
	configFile string
	loop       bool
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
	c.flags = flag.NewFlagSet("ingest", flag.ContinueOnError)
	c.flags.StringVar(&c.configFile, "config", container.DefaultConfigFile,
		"Config file to load")
	c.flags.StringVar(&c.configFile, "c", container.DefaultConfigFile,
		"Alias for config file to load")
	c.flags.BoolVar(&c.loop, "loop", false,
		"Tick every ingestor.interval until interrupted")
	return nil
}

func (c *Cmd) Help() string {
	return `Usage: saiyoumail ingest [-loop] [-config config.yml]

  Reads bounce notifications from the IMAP mailboxes and the unsubscribe feed,
  then marks the roster. Mutations blocked by a running send worker are queued
  and replayed on the next tick.`
}

func (c *Cmd) Synopsis() string {
	return "Ingest bounces and unsubscribes into the roster"
}

func (c *Cmd) Run(args []string) int {
	err := c.flags.Parse(args)
	if err != nil {
		log.Printf("error parsing arguments: %s", err)
		return ExitErr
	}

	cfg, err := container.LoadConfig(c.configFile)
	if err != nil {
		log.Printf("error load config: %s", err)
		return ExitErr
	}

	if err = extd.RunIngestor(context.Background(), cfg, extd.InputIngest{Loop: c.loop}); err != nil {
		log.Printf("ingest failed: %s", err)
		return ExitErr
	}

	return ExitSuccess
}
