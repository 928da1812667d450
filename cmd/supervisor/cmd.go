package supervisor

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
	port       int
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
	c.flags = flag.NewFlagSet("supervisor", flag.ContinueOnError)
	c.flags.StringVar(&c.configFile, "config", container.DefaultConfigFile,
		"Config file to load")
	c.flags.StringVar(&c.configFile, "c", container.DefaultConfigFile,
		"Alias for config file to load")
	c.flags.IntVar(&c.port, "port", 0,
		"Override transport.http.port")
	return nil
}

func (c *Cmd) Help() string {
	return `Usage: saiyoumail supervisor [-config config.yml] [-port 5000]

  Serves the job control plane on localhost: start, stop and list send workers.
  With ingestor.enabled the bounce and unsubscribe ingestor ticks in the same process.`
}

func (c *Cmd) Synopsis() string {
	return "Run the send job supervisor and its HTTP control plane"
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

	if c.port > 0 {
		cfg.Transport.HTTP.Port = c.port
	}

	if err = extd.RunSupervisor(context.Background(), cfg); err != nil {
		log.Printf("supervisor stopped: %s", err)
		return ExitErr
	}

	return ExitSuccess
}
