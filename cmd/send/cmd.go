package send

import (
	"context"
	"flag"
	"log"

	"github.com/mitchellh/cli"

	"github.com/yusufsyaifudin/saiyoumail/container"
	"github.com/yusufsyaifudin/saiyoumail/extd"
	"github.com/yusufsyaifudin/saiyoumail/internal/svc/supervisorsvc"
)

type Cmd struct {
	flags      *flag.FlagSet
	configFile string
	campaign   string
	start      int
	end        int
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
	c.flags = flag.NewFlagSet("send", flag.ContinueOnError)
	c.flags.StringVar(&c.configFile, "config", container.DefaultConfigFile,
		"Config file to load")
	c.flags.StringVar(&c.configFile, "c", container.DefaultConfigFile,
		"Alias for config file to load")
	c.flags.StringVar(&c.campaign, "campaign", "",
		"Campaign name, a key of the campaigns config map")
	c.flags.IntVar(&c.start, "start", 0,
		"First roster id, inclusive")
	c.flags.IntVar(&c.end, "end", 0,
		"Last roster id, inclusive")
	return nil
}

func (c *Cmd) Help() string {
	return `Usage: saiyoumail send -campaign <name> -start <id> -end <id> [-config config.yml]

  Sends one campaign to the roster ids start..end in ascending order.

  Exit status: 0 when the range was processed, 1 on config or fatal errors,
  2 when another process holds the roster lock, 130 when interrupted.`
}

func (c *Cmd) Synopsis() string {
	return "Run one send worker over an id range"
}

func (c *Cmd) Run(args []string) int {
	err := c.flags.Parse(args)
	if err != nil {
		log.Printf("error parsing arguments: %s", err)
		return supervisorsvc.ExitFatal
	}

	if c.campaign == "" || c.start <= 0 || c.end < c.start {
		log.Printf("-campaign, -start and -end are required, with 0 < start <= end")
		return supervisorsvc.ExitFatal
	}

	cfg, err := container.LoadConfig(c.configFile)
	if err != nil {
		log.Printf("error load config: %s", err)
		return supervisorsvc.ExitFatal
	}

	return extd.RunSender(context.Background(), cfg, extd.InputSend{
		Command: c.campaign,
		Start:   c.start,
		End:     c.end,
	})
}
