package main

import (
	"log"
	"os"

	"github.com/mitchellh/cli"

	"github.com/yusufsyaifudin/saiyoumail/assets"
	"github.com/yusufsyaifudin/saiyoumail/cmd/ingest"
	"github.com/yusufsyaifudin/saiyoumail/cmd/renumber"
	"github.com/yusufsyaifudin/saiyoumail/cmd/send"
	"github.com/yusufsyaifudin/saiyoumail/cmd/supervisor"
)

func main() {
	supervisorCmd := supervisor.NewCmd()

	c := cli.NewCLI(assets.ServiceName, assets.Version)
	c.Args = os.Args[1:]
	c.Autocomplete = true
	c.Commands = map[string]cli.CommandFactory{
		"":           supervisorCmd, // default command if no subcommand defined
		"supervisor": supervisorCmd,
		"send":       send.NewCmd(),
		"ingest":     ingest.NewCmd(),
		"renumber":   renumber.NewCmd(),
	}

	exitStatus, err := c.Run()
	if err != nil {
		log.Println(err)
	}

	os.Exit(exitStatus)
}
