package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"riskmanager/cmd/schedulerd"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "Riskmanager CMD"
	app.Usage = "The riskmanager command line interface"

	app.Commands = []cli.Command{
		schedulerCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	schedulerCMD = cli.Command{
		Name:        "scheduler",
		Usage:       "run the risk scheduler",
		Action:      schedulerAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the periodic position risk scheduler`,
	}
)

func schedulerAction(_ *cli.Context) error {

	logrus.Info("Starting scheduler CMD")
	logrus.WithField("cmd", "scheduler")

	daemon := &schedulerd.Schedulerd{}
	err := daemon.Start()
	if err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}
