package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/xilinx/xroe-ecpri/app/cmd"
	"github.com/xilinx/xroe-ecpri/pkg/config"
	"github.com/xilinx/xroe-ecpri/pkg/meta"
)

func main() {
	a := cli.NewApp()
	a.Name = "xroe-ecpri"
	a.Usage = "eCPRI remote memory access, delay measurement and remote reset"
	a.Version = meta.Version
	a.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	a.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "url",
			Value:  config.DefaultListen,
			EnvVar: "XROE_ECPRI_URL",
		},
		cli.BoolFlag{
			Name: "debug",
		},
	}
	a.Commands = []cli.Command{
		cmd.DaemonCmd(),
		cmd.EcpriCmd(),
		cmd.IPCmd(),
		cmd.VersionCmd(),
	}
	if err := a.Run(os.Args); err != nil {
		logrus.Fatal("Error when executing command: ", err)
	}
}
