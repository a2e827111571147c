package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/xilinx/xroe-ecpri/pkg/meta"
)

func VersionCmd() cli.Command {
	return cli.Command{
		Name: "version",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name: "client-only",
			},
		},
		Action: func(c *cli.Context) {
			if err := version(c); err != nil {
				logrus.Fatalln("Error running version command:", err)
			}
		},
	}
}

type VersionOutput struct {
	ClientVersion *meta.VersionOutput `json:"clientVersion"`
	ServerVersion *meta.VersionOutput `json:"serverVersion"`
}

func version(c *cli.Context) error {
	clientVersion := meta.GetVersion()
	v := VersionOutput{ClientVersion: &clientVersion}

	if !c.Bool("client-only") {
		version, err := getControlClient(c).GetVersion()
		if err != nil {
			return err
		}
		v.ServerVersion = version
	}
	return printJSON(v)
}
