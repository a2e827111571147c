package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/xilinx/xroe-ecpri/pkg/register"
	"github.com/xilinx/xroe-ecpri/pkg/util"
)

var ipFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "device",
		Value: register.DefaultDevicePath,
	},
	cli.StringFlag{
		Name:  "lock",
		Value: register.DefaultLockPath,
	},
	cli.StringFlag{
		Name:  "mask",
		Value: "0xffffffff",
	},
	cli.UintFlag{
		Name: "shift",
	},
}

func IPCmd() cli.Command {
	return cli.Command{
		Name:  "ip",
		Usage: "Access the local framer registers",
		Subcommands: []cli.Command{
			PeekCmd(),
			PokeCmd(),
		},
	}
}

func PeekCmd() cli.Command {
	return cli.Command{
		Name:      "peek",
		ArgsUsage: "<address>",
		Flags:     ipFlags,
		Action: func(c *cli.Context) {
			if err := peek(c); err != nil {
				logrus.WithError(err).Fatalf("Error running peek command")
			}
		},
	}
}

func PokeCmd() cli.Command {
	return cli.Command{
		Name:      "poke",
		ArgsUsage: "<address> <value>",
		Flags:     ipFlags,
		Action: func(c *cli.Context) {
			if err := poke(c); err != nil {
				logrus.WithError(err).Fatalf("Error running poke command")
			}
		},
	}
}

func registerArgs(c *cli.Context) (*register.Device, uint32, uint32, uint, error) {
	address, err := util.ParseUint(c.Args()[0], 32)
	if err != nil {
		return nil, 0, 0, 0, err
	}
	mask, err := util.ParseUint(c.String("mask"), 32)
	if err != nil {
		return nil, 0, 0, 0, errors.Wrap(err, "invalid mask")
	}
	shift := c.Uint("shift")
	if shift > 31 {
		return nil, 0, 0, 0, fmt.Errorf("invalid shift %d", shift)
	}
	device := register.NewDevice(c.String("device"), c.String("lock"))
	return device, uint32(address), uint32(mask), shift, nil
}

func peek(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("address is required")
	}
	device, address, mask, shift, err := registerArgs(c)
	if err != nil {
		return err
	}
	value, err := device.ReadRegister(address, mask, shift)
	if err != nil {
		return err
	}
	fmt.Printf("0x%08x: 0x%08x\n", address, value)
	return nil
}

func poke(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("address and value are required")
	}
	device, address, mask, shift, err := registerArgs(c)
	if err != nil {
		return err
	}
	value, err := util.ParseUint(c.Args()[1], 32)
	if err != nil {
		return err
	}
	return device.WriteRegister(address, uint32(value), mask, shift)
}
