package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gopkg.in/cheggaaa/pb.v2"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/xilinx/xroe-ecpri/pkg/rest"
	"github.com/xilinx/xroe-ecpri/pkg/util"
)

const (
	owdmPollInterval = 10 * time.Millisecond
	owdmWaitTimeout  = 5 * time.Second
)

func getControlClient(c *cli.Context) *rest.ControlClient {
	return rest.NewControlClient(c.GlobalString("url"))
}

func printJSON(obj interface{}) error {
	output, err := json.MarshalIndent(obj, "", "\t")
	if err != nil {
		return err
	}
	fmt.Println(string(output))
	return nil
}

func EcpriCmd() cli.Command {
	return cli.Command{
		Name:  "ecpri",
		Usage: "Send eCPRI requests through the running daemon",
		Subcommands: []cli.Command{
			RMAReadCmd(),
			RMAWriteCmd(),
			OWDMRequestCmd(),
			OWDMResultCmd(),
			OWDMLimitCmd(),
			TestMessageCmd(),
			RemoteResetCmd(),
		},
	}
}

func RMAReadCmd() cli.Command {
	return cli.Command{
		Name:      "rma_read",
		Usage:     "Read a range of the peer register space",
		ArgsUsage: "<peer> <address> <length>",
		Action: func(c *cli.Context) {
			if err := rmaRead(c); err != nil {
				logrus.WithError(err).Fatalf("Error running rma_read command")
			}
		},
	}
}

func RMAWriteCmd() cli.Command {
	return cli.Command{
		Name:      "rma_write",
		Usage:     "Write bytes to the peer register space",
		ArgsUsage: "<peer> <address> <length> \"<byte> <byte> ...\"",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "no-response",
				Usage: "Ask the peer not to acknowledge the write",
			},
		},
		Action: func(c *cli.Context) {
			if err := rmaWrite(c); err != nil {
				logrus.WithError(err).Fatalf("Error running rma_write command")
			}
		},
	}
}

func OWDMRequestCmd() cli.Command {
	return cli.Command{
		Name:      "owdm_req",
		Usage:     "Measure the one-way delay to or from a peer",
		ArgsUsage: "<peer> <to_remote|from_remote>",
		Flags: []cli.Flag{
			cli.IntFlag{
				Name:  "count",
				Value: 1,
				Usage: "Number of measurements to run back to back",
			},
			cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait for the result of every measurement",
			},
		},
		Action: func(c *cli.Context) {
			if err := owdmRequest(c); err != nil {
				logrus.WithError(err).Fatalf("Error running owdm_req command")
			}
		},
	}
}

func OWDMResultCmd() cli.Command {
	return cli.Command{
		Name:  "owdm_res",
		Usage: "Show the latest one-way delay result",
		Action: func(c *cli.Context) {
			if err := owdmResult(c); err != nil {
				logrus.WithError(err).Fatalf("Error running owdm_res command")
			}
		},
	}
}

func OWDMLimitCmd() cli.Command {
	return cli.Command{
		Name:      "owdm_limit",
		Usage:     "Set the delay in nanoseconds above which the capture trigger fires, 0 disables it",
		ArgsUsage: "<nsecs>",
		Action: func(c *cli.Context) {
			if err := owdmLimit(c); err != nil {
				logrus.WithError(err).Fatalf("Error running owdm_limit command")
			}
		},
	}
}

func TestMessageCmd() cli.Command {
	return cli.Command{
		Name:      "test_mesg",
		Usage:     "Send a generic data test message",
		ArgsUsage: "<peer> [port]",
		Action: func(c *cli.Context) {
			if err := testMessage(c); err != nil {
				logrus.WithError(err).Fatalf("Error running test_mesg command")
			}
		},
	}
}

func RemoteResetCmd() cli.Command {
	return cli.Command{
		Name:      "rmr_req",
		Usage:     "Ask a peer to reset",
		ArgsUsage: "<peer>",
		Action: func(c *cli.Context) {
			if err := remoteReset(c); err != nil {
				logrus.WithError(err).Fatalf("Error running rmr_req command")
			}
		},
	}
}

// parseLength accepts plain byte counts as well as human sizes such as 1k.
func parseLength(s string) (uint16, error) {
	length, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid length %v", s)
	}
	if length < 0 || length > 0xffff {
		return 0, fmt.Errorf("length %v does not fit the RMA length field", s)
	}
	return uint16(length), nil
}

func rmaRead(c *cli.Context) error {
	if c.NArg() != 3 {
		return errors.New("peer, address and length are required")
	}
	peer := c.Args()[0]
	address, err := util.ParseUint(c.Args()[1], 48)
	if err != nil {
		return err
	}
	length, err := parseLength(c.Args()[2])
	if err != nil {
		return err
	}

	out, err := getControlClient(c).RMARead(peer, address, length)
	if err != nil {
		return err
	}
	fmt.Printf("%v 0x%x [%d]: %v\n", out.Peer, out.Address, out.Length, util.FormatBytes(out.Data))
	return nil
}

func rmaWrite(c *cli.Context) error {
	if c.NArg() != 4 {
		return errors.New("peer, address, length and data are required")
	}
	peer := c.Args()[0]
	address, err := util.ParseUint(c.Args()[1], 48)
	if err != nil {
		return err
	}
	length, err := parseLength(c.Args()[2])
	if err != nil {
		return err
	}
	data, err := util.ParseByteList(c.Args()[3])
	if err != nil {
		return err
	}
	if len(data) != int(length) {
		return fmt.Errorf("length %d does not match the %d bytes given", length, len(data))
	}

	out, err := getControlClient(c).RMAWrite(peer, address, data, c.Bool("no-response"))
	if err != nil {
		return err
	}
	fmt.Printf("%v 0x%x [%d]: written\n", out.Peer, out.Address, out.Length)
	return nil
}

// owdmResolved reports whether status holds the result of measurement number
// request with peer in direction. Rounds started by the peer update the
// result too, so peer and direction have to match.
func owdmResolved(status *rest.OWDMOutput, request int, peer netip.Addr, direction string) bool {
	r := status.Result
	if status.Pending || r.ResponseNumber < request || r.Direction != rest.ResultDirection(direction) {
		return false
	}
	got, err := netip.ParseAddrPort(r.Peer)
	return err == nil && got.Addr() == peer
}

// waitOWDM polls until the measurement numbered request has been resolved.
func waitOWDM(client *rest.ControlClient, request int, peer netip.Addr, direction string) (*rest.OWDMOutput, error) {
	var out *rest.OWDMOutput
	err := wait.PollUntilContextTimeout(context.Background(), owdmPollInterval, owdmWaitTimeout, true, func(ctx context.Context) (bool, error) {
		status, err := client.GetOWDM()
		if err != nil {
			return false, err
		}
		out = status
		return owdmResolved(status, request, peer, direction), nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "no OWDM result for request %d", request)
	}
	return out, nil
}

func owdmRequest(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("peer and direction are required")
	}
	peer := c.Args()[0]
	direction := c.Args()[1]
	if direction != rest.DirectionToRemote && direction != rest.DirectionFromRemote {
		return fmt.Errorf("direction must be %v or %v", rest.DirectionToRemote, rest.DirectionFromRemote)
	}
	count := c.Int("count")
	if count < 1 {
		return fmt.Errorf("invalid count %d", count)
	}
	addr, err := util.ParsePeer(peer, 0)
	if err != nil {
		return err
	}

	client := getControlClient(c)
	if count == 1 && !c.Bool("wait") {
		out, err := client.RequestOWDM(peer, direction)
		if err != nil {
			return err
		}
		return printJSON(out)
	}

	var (
		results  []rest.OWDMResult
		total    time.Duration
		shortest time.Duration
		longest  time.Duration
	)
	bar := pb.StartNew(count)
	for i := 0; i < count; i++ {
		out, err := client.RequestOWDM(peer, direction)
		if err != nil {
			bar.Finish()
			return err
		}
		out, err = waitOWDM(client, out.Requests, addr.Addr(), direction)
		if err != nil {
			bar.Finish()
			return err
		}
		results = append(results, out.Result)

		d := time.Duration(out.Result.DelaySec)*time.Second + time.Duration(out.Result.DelayNsec)
		total += d
		if i == 0 || d < shortest {
			shortest = d
		}
		if d > longest {
			longest = d
		}
		bar.Increment()
	}
	bar.Finish()

	if count == 1 {
		return printJSON(results[0])
	}
	fmt.Printf("%d measurements %v %v: min %v avg %v max %v\n",
		count, direction, peer, shortest, total/time.Duration(count), longest)
	return nil
}

func owdmResult(c *cli.Context) error {
	out, err := getControlClient(c).GetOWDM()
	if err != nil {
		return err
	}
	return printJSON(out)
}

func owdmLimit(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("limit in nanoseconds is required")
	}
	limit, err := util.ParseUint(c.Args()[0], 63)
	if err != nil {
		return err
	}
	out, err := getControlClient(c).SetOWDMLimit(int64(limit))
	if err != nil {
		return err
	}
	return printJSON(out)
}

func testMessage(c *cli.Context) error {
	if c.NArg() < 1 || c.NArg() > 2 {
		return errors.New("peer is required")
	}
	peer := c.Args()[0]
	if c.NArg() == 2 {
		peer = net.JoinHostPort(peer, c.Args()[1])
	}

	out, err := getControlClient(c).SendTestMessage(peer)
	if err != nil {
		return err
	}
	fmt.Printf("sent test message %d to %v (%d bytes)\n", out.Sequence, peer, out.Bytes)
	return nil
}

func remoteReset(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("peer is required")
	}
	out, err := getControlClient(c).RemoteReset(c.Args()[0])
	if err != nil {
		return err
	}
	fmt.Printf("remote reset %d acknowledged by %v\n", out.ID, c.Args()[0])
	return nil
}
