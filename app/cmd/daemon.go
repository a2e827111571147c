package cmd

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"go.uber.org/multierr"

	"github.com/xilinx/xroe-ecpri/pkg/config"
	"github.com/xilinx/xroe-ecpri/pkg/engine"
	"github.com/xilinx/xroe-ecpri/pkg/metrics"
	"github.com/xilinx/xroe-ecpri/pkg/register"
	"github.com/xilinx/xroe-ecpri/pkg/rest"
	"github.com/xilinx/xroe-ecpri/pkg/transport"
	"github.com/xilinx/xroe-ecpri/pkg/types"
	"github.com/xilinx/xroe-ecpri/pkg/util"
)

const (
	timestampingAttempts = 5
	shutdownTimeout      = 10 * time.Second

	// softLatency is the one-way delay of the in-memory network.
	softLatency = 20 * time.Microsecond
)

func DaemonCmd() cli.Command {
	return cli.Command{
		Name: "daemon",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "config",
				Usage: "YAML configuration file, flags given explicitly override it",
			},
			cli.IntFlag{
				Name:  "port",
				Value: config.DefaultPort,
				Usage: "UDP port eCPRI messages are sent from and received on",
			},
			cli.StringFlag{
				Name:  "interface",
				Value: config.DefaultInterface,
				Usage: "Network interface to enable hardware timestamping on, leave empty for software timestamps only",
			},
			cli.StringFlag{
				Name:  "listen",
				Value: config.DefaultListen,
				Usage: "Address of the control API",
			},
			cli.StringFlag{
				Name:  "device",
				Value: register.DefaultDevicePath,
				Usage: "Framer register device served to RMA requests",
			},
			cli.StringFlag{
				Name:  "lock",
				Value: register.DefaultLockPath,
				Usage: "Lock file serialising register access with other processes",
			},
			cli.StringFlag{
				Name:  "traffic-sysfs",
				Value: register.DefaultTriggerPath,
				Usage: "Trigger attribute written when an OWDM delay exceeds the report limit",
			},
			cli.Int64Flag{
				Name:  "report-limit",
				Usage: "OWDM delay in nanoseconds above which the trigger fires, 0 disables it",
			},
			cli.BoolFlag{
				Name:  "failure-replies",
				Usage: "Answer RMA requests whose register access failed with the fail flag",
			},
			cli.BoolFlag{
				Name:  "soft",
				Usage: "Run on an in-memory network and register space, without sockets or devices",
			},
			cli.StringSliceFlag{
				Name:  "soft-peer",
				Usage: "Simulated peer attached to the in-memory network in soft mode, may be repeated",
			},
		},
		Action: func(c *cli.Context) {
			if err := startDaemon(c); err != nil {
				logrus.WithError(err).Fatalf("Error running daemon command")
			}
		},
	}
}

func loadDaemonConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("interface") {
		cfg.Interface = c.String("interface")
	}
	if c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}
	if c.IsSet("device") {
		cfg.DevicePath = c.String("device")
	}
	if c.IsSet("lock") {
		cfg.LockPath = c.String("lock")
	}
	if c.IsSet("traffic-sysfs") {
		cfg.TriggerPath = c.String("traffic-sysfs")
	}
	if c.IsSet("report-limit") {
		cfg.ReportLimit = c.Int64("report-limit")
	}
	if c.IsSet("failure-replies") {
		cfg.FailureReplies = true
	}
	if c.IsSet("soft") {
		cfg.Soft = true
	}
	peers := util.Filter(c.StringSlice("soft-peer"), func(p string) bool {
		return strings.TrimSpace(p) != ""
	})
	if len(peers) > 0 {
		cfg.SoftPeers = peers
	}
	return cfg, cfg.Validate()
}

// node is one engine with its dispatch loop and the transport it owns.
type node struct {
	engine    *engine.Engine
	loop      *engine.Loop
	transport types.Transport
}

func newNode(cfg *config.Config, opts engine.Options) (*node, error) {
	comp, err := cfg.CompensationBytes()
	if err != nil {
		return nil, err
	}
	opts.TimestampTimeout = cfg.TimestampTimeout
	opts.ResponseTimeout = cfg.ResponseTimeout
	opts.OWDMTimeout = cfg.OWDMTimeout
	opts.FailureReplies = cfg.FailureReplies
	opts.ReportLimit = cfg.ReportLimit
	opts.Compensation = comp

	e, err := engine.New(opts)
	if err != nil {
		return nil, err
	}
	return &node{
		engine:    e,
		loop:      engine.NewLoop(e),
		transport: opts.Transport,
	}, nil
}

func enableTimestamping(ctx context.Context, t *transport.UDPTransport, ifname string) error {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: false,
	}
	var err error
	for attempt := 1; attempt <= timestampingAttempts; attempt++ {
		if err = t.EnableTimestamping(ifname); err == nil {
			return nil
		}
		delay := b.Duration()
		logrus.WithError(err).Warnf("Failed to enable timestamping on %v (attempt %d/%d), retrying in %v",
			ifname, attempt, timestampingAttempts, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return errors.Wrapf(err, "failed to enable timestamping on %v after %d attempts", ifname, timestampingAttempts)
}

// softNodes builds the local node and the simulated peers on an in-memory
// network. Every peer serves RMA from its own register space.
func softNodes(cfg *config.Config, m *metrics.Metrics) (*node, []*node, error) {
	network := transport.NewMemoryNetwork(nil, softLatency)
	local := netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), uint16(cfg.Port))

	t, err := network.Attach(local)
	if err != nil {
		return nil, nil, err
	}
	n, err := newNode(cfg, engine.Options{
		Transport: t,
		Registers: register.NewMemory(cfg.MemorySize),
		Metrics:   m,
	})
	if err != nil {
		return nil, nil, err
	}

	var peers []*node
	for _, p := range cfg.SoftPeers {
		addr, err := util.ParsePeer(p, uint16(cfg.Port))
		if err != nil {
			return nil, nil, err
		}
		pt, err := network.Attach(addr)
		if err != nil {
			return nil, nil, err
		}
		peer, err := newNode(cfg, engine.Options{
			Transport: pt,
			Registers: register.NewMemory(cfg.MemorySize),
		})
		if err != nil {
			return nil, nil, err
		}
		logrus.Infof("Attached simulated peer %v", addr)
		peers = append(peers, peer)
	}
	return n, peers, nil
}

func hardwareNode(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*node, error) {
	t, err := transport.NewUDPTransport(cfg.Port)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open eCPRI socket on port %d", cfg.Port)
	}
	if err := enableTimestamping(ctx, t, cfg.Interface); err != nil {
		return nil, multierr.Append(err, t.Close())
	}

	n, err := newNode(cfg, engine.Options{
		Transport: t,
		Registers: register.NewDevice(cfg.DevicePath, cfg.LockPath),
		Trigger:   register.NewSysfsTrigger(cfg.TriggerPath),
		Metrics:   m,
	})
	if err != nil {
		return nil, multierr.Append(err, t.Close())
	}
	return n, nil
}

func startDaemon(c *cli.Context) error {
	cfg, err := loadDaemonConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	var (
		local *node
		peers []*node
	)
	if cfg.Soft {
		local, peers, err = softNodes(cfg, m)
	} else {
		local, err = hardwareNode(ctx, cfg, m)
	}
	if err != nil {
		return err
	}
	nodes := append([]*node{local}, peers...)
	for _, n := range nodes {
		go func(n *node) {
			if err := n.loop.Run(ctx); err != nil {
				logrus.WithError(err).Error("eCPRI dispatch loop failed")
			}
		}(n)
	}

	listenAt, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return multierr.Append(errors.Wrap(err, "failed to listen"), stopNodes(cancel, nodes))
	}
	server := &http.Server{
		Handler: rest.NewHandler(rest.NewServer(local.engine, m, cfg.Soft, uint16(cfg.Port)), os.Stdout),
	}
	go func() {
		if err := server.Serve(listenAt); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("Control API stopped")
		}
	}()
	logrus.WithFields(logrus.Fields{
		"listen": cfg.Listen,
		"local":  local.transport.LocalAddr(),
		"soft":   cfg.Soft,
	}).Info("eCPRI daemon started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logrus.Infof("Received signal %v to shutdown", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	err = server.Shutdown(shutdownCtx)
	return multierr.Append(err, stopNodes(cancel, nodes))
}

// stopNodes cancels the dispatch loops, waits for them to return and closes
// the transports.
func stopNodes(cancel context.CancelFunc, nodes []*node) error {
	cancel()
	var err error
	for _, n := range nodes {
		<-n.loop.Done()
		err = multierr.Append(err, n.transport.Close())
	}
	return err
}
