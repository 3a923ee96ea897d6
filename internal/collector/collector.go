// Package collector implements the Message Collector (spec §4.H): the
// mirror image of the Instruction Forwarder. It subscribes to every
// engine's output on a local IPC socket and republishes verbatim on the
// external, CURVE-encrypted publish socket.
package collector

import (
	"context"
	"fmt"

	zmq4 "github.com/go-zeromq/zmq4"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/illgrenoble/webx-router/internal/curvesec"
)

// Collector bridges one local SUB socket onto one external PUB socket.
type Collector struct {
	localEndpoint    string
	externalEndpoint string
	security         *curvesec.KeyPair
	logger           hclog.Logger
}

// Options configure a Collector.
type Options struct {
	LocalEndpoint    string // e.g. "ipc:///run/webx/message-proxy.ipc"
	ExternalEndpoint string // e.g. "tcp://*:5557"
	RouterKeys       curvesec.KeyPair
	Logger           hclog.Logger
}

func New(opts Options) *Collector {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Collector{
		localEndpoint:    opts.LocalEndpoint,
		externalEndpoint: opts.ExternalEndpoint,
		security:         &opts.RouterKeys,
		logger:           logger.Named("collector"),
	}
}

// Run binds both sockets and copies frames until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	sub := zmq4.NewSub(ctx)
	defer sub.Close()
	if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("collector: subscribe all: %w", err)
	}
	if err := sub.Listen(c.localEndpoint); err != nil {
		return fmt.Errorf("collector: listen local %s: %w", c.localEndpoint, err)
	}

	pub := zmq4.NewPub(ctx, zmq4.WithSecurity(curvesec.ServerSecurity(*c.security)))
	defer pub.Close()
	if err := pub.Listen(c.externalEndpoint); err != nil {
		return fmt.Errorf("collector: listen external %s: %w", c.externalEndpoint, err)
	}

	c.logger.Info("collecting", "local", c.localEndpoint, "external", c.externalEndpoint)

	for {
		msg, err := sub.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				c.logger.Warn("recv error", "error", err)
				continue
			}
		}
		if err := pub.Send(msg); err != nil {
			c.logger.Warn("publish error, frame dropped", "error", err)
		}
	}
}
