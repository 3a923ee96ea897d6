// Package forwarder implements the Instruction Forwarder (spec §4.G): an
// external CURVE-encrypted SUB socket republished verbatim onto a local
// IPC PUB socket that engines subscribe to, filtered by their own secret.
package forwarder

import (
	"context"
	"fmt"

	zmq4 "github.com/go-zeromq/zmq4"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/illgrenoble/webx-router/internal/curvesec"
)

// Forwarder bridges one external SUB socket onto one local PUB socket.
// It inspects no frame of a message: the external socket subscribes to
// every prefix, and filtering on the first frame (the secret routing
// prefix, spec §6) is left to each engine's own subscription.
type Forwarder struct {
	externalEndpoint string
	localEndpoint    string
	security         *curvesec.KeyPair
	hwm              int
	logger           hclog.Logger
}

// Options configure a Forwarder.
type Options struct {
	ExternalEndpoint string // e.g. "tcp://*:5556"
	LocalEndpoint    string // e.g. "ipc:///run/webx/instruction-proxy.ipc"
	RouterKeys       curvesec.KeyPair
	HighWaterMark    int // spec §4.G backpressure: slow engine drops, not stalls
	Logger           hclog.Logger
}

func New(opts Options) *Forwarder {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	hwm := opts.HighWaterMark
	if hwm <= 0 {
		hwm = 1000
	}
	return &Forwarder{
		externalEndpoint: opts.ExternalEndpoint,
		localEndpoint:    opts.LocalEndpoint,
		security:         &opts.RouterKeys,
		hwm:              hwm,
		logger:           logger.Named("forwarder"),
	}
}

// Run binds both sockets and copies frames until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	sub := zmq4.NewSub(ctx, zmq4.WithSecurity(curvesec.ServerSecurity(*f.security)))
	defer sub.Close()
	if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("forwarder: subscribe all: %w", err)
	}
	if err := sub.Listen(f.externalEndpoint); err != nil {
		return fmt.Errorf("forwarder: listen external %s: %w", f.externalEndpoint, err)
	}

	pub := zmq4.NewPub(ctx, zmq4.WithHWM(f.hwm))
	defer pub.Close()
	if err := pub.Listen(f.localEndpoint); err != nil {
		return fmt.Errorf("forwarder: listen local %s: %w", f.localEndpoint, err)
	}

	f.logger.Info("forwarding", "external", f.externalEndpoint, "local", f.localEndpoint)

	for {
		msg, err := sub.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				f.logger.Warn("recv error", "error", err)
				continue
			}
		}
		// Preserve the exact frame sequence and bytes (spec §8 round-trip
		// property): no copying, no re-slicing, no re-framing.
		if err := pub.Send(msg); err != nil {
			f.logger.Warn("publish error, frame dropped", "error", err)
		}
	}
}
