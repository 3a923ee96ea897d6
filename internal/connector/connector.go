// Package connector implements the Connector (spec §4.I): an
// unauthenticated REP socket exposing the external port map and the
// router's CURVE public key so the relay can discover how to reach the
// other three sockets.
package connector

import (
	"context"
	"encoding/json"
	"fmt"

	zmq4 "github.com/go-zeromq/zmq4"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/illgrenoble/webx-router/internal/config"
)

// Document is the JSON body every request receives (spec §4.I).
type Document struct {
	Ports     PortMap `json:"ports"`
	PublicKey string  `json:"publicKey"`
}

// PortMap names the four external ports.
type PortMap struct {
	Connector  int `json:"connector"`
	Publisher  int `json:"publisher"`
	Collector  int `json:"collector"`
	Session    int `json:"session"`
}

// Server answers every well-formed request with the same Document.
type Server struct {
	endpoint string
	doc      Document
	logger   hclog.Logger
}

func New(cfg config.Ports, publicKeyHex string, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		endpoint: fmt.Sprintf("tcp://*:%d", cfg.Connector),
		doc: Document{
			Ports: PortMap{
				Connector: cfg.Connector,
				Publisher: cfg.Instructor,
				Collector: cfg.Collector,
				Session:   cfg.Session,
			},
			PublicKey: publicKeyHex,
		},
		logger: logger.Named("connector"),
	}
}

// Run binds the REP socket and answers requests until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	sck := zmq4.NewRep(ctx)
	defer sck.Close()

	if err := sck.Listen(s.endpoint); err != nil {
		return fmt.Errorf("connector: listen %s: %w", s.endpoint, err)
	}
	s.logger.Info("listening", "endpoint", s.endpoint)

	body, err := json.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("connector: marshal document: %w", err)
	}

	for {
		if _, err := sck.Recv(); err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Warn("recv error", "error", err)
				continue
			}
		}
		if err := sck.Send(zmq4.NewMsg(body)); err != nil {
			s.logger.Warn("send error", "error", err)
		}
	}
}
