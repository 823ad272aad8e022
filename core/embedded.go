package core

import (
	"fmt"
	"time"

	"github.com/alwitt/gtrack/common"
	"github.com/apex/log"
	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedNATS an in-process NATS server with JetStream enabled
type EmbeddedNATS struct {
	common.Component
	server *server.Server
}

// ClientURL the URL clients use to connect to the embedded server
func (s *EmbeddedNATS) ClientURL() string {
	return s.server.ClientURL()
}

// Shutdown stop the embedded server
func (s *EmbeddedNATS) Shutdown() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
	log.WithFields(s.LogTags).Info("Embedded NATS server stopped")
}

// RunEmbeddedNATS start an embedded NATS server and wait until it accepts connections
func RunEmbeddedNATS(cfg common.EmbeddedNATSConfig, readyTimeout time.Duration) (*EmbeddedNATS, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "embedded-nats",
		"instance":  fmt.Sprintf("%s:%d", cfg.ListenOn, cfg.Port),
	}
	opts := &server.Options{
		Host:      cfg.ListenOn,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.StoreDir,
		NoLog:     true,
		NoSigs:    true,
	}
	s, err := server.NewServer(opts)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define embedded NATS server")
		return nil, err
	}
	go s.Start()
	if !s.ReadyForConnections(readyTimeout) {
		s.Shutdown()
		err := fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
		log.WithError(err).WithFields(logTags).Error("Embedded NATS server failed to start")
		return nil, err
	}
	log.WithFields(logTags).Infof("Embedded NATS server ready at %s", s.ClientURL())
	return &EmbeddedNATS{Component: common.Component{LogTags: logTags}, server: s}, nil
}
