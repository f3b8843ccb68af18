package main

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braidd/internal/config"
)

const natsReadyTimeout = 5 * time.Second

// natsConn is a client connection and, in embedded mode, the in-process
// server it is connected to.
type natsConn struct {
	*nats.Conn
	server *natsserver.Server
	logger *zap.Logger
}

// connectNATS connects to cfg.URL, or starts an embedded server listening
// on the URL's host and port and connects to that. Port 0 picks a free port.
func connectNATS(cfg config.NATSConfig, logger *zap.Logger) (*natsConn, error) {
	nc := &natsConn{logger: logger}
	clientURL := cfg.URL

	if cfg.Embedded {
		opts, err := embeddedOptions(cfg.URL)
		if err != nil {
			return nil, err
		}
		ns, err := natsserver.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(natsReadyTimeout) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server not ready after %s", natsReadyTimeout)
		}
		nc.server = ns
		clientURL = ns.ClientURL()
		logger.Info("embedded NATS server started", zap.String("url", clientURL))
	}

	conn, err := nats.Connect(clientURL,
		nats.Name("braidd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		nc.close()
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", clientURL, err)
	}
	nc.Conn = conn
	logger.Info("connected to NATS", zap.String("url", clientURL))
	return nc, nil
}

func embeddedOptions(rawURL string) (*natsserver.Options, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   natsserver.DEFAULT_PORT,
		NoLog:  true,
		NoSigs: true,
	}
	if rawURL == "" {
		return opts, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid nats.url %q: %w", rawURL, err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Host
	}
	if host != "" {
		opts.Host = host
	}
	if port != "" {
		if opts.Port, err = strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("invalid nats.url port %q", port)
		}
		if opts.Port == 0 {
			opts.Port = natsserver.RANDOM_PORT
		}
	}
	return opts, nil
}

func (n *natsConn) close() {
	if n.Conn != nil {
		if err := n.FlushTimeout(time.Second); err != nil {
			n.logger.Warn("NATS flush on close", zap.Error(err))
		}
		n.Close()
	}
	if n.server != nil {
		n.server.Shutdown()
		n.server.WaitForShutdown()
	}
}
