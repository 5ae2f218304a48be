package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/asciichat/config"
	"github.com/opd-ai/asciichat/crypto"
	"github.com/opd-ai/asciichat/handshake"
	"github.com/opd-ai/asciichat/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCommand(opts *options) *cobra.Command {
	var (
		listen   string
		wsListen string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept sessions and echo text messages",
		Example: `  # Listen on the default port with an identity key
  ascii-chat-handshake serve --config server.toml

  # Also accept WebSocket clients
  ascii-chat-handshake serve --listen :27224 --websocket-listen :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := opts.cfg.Server
			if listen != "" {
				sc.Listen = listen
			}
			if wsListen != "" {
				sc.WebSocketListen = wsListen
			}
			return runServe(cmd.Context(), opts.cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "TCP listen address (overrides server.listen)")
	cmd.Flags().StringVar(&wsListen, "websocket-listen", "", "WebSocket listen address (overrides server.websocket_listen)")
	return cmd
}

// serverConfig builds the handshake configuration from the server section.
func serverConfig(ctx context.Context, cfg *config.Config) (handshake.ServerConfig, error) {
	sc := cfg.Server
	id, err := loadIdentity(sc.IdentityFile, sc.KeyID, !sc.NoSSHAgent)
	if err != nil {
		return handshake.ServerConfig{}, err
	}

	var authorized [][crypto.IdentityKeySize]byte
	if sc.AuthorizedKeys != "" {
		keys, err := crypto.ParseKeyList(ctx, sc.AuthorizedKeys, crypto.NewHTTPKeyResolver(cfg.Handshake.Timeout()))
		if err != nil {
			return handshake.ServerConfig{}, fmt.Errorf("authorized_keys: %w", err)
		}
		authorized = append(authorized, keys...)
	}
	if sc.AuthorizedKeysFile != "" {
		keys, err := crypto.LoadAuthorizedKeys(sc.AuthorizedKeysFile)
		if err != nil {
			return handshake.ServerConfig{}, fmt.Errorf("authorized_keys_file: %w", err)
		}
		authorized = append(authorized, keys...)
	}

	return handshake.ServerConfig{
		Identity:          id,
		KeyID:             sc.KeyID,
		Password:          sc.Password,
		AuthorizedClients: authorized,
		RequireClientAuth: sc.RequireClientAuth,
		Timeout:           cfg.Handshake.Timeout(),
		Rekey:             cfg.Handshake.RekeyConfig(),
	}, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	hcfg, err := serverConfig(ctx, cfg)
	if err != nil {
		return err
	}
	logger := logrus.WithFields(logrus.Fields{
		"function": "runServe",
		"listen":   cfg.Server.Listen,
	})
	if hcfg.Identity != nil {
		pub := hcfg.Identity.PublicKey()
		logger = logger.WithField("identity", crypto.FormatFingerprint(pub[:]))
	}

	ln, err := transport.ListenTCP(cfg.Server.Listen)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	defer wg.Wait()

	accept := func(t transport.Transport) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, t, hcfg)
		}()
	}

	var ws *http.Server
	if addr := cfg.Server.WebSocketListen; addr != "" {
		ws = &http.Server{
			Addr: addr,
			Handler: &transport.WebSocketHandler{
				Accept: func(t *transport.WebSocketTransport) { accept(t) },
			},
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := ws.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("WebSocket listener stopped")
			}
		}()
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		if ws != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ws.Shutdown(shutdownCtx)
		}
	}()

	logger.WithField("addr", ln.Addr().String()).Info("Accepting sessions")
	for {
		t, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		accept(t)
	}
}

// serveConn runs the handshake on one connection and echoes text messages
// until the peer goes away.
func serveConn(ctx context.Context, t transport.Transport, hcfg handshake.ServerConfig) {
	defer func() { _ = t.Close() }()
	hcfg.SessionID = uuid.NewString()

	logger := logrus.WithFields(logrus.Fields{
		"function": "serveConn",
		"session":  hcfg.SessionID,
		"remote":   t.RemoteAddr(),
		"type":     string(t.Type()),
	})

	sess, err := handshake.RunServer(ctx, t, hcfg)
	if err != nil {
		logger.WithError(err).Warn("Handshake failed")
		return
	}
	defer sess.Close()
	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	entry := logger.WithField("authenticated", sess.PeerAuthenticated())
	if id := sess.PeerIdentity(); id != nil {
		entry = entry.WithField("client", crypto.FormatFingerprint(id[:]))
	}
	entry.Info("Session ready")

	for {
		pkt, err := sess.Receive(0)
		if err != nil {
			logger.WithError(err).Debug("Session ended")
			return
		}
		if pkt.Type != transport.PacketTextMessage {
			logger.WithField("packet", pkt.Type.String()).Debug("Ignoring packet")
			continue
		}
		if err := sess.Send(transport.PacketTextMessage, pkt.Payload); err != nil {
			logger.WithError(err).Warn("Echo failed")
			return
		}
	}
}
