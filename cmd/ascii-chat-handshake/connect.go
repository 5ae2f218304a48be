package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/asciichat/config"
	"github.com/opd-ai/asciichat/crypto"
	"github.com/opd-ai/asciichat/handshake"
	"github.com/opd-ai/asciichat/knownhosts"
	"github.com/opd-ai/asciichat/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newConnectCommand(opts *options) *cobra.Command {
	var (
		serverKey string
		insecure  bool
	)
	cmd := &cobra.Command{
		Use:   "connect [host:port | ws://url]",
		Short: "Connect to a server and exchange text messages",
		Example: `  # Trust on first use through ~/.ascii-chat/known_hosts
  ascii-chat-handshake connect chat.example.org:27224

  # Pin the server to a GitHub user's keys
  ascii-chat-handshake connect chat.example.org:27224 --server-key github:alice`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := opts.cfg.Client
			if len(args) == 1 {
				if u, err := url.Parse(args[0]); err == nil && (u.Scheme == "ws" || u.Scheme == "wss") {
					cc.Transport, cc.URL = "websocket", args[0]
				} else {
					cc.Transport, cc.Address = "tcp", args[0]
				}
			}
			if serverKey != "" {
				cc.ServerKey = serverKey
			}
			cc.InsecureNoHostIdentityCheck = cc.InsecureNoHostIdentityCheck || insecure
			return runConnect(cmd.Context(), opts.cfg)
		},
	}
	cmd.Flags().StringVar(&serverKey, "server-key", "", "expected server identity (hex, ssh-ed25519 line or github:user)")
	cmd.Flags().BoolVar(&insecure, "insecure-no-host-identity-check", false, "skip known_hosts verification")
	return cmd
}

// dial opens the configured transport and returns the host and port that
// name its known_hosts entry.
func dial(ctx context.Context, cc *config.Client, timeout time.Duration) (transport.Transport, string, uint16, error) {
	var (
		t    transport.Transport
		addr string
		err  error
	)
	switch cc.Transport {
	case "websocket":
		u, perr := url.Parse(cc.URL)
		if perr != nil {
			return nil, "", 0, perr
		}
		port := u.Port()
		if port == "" {
			port = "80"
			if u.Scheme == "wss" {
				port = "443"
			}
		}
		addr = net.JoinHostPort(u.Hostname(), port)
		dctx, cancel := context.WithTimeout(ctx, timeout)
		t, err = transport.DialWebSocket(dctx, cc.URL, nil)
		cancel()
	default:
		if cc.Address == "" {
			return nil, "", 0, errors.New("no server address given")
		}
		addr = cc.Address
		t, err = transport.DialTCP(ctx, addr, timeout)
	}
	if err != nil {
		return nil, "", 0, err
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		_ = t.Close()
		return nil, "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		_ = t.Close()
		return nil, "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return t, host, uint16(port), nil
}

// clientConfig builds the handshake configuration from the client section.
func clientConfig(ctx context.Context, cfg *config.Config, host string, port uint16) (handshake.ClientConfig, error) {
	cc := cfg.Client
	id, err := loadIdentity(cc.IdentityFile, cc.KeyID, !cc.NoSSHAgent)
	if err != nil {
		return handshake.ClientConfig{}, err
	}
	cipher, err := cc.CipherID()
	if err != nil {
		return handshake.ClientConfig{}, err
	}

	var expected [][crypto.IdentityKeySize]byte
	if cc.ServerKey != "" {
		expected, err = crypto.ParseKeyList(ctx, cc.ServerKey, crypto.NewHTTPKeyResolver(cfg.Handshake.Timeout()))
		if err != nil {
			return handshake.ClientConfig{}, fmt.Errorf("server_key: %w", err)
		}
	}

	path := cc.KnownHostsFile
	if path == "" {
		if path, err = knownhosts.DefaultPath(); err != nil {
			return handshake.ClientConfig{}, err
		}
	}

	return handshake.ClientConfig{
		Identity:           id,
		KeyID:              cc.KeyID,
		Password:           cc.Password,
		PasswordPrompter:   passwordPrompt,
		ExpectedServerKeys: expected,
		HostVerifier: &knownhosts.Verifier{
			Store:  knownhosts.NewStore(path),
			Policy: knownhosts.NewTerminalPolicy(),
			Bypass: cc.HostBypass(),
		},
		ServerHost:      host,
		ServerPort:      port,
		PreferredCipher: cipher,
		NoEncryption:    cc.NoEncryption,
		Timeout:         cfg.Handshake.Timeout(),
		SessionID:       uuid.NewString(),
		Rekey:           cfg.Handshake.RekeyConfig(),
	}, nil
}

func runConnect(ctx context.Context, cfg *config.Config) error {
	t, host, port, err := dial(ctx, cfg.Client, cfg.Handshake.Timeout())
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()

	hcfg, err := clientConfig(ctx, cfg, host, port)
	if err != nil {
		return err
	}
	sess, err := handshake.RunClient(ctx, t, hcfg)
	if err != nil {
		return err
	}
	defer sess.Close()
	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	logger := logrus.WithFields(logrus.Fields{
		"function": "runConnect",
		"session":  sess.ID(),
		"server":   net.JoinHostPort(host, strconv.Itoa(int(port))),
	})
	if id := sess.PeerIdentity(); id != nil {
		logger = logger.WithField("identity", crypto.FormatFingerprint(id[:]))
	}
	logger.Info("Session ready; type messages, Ctrl-D to quit")

	done := make(chan error, 1)
	go func() {
		for {
			pkt, err := sess.Receive(0)
			if err != nil {
				done <- err
				return
			}
			if pkt.Type == transport.PacketTextMessage {
				fmt.Printf("< %s\n", pkt.Payload)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := sess.Send(transport.PacketTextMessage, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	_ = sess.Close()
	if err := <-done; err != nil && ctx.Err() == nil && t.IsConnected() {
		return err
	}
	return nil
}
