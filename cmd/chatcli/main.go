package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cloakchat/cloakchat/internal/client"
	"github.com/cloakchat/cloakchat/internal/keystore"
	"github.com/cloakchat/cloakchat/internal/logging"
	"github.com/cloakchat/cloakchat/internal/server"
	"github.com/cloakchat/cloakchat/internal/session"
	"go.uber.org/zap"
)

type cliConfig struct {
	relayURL      string
	identity      string
	peer          string
	mode          string
	message       string
	token         string
	tokenSecret   string
	keystorePath  string
	passphraseEnv string
	historyLimit  int
	timeout       time.Duration
	verbose       bool
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("chatcli failed: %v", err)
	}
}

func parseConfig() cliConfig {
	var cfg cliConfig
	flag.StringVar(&cfg.relayURL, "relay", "ws://127.0.0.1:8080/ws", "Relay websocket endpoint")
	flag.StringVar(&cfg.identity, "identity", "", "Identity to connect as (required)")
	flag.StringVar(&cfg.peer, "peer", "", "Peer identity for send/history modes")
	flag.StringVar(&cfg.mode, "mode", "listen", "Mode: send, listen, or history")
	flag.StringVar(&cfg.message, "message", "", "Plaintext to send in send mode")
	flag.StringVar(&cfg.token, "token", "", "Auth token (if the relay requires one)")
	flag.StringVar(&cfg.tokenSecret, "token-secret", "", "Mint the auth token from this shared secret")
	flag.StringVar(&cfg.keystorePath, "keystore", "", "Sealed session keystore path (optional)")
	flag.StringVar(&cfg.passphraseEnv, "passphrase-env", "CLOAK_KEYSTORE_PASSPHRASE", "Env var holding the keystore passphrase")
	flag.IntVar(&cfg.historyLimit, "limit", 50, "Max envelopes to fetch in history mode")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Timeout for send and history modes")
	flag.BoolVar(&cfg.verbose, "verbose", false, "Log protocol activity to stderr")
	flag.Parse()

	if cfg.identity == "" {
		log.Fatal("-identity is required")
	}
	switch cfg.mode {
	case "listen":
	case "send", "history":
		if cfg.peer == "" {
			log.Fatalf("-peer is required in %s mode", cfg.mode)
		}
	default:
		log.Fatalf("unsupported mode %s (expected send, listen, or history)", cfg.mode)
	}
	if cfg.mode == "send" && cfg.message == "" {
		log.Fatal("-message is required in send mode")
	}
	if cfg.token == "" && cfg.tokenSecret != "" {
		cfg.token = server.NewTokenAuthenticator([]byte(cfg.tokenSecret)).TokenFor(cfg.identity)
	}
	return cfg
}

func run(cfg cliConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openKeystore(cfg)
	if err != nil {
		return err
	}
	sessions := session.NewManager(cfg.identity, store)

	logger := zap.NewNop()
	if cfg.verbose {
		logger, err = logging.NewConsoleLogger("debug")
		if err != nil {
			return err
		}
	}

	c, err := client.Dial(ctx, client.Options{
		URL:       cfg.relayURL,
		Identity:  cfg.identity,
		AuthToken: cfg.token,
		Sessions:  sessions,
		Logger:    logger,
		OnMessage: func(m client.Message) {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.TimeOnly), m.Peer, m.Plaintext)
		},
		OnPresence: func(id string, online bool) {
			state := "left"
			if online {
				state = "joined"
			}
			fmt.Printf("* %s %s\n", id, state)
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if present := c.Present(); len(present) > 0 {
		fmt.Printf("online: %s\n", strings.Join(present, ", "))
	}

	switch cfg.mode {
	case "send":
		return runSend(ctx, c, cfg)
	case "history":
		return runHistory(ctx, c, cfg)
	default:
		fmt.Println("listening; ctrl-c to quit")
		<-ctx.Done()
		return nil
	}
}

func runSend(ctx context.Context, c *client.Client, cfg cliConfig) error {
	opCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	if err := c.OpenConversation(opCtx, cfg.peer); err != nil {
		return fmt.Errorf("open conversation with %s: %w", cfg.peer, err)
	}
	id, err := c.SendMessage(opCtx, cfg.peer, []byte(cfg.message))
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	fmt.Printf("sent %s\n", id)
	return nil
}

func runHistory(ctx context.Context, c *client.Client, cfg cliConfig) error {
	opCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	if err := c.OpenConversation(opCtx, cfg.peer); err != nil {
		return fmt.Errorf("open conversation with %s: %w", cfg.peer, err)
	}
	msgs, err := c.History(opCtx, cfg.peer, cfg.historyLimit)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	for _, m := range msgs {
		text := string(m.Plaintext)
		if m.Plaintext == nil {
			text = "<unreadable: sealed with a superseded key>"
		}
		fmt.Printf("[%s] %s\n", m.CreatedAt.Local().Format(time.DateTime), text)
	}
	return nil
}

func openKeystore(cfg cliConfig) (keystore.Backend, error) {
	if cfg.keystorePath == "" {
		return nil, nil
	}
	passphrase := strings.TrimSpace(os.Getenv(cfg.passphraseEnv))
	if passphrase == "" {
		return nil, fmt.Errorf("keystore passphrase env %s is empty", cfg.passphraseEnv)
	}

	backend := keystore.NewFileBackend(cfg.keystorePath)
	ctx := context.Background()
	if err := backend.Unlock(ctx, passphrase); err != nil {
		if !errors.Is(err, keystore.ErrNotInitialized) {
			return nil, fmt.Errorf("unlock keystore: %w", err)
		}
		if err := backend.Initialize(ctx, passphrase); err != nil {
			return nil, fmt.Errorf("initialize keystore: %w", err)
		}
		if err := backend.Unlock(ctx, passphrase); err != nil {
			return nil, fmt.Errorf("unlock new keystore: %w", err)
		}
		log.Printf("initialized keystore at %s", cfg.keystorePath)
	}
	return backend, nil
}
