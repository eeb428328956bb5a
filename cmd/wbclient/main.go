package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/cenkalti/backoff"

	"whiteboard/internal/board"
	"whiteboard/internal/client"
	"whiteboard/internal/command"
	"whiteboard/internal/config"
	"whiteboard/internal/console"
	"whiteboard/internal/protocol"
)

func main() {
	if err := run(); err != nil {
		slog.Error("wbclient failed", "err", err)
		os.Exit(1)
	}
}

// notices records the terminal events pushed by the admin.
type notices struct {
	con      *console.Console
	kicked   atomic.Bool
	shutdown atomic.Bool
}

func (n *notices) Kicked() {
	n.kicked.Store(true)
	n.con.Errorf("you were removed from the whiteboard by the admin")
}

func (n *notices) ServerShutdown() {
	n.shutdown.Store(true)
	n.con.Errorf("the admin closed the whiteboard")
}

func (n *notices) final() bool {
	return n.kicked.Load() || n.shutdown.Load()
}

func run() error {
	cfg, err := config.LoadClient(getenv("WB_ENV_FILE", ".env"))
	if err != nil {
		return err
	}
	var (
		host       = flag.String("host", cfg.Host, "server host")
		port       = flag.Int("port", cfg.Port, "server port")
		name       = flag.String("name", cfg.Name, "display name")
		maxElapsed = flag.Duration("reconnect-max-elapsed", cfg.ReconnectMaxElapsed, "give up reconnecting after this long (0 retries forever)")
		logLevel   = flag.String("log-level", cfg.LogLevel, "debug, info, warn or error")
	)
	flag.Parse()
	cfg.Host, cfg.Port, cfg.Name = *host, *port, *name
	cfg.ReconnectMaxElapsed, cfg.LogLevel = *maxElapsed, *logLevel
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := config.NewLogger(cfg.LogLevel, os.Stderr)
	slog.SetDefault(log)

	replicas := board.Replicas{
		Document:   board.NewDocument(cfg.Name, log),
		Transcript: board.NewTranscript(cfg.Name, log),
		Users:      board.NewUsers(),
	}
	con := console.New(os.Stdout)
	con.Owner = cfg.Name
	con.Document = replicas.Document
	con.Transcript = replicas.Transcript
	con.Roster = replicas.Users.List
	note := &notices{con: con}

	reg := command.NewRegistry(log)
	board.RegisterHandlers(reg, replicas, note)
	cl := client.New(client.Config{URL: cfg.URL(), Name: cfg.Name, Registry: reg, Log: log})
	replicas.Document.SetSendFunc(cl.SendUpdate)
	replicas.Transcript.SetSendFunc(cl.SendUpdate)
	replicas.Transcript.OnMessage(func(m protocol.ChatMessage) {
		if m.Username != cfg.Name {
			con.ChatLine(m)
		}
	})
	replicas.Users.OnChange(func(names []string) {
		con.Infof("users: %s", strings.Join(names, ", "))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := con.Run(ctx, os.Stdin); err != nil {
			log.Warn("console stopped", "err", err)
		}
		stop()
	}()

	for {
		env, err := connect(ctx, cl, cfg, log)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if env.Type == protocol.JoinRejected {
			reason, _ := env.Text()
			return fmt.Errorf("join rejected: %s", reason)
		}
		con.Infof("joined %s as %s", cfg.URL(), cfg.Name)

		select {
		case <-ctx.Done():
			_ = cl.Close()
			return nil
		case <-cl.Done():
		}
		if note.final() || errors.Is(cl.Err(), client.ErrClosed) {
			return nil
		}
		con.Warnf("connection lost (%v), reconnecting", cl.Err())
	}
}

// connect retries transport failures with exponential backoff. Rejections
// are returned as envelopes and end the retries.
func connect(ctx context.Context, cl *client.Client, cfg config.ClientConfig, log *slog.Logger) (*protocol.Envelope, error) {
	var result *protocol.Envelope
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.ReconnectMaxElapsed
	op := func() error {
		env, err := cl.Connect(ctx)
		if err != nil {
			log.Warn("connect attempt failed", "url", cfg.URL(), "err", err)
			return err
		}
		result = env
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func getenv(k, fallback string) string {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	return v
}
