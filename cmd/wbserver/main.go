package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"whiteboard/internal/approval"
	"whiteboard/internal/audit"
	"whiteboard/internal/board"
	"whiteboard/internal/command"
	"whiteboard/internal/config"
	"whiteboard/internal/console"
	"whiteboard/internal/httpapi"
	"whiteboard/internal/protocol"
	"whiteboard/internal/ratelimit"
	"whiteboard/internal/server"
	"whiteboard/internal/store"
)

const autosaveBoard = "autosave"

func main() {
	if err := run(); err != nil {
		slog.Error("wbserver failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer(getenv("WB_ENV_FILE", ".env"))
	if err != nil {
		return err
	}
	var (
		host            = flag.String("host", cfg.Host, "listen host")
		port            = flag.Int("port", cfg.Port, "listen port")
		adminName       = flag.String("name", cfg.AdminName, "admin display name")
		apiToken        = flag.String("api-token", cfg.APIToken, "bearer token for /api (empty disables the API)")
		auditPath       = flag.String("audit-path", cfg.AuditPath, "audit jsonl path (empty disables)")
		boardDB         = flag.String("board-db", cfg.BoardDBPath, "sqlite file for saved boards (empty disables)")
		autoApprove     = flag.Bool("auto-approve", cfg.AutoApprove, "admit every join request")
		approvalTimeout = flag.Duration("approval-timeout", cfg.ApprovalTimeout, "deny join requests left undecided this long (0 waits forever)")
		origins         = flag.String("allowed-origins", cfg.AllowedOrigins, "comma-separated websocket origins")
		logLevel        = flag.String("log-level", cfg.LogLevel, "debug, info, warn or error")
		useConsole      = flag.Bool("console", true, "read commands from stdin")
	)
	flag.Parse()
	cfg.Host, cfg.Port, cfg.AdminName = *host, *port, *adminName
	cfg.APIToken, cfg.AuditPath, cfg.BoardDBPath = *apiToken, *auditPath, *boardDB
	cfg.AutoApprove, cfg.ApprovalTimeout, cfg.AllowedOrigins = *autoApprove, *approvalTimeout, *origins
	cfg.LogLevel = *logLevel
	if err := cfg.Validate(); err != nil {
		return err
	}

	logOut := os.Stdout
	if *useConsole {
		logOut = os.Stderr
	}
	log := config.NewLogger(cfg.LogLevel, logOut)
	slog.SetDefault(log)

	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	var boards *store.Store
	if cfg.BoardDBPath != "" {
		if boards, err = store.Open(cfg.BoardDBPath); err != nil {
			return err
		}
		defer boards.Close()
	}

	replicas := board.Replicas{
		Document:   board.NewDocument(cfg.AdminName, log),
		Transcript: board.NewTranscript(cfg.AdminName, log),
		Users:      board.NewUsers(),
	}
	queue := approval.NewQueue(cfg.ApprovalTimeout, log)
	var approver server.Approver = queue
	if cfg.AutoApprove {
		approver = approval.Static(true)
	}

	reg := command.NewRegistry(log)
	srv := server.New(server.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		AdminName:       cfg.AdminName,
		Approver:        approver,
		ApprovalTimeout: cfg.ApprovalTimeout,
		Sources:         []server.StateSource{replicas.Document, replicas.Transcript},
		Registry:        reg,
		Audit:           auditLog,
		JoinLimiter:     ratelimit.New(cfg.JoinRatePerMin, time.Minute),
		AllowedOrigins:  cfg.Origins(),
		Log:             log,
	})
	board.RegisterServerHandlers(reg, replicas, srv.Relay)
	broadcast := func(env protocol.Envelope) error {
		srv.Broadcast(env)
		return nil
	}
	replicas.Document.SetSendFunc(broadcast)
	replicas.Transcript.SetSendFunc(broadcast)
	srv.OnRoster(replicas.Users.Set)

	con := console.New(os.Stdout)
	con.Owner = cfg.AdminName
	con.Document = replicas.Document
	con.Transcript = replicas.Transcript
	con.Roster = replicas.Users.List
	con.Kicker = srv
	if !cfg.AutoApprove {
		con.Approvals = queue
		queue.OnRequest(func(r approval.Request) {
			con.Warnf("%s (%s) wants to join: approve %s | deny %s", r.Name, r.Remote, r.Name, r.Name)
		})
	}
	if boards != nil {
		con.Boards = boards
	}
	replicas.Transcript.OnMessage(func(m protocol.ChatMessage) {
		if m.Username != cfg.AdminName {
			con.ChatLine(m)
		}
	})
	replicas.Users.OnChange(func(names []string) {
		con.Infof("users: %s", strings.Join(names, ", "))
	})

	if cfg.APIToken != "" {
		api := &httpapi.API{
			Admin:      cfg.AdminName,
			Token:      cfg.APIToken,
			Roster:     srv,
			Document:   replicas.Document,
			Transcript: replicas.Transcript,
			Limiter:    ratelimit.New(600, time.Minute),
			Audit:      auditLog,
			Log:        log,
		}
		if !cfg.AutoApprove {
			api.Approvals = queue
		}
		if boards != nil {
			api.Boards = boards
		}
		srv.Mount("/api/", api.Router())
	}

	if err := srv.Start(); err != nil {
		return err
	}
	con.Infof("whiteboard %q open on %s", cfg.AdminName, srv.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *useConsole {
		go func() {
			if err := con.Run(ctx, os.Stdin); err != nil {
				log.Warn("console stopped", "err", err)
			}
			stop()
		}()
	}
	<-ctx.Done()

	log.Info("wbserver shutting down")
	if boards != nil && replicas.Document.Modified() {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := boards.Save(saveCtx, autosaveBoard, cfg.AdminName, replicas.Document.Items()); err != nil {
			log.Error("autosave failed", "err", err)
		} else {
			log.Info("board autosaved", "name", autosaveBoard)
		}
	}
	if err := srv.Close(); err != nil && !errors.Is(err, server.ErrAlreadyClosed) {
		return err
	}
	return nil
}

func getenv(k, fallback string) string {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	return v
}
