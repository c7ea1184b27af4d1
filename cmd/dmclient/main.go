// Command dmclient runs a headless DM session against a gateway and logs
// every state change: badge, conversation list, open conversation, typing
// and connection status.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"skatedm-client/internal/api"
	"skatedm-client/internal/config"
	"skatedm-client/internal/conversation"
	"skatedm-client/internal/logging"
	"skatedm-client/internal/realtime"
	"skatedm-client/internal/session"

	"go.uber.org/zap"
)

const readyTimeout = 15 * time.Second

func main() {
	var (
		username = flag.String("user", "", "log in as this user instead of using DM_TOKEN")
		password = flag.String("password", "", "password for -user")
		with     = flag.String("with", "", "open (or start) the conversation with this user name")
		open     = flag.String("open", "", "open this conversation id")
		say      = flag.String("say", "", "send this message once the conversation has loaded")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalf("Error: configuration not loaded: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Error: logger not built: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logging.Warnings(logger, cfg.Warnings)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := api.NewClient(cfg.APIBaseURL, api.WithLogger(logger))

	token := cfg.Token
	if *username != "" {
		resp, err := client.Login(ctx, *username, *password)
		if err != nil {
			logger.Fatal("login failed", zap.String("user", *username), zap.Error(err))
		}
		token = resp.Token
		logger.Info("logged in", zap.String("user", resp.User.Name), zap.String("user_id", resp.User.ID))
	}
	if token == "" {
		logger.Fatal("no credentials: set DM_TOKEN or pass -user and -password")
	}

	dial, err := realtime.TransportDialer(cfg.Transports)
	if err != nil {
		logger.Fatal("invalid transports", zap.Strings("transports", cfg.Transports), zap.Error(err))
	}
	manager := realtime.NewManager(cfg.GatewayURL, realtime.WithDialer(dial), realtime.WithLogger(logger))
	defer func() { _ = manager.Close() }()

	s, err := session.New(session.Options{
		Token:               token,
		Gateway:             client,
		Realtime:            session.FromManager(manager),
		PageSize:            cfg.PageSize,
		TypingIdle:          cfg.TypingIdle,
		RemoteTypingTimeout: cfg.RemoteTypingTimeout,
		EnableFeed:          cfg.EnableFeed,
		Logger:              logger,
	})
	if err != nil {
		logger.Fatal("session not created", zap.Error(err))
	}
	s.Subscribe(func(u session.Update) { logUpdate(logger, u) })

	go func() {
		if err := s.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("session loop stopped", zap.Error(err))
		}
	}()
	<-s.Started()
	defer s.Close()

	if err := s.Start(); err != nil {
		logger.Fatal("session not started", zap.Error(err))
	}

	conversationID := *open
	if *with != "" {
		other, err := client.FindUser(ctx, *with, token)
		if err != nil {
			logger.Fatal("user lookup failed", zap.String("name", *with), zap.Error(err))
		}
		conv, err := client.StartConversation(ctx, other.ID, token)
		if err != nil {
			logger.Fatal("conversation not started", zap.String("name", *with), zap.Error(err))
		}
		conversationID = conv.ID
	}

	if conversationID != "" {
		view, err := s.OpenConversation(conversationID)
		if err != nil {
			logger.Fatal("conversation not opened", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		if *say != "" {
			if waitReady(ctx, view) {
				view.Send(*say)
			} else {
				logger.Warn("conversation never loaded, message not sent", zap.String("conversation_id", conversationID))
			}
		}
	}

	<-ctx.Done()
	logger.Info("dmclient exiting")
}

func waitReady(ctx context.Context, view *session.ConversationView) bool {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if snap, ok := view.Snapshot(); ok && snap.State == conversation.StateReady {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func logUpdate(logger *zap.Logger, u session.Update) {
	fields := []zap.Field{zap.Stringer("kind", u.Kind)}
	if u.ConversationID != "" {
		fields = append(fields, zap.String("conversation_id", u.ConversationID))
	}
	switch u.Kind {
	case session.UpdateBadge:
		fields = append(fields, zap.Int("count", u.Count), zap.String("label", u.Badge))
	case session.UpdateConversations:
		fields = append(fields, zap.Int("count", u.Count))
	case session.UpdateViewState:
		fields = append(fields, zap.Stringer("state", u.State))
	case session.UpdateTyping:
		fields = append(fields, zap.Bool("typing", u.Typing))
	case session.UpdateConnection:
		fields = append(fields, zap.String("namespace", u.Namespace), zap.Bool("connected", u.Connected))
	case session.UpdateSendFailed:
		fields = append(fields, zap.String("draft", u.Draft))
	}
	if u.Err != nil {
		fields = append(fields, zap.Error(u.Err))
	}
	logger.Info("update", fields...)
}
