package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/avolkow/huddle/internal/api"
	"github.com/avolkow/huddle/internal/chat"
	"github.com/avolkow/huddle/internal/config"
	"github.com/avolkow/huddle/internal/logging"
	"github.com/avolkow/huddle/internal/state"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("huddle starting", slog.String("version", Version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openState(cfg)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer st.Close()

	apiClient := api.NewClient(cfg.APIBaseURL, nil)

	if err := establishSession(ctx, cfg, st, apiClient, logger); err != nil {
		return err
	}

	conn := chat.NewConnection(chat.ConnConfig{
		Session:              sessionProvider(cfg, apiClient),
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, logger)

	client := chat.NewClient(chat.ClientConfig{
		Conn:            conn,
		History:         apiClient,
		Sender:          apiClient,
		Profiles:        chat.NewProfileResolver(apiClient, logger),
		Marks:           st,
		SelfID:          apiClient.UserID(),
		BottomThreshold: cfg.BottomThreshold,
	}, logger)

	client.SetHandlers(terminalHandlers(logger))

	if err := client.Start(ctx); err != nil {
		// First dial failed; the retry loop is already armed, so this is
		// informational rather than fatal.
		logger.Warn("initial connection attempt failed", slog.String("error", err.Error()))
	}
	defer client.Stop()

	if err := client.OpenScope(ctx, chat.GlobalScope); err != nil {
		logger.Warn("loading global history", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return inputLoop(gctx, client, logger)
	})

	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	err = g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}

	logger.Info("huddle stopped")

	return nil
}

func openState(cfg *config.Config) (*state.State, error) {
	if cfg.StateDB != "" {
		return state.LoadAt(cfg.StateDB)
	}

	return state.Load()
}

// establishSession resumes a persisted session when still valid,
// otherwise signs in with the configured credentials and persists the
// fresh session.
func establishSession(ctx context.Context, cfg *config.Config, st *state.State, apiClient *api.Client, logger *slog.Logger) error {
	sess, err := st.Session()
	if err != nil {
		return fmt.Errorf("reading persisted session: %w", err)
	}

	if sess != nil && !sess.Expired() {
		apiClient.Resume(sess.Token, sess.UserID, cfg.GatewayURL, sess.ExpiresAt)
		logger.Info("session resumed", slog.String("user_id", sess.UserID))

		return nil
	}

	if cfg.Email == "" || cfg.Password == "" {
		return fmt.Errorf("no valid session; HUDDLE_EMAIL and HUDDLE_PASSWORD are required to sign in")
	}

	resp, err := apiClient.SignIn(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return fmt.Errorf("signing in: %w", err)
	}

	if err := st.SetSession(state.Session{
		Token:     resp.Token,
		UserID:    resp.UserID,
		Email:     cfg.Email,
		ExpiresAt: time.Now().Unix() + resp.ExpiresIn,
	}); err != nil {
		logger.Warn("persisting session", slog.String("error", err.Error()))
	}

	logger.Info("signed in", slog.String("user_id", resp.UserID))

	return nil
}

// sessionProvider wraps the API client so a configured gateway override
// wins over the one the sign-in response supplied.
func sessionProvider(cfg *config.Config, apiClient *api.Client) chat.SessionProvider {
	if cfg.GatewayURL == "" {
		return apiClient
	}

	return overrideTarget{SessionProvider: apiClient, target: cfg.GatewayURL}
}

type overrideTarget struct {
	chat.SessionProvider
	target string
}

func (o overrideTarget) ConnectTarget(context.Context) (string, error) {
	return o.target, nil
}

// terminalHandlers prints timeline and status updates to stdout. This is
// a deliberately thin presentation shim; anything richer belongs in a
// real frontend.
func terminalHandlers(logger *slog.Logger) chat.ClientHandlers {
	return chat.ClientHandlers{
		OnTimeline: func(scope chat.Scope, msgs []chat.Message) {
			if len(msgs) == 0 {
				return
			}

			last := msgs[len(msgs)-1]
			fmt.Printf("[%s] %s: %s\n",
				time.UnixMilli(last.Timestamp).Format("15:04:05"),
				last.SenderID,
				last.Content,
			)
		},
		OnConnection: func(connected bool) {
			if connected {
				fmt.Println("-- connected --")
			} else {
				fmt.Println("-- disconnected, retrying --")
			}
		},
		OnScroll: func(s chat.ScrollState) {
			if s.UnseenCount > 0 {
				fmt.Printf("-- %d unseen --\n", s.UnseenCount)
			}
		},
		OnError: func(err error) {
			logger.Debug("connection error", slog.String("error", err.Error()))
		},
	}
}

// inputLoop reads lines from stdin and sends them to the global scope.
// "/retry" forces a reconnect after the automatic budget is exhausted.
func inputLoop(ctx context.Context, client *chat.Client, logger *slog.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if line == "/retry" {
			if err := client.RetryConnection(); err != nil {
				logger.Warn("retry failed", slog.String("error", err.Error()))
			}

			continue
		}

		if err := client.Send(ctx, chat.GlobalScope, line); err != nil {
			// The optimistic entry has been rolled back; the content is
			// echoed so the user can resend it.
			fmt.Printf("-- send failed (%v), message was: %s --\n", err, line)
		}
	}

	return scanner.Err()
}
