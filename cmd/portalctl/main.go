package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/atlashr/portal-client/internal/auth"
	"github.com/atlashr/portal-client/internal/chat"
	"github.com/atlashr/portal-client/internal/config"
	"github.com/atlashr/portal-client/internal/logging"
	"github.com/atlashr/portal-client/internal/transport"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	store := buildStore(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The active room controller, if any; token rotations on the REST side
	// force its channel to reconnect.
	var ctrl atomic.Pointer[chat.Controller]

	client, err := transport.NewClient(transport.ClientConfig{
		Log:            logger,
		BaseURL:        cfg.BaseURL,
		Store:          store,
		RefreshTimeout: cfg.RefreshTimeout,
		OnSessionEnd: func(reason string) {
			logger.Warn("session ended, log in again", zap.String("reason", reason))
			if c := ctrl.Load(); c != nil {
				c.Close()
			}
			stop()
		},
		OnRefresh: func(access string) {
			if c := ctrl.Load(); c != nil {
				c.AccessRotated(access)
			}
		},
	})
	if err != nil {
		logger.Fatal("build transport", zap.Error(err))
	}

	switch args[0] {
	case "login":
		err = runLogin(ctx, client, args[1:])
	case "logout":
		err = client.Logout(ctx)
	case "profile":
		err = runProfile(ctx, client)
	case "tail":
		err = runTail(ctx, logger, cfg, client, &ctrl, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal("command failed", zap.String("command", args[0]), zap.Error(err))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: portalctl [-config path] <command>

commands:
  login    -email | -username, -password   authenticate and persist tokens
  logout                                   revoke the session and clear tokens
  profile                                  print the authenticated user
  tail <roomID>                            follow a chat room`)
}

// buildStore returns the encrypted file store when a passphrase is available,
// otherwise a process-local memory store.
func buildStore(logger *zap.Logger, cfg config.Config) auth.Store {
	passphrase, err := cfg.Passphrase()
	if err != nil {
		logger.Info("tokens passphrase unset, using in-memory store")
		return auth.NewMemoryStore()
	}
	store, err := auth.NewFileStore(cfg.Tokens.Path, passphrase)
	if err != nil {
		logger.Fatal("open token store", zap.String("path", cfg.Tokens.Path), zap.Error(err))
	}
	return store
}

func runLogin(ctx context.Context, client *transport.Client, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "Account email")
	username := fs.String("username", "", "Account username")
	password := fs.String("password", "", "Password (read from stdin when empty)")
	fs.Parse(args)

	pass := *password
	if pass == "" {
		fmt.Fprint(os.Stderr, "password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		pass = strings.TrimSpace(line)
	}

	_, user, err := client.Login(ctx, transport.LoginRequest{
		Email:    *email,
		Username: *username,
		Password: pass,
	})
	if err != nil {
		return err
	}
	if user != nil {
		fmt.Printf("logged in as %s\n", user.Email)
	} else {
		fmt.Println("logged in")
	}
	return nil
}

func runProfile(ctx context.Context, client *transport.Client) error {
	user, err := client.Profile(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runTail(ctx context.Context, logger *zap.Logger, cfg config.Config, client *transport.Client, slot *atomic.Pointer[chat.Controller], args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("tail expects exactly one room id")
	}

	controller, err := chat.NewController(chat.ControllerConfig{
		Log:          logger,
		Facade:       client,
		Credentials:  client.Store(),
		RoomID:       args[0],
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		return err
	}
	slot.Store(controller)
	defer controller.Close()

	controller.Open()

	seen := make(map[string]bool)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, msg := range controller.Messages() {
				if seen[msg.ID] {
					continue
				}
				seen[msg.ID] = true
				fmt.Printf("%s  %s: %s\n", msg.CreatedAt.Local().Format("15:04:05"), msg.SenderName, msg.Content)
			}
		}
	}
}
