// ABOUTME: Entry point for the supportsync command
// ABOUTME: Runs the dev send endpoint and a terminal client for conversations

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/2389/support-sync/internal/client"
	"github.com/2389/support-sync/internal/config"
	"github.com/2389/support-sync/internal/devserver"
	"github.com/2389/support-sync/internal/local"
	"github.com/2389/support-sync/internal/metrics"
	"github.com/2389/support-sync/internal/presence"
	"github.com/2389/support-sync/internal/sanitize"
	"github.com/2389/support-sync/internal/session"
	"github.com/2389/support-sync/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                         _
 ___ _   _ _ __  _ __   ___  _ __| |_      ___ _   _ _ __   ___
/ __| | | | '_ \| '_ \ / _ \| '__| __|____/ __| | | | '_ \ / __|
\__ \ |_| | |_) | |_) | (_) | |  | ||_____\__ \ |_| | | | | (__
|___/\__,_| .__/| .__/ \___/|_|   \__|    |___/\__, |_| |_|\___|
          |_|   |_|                            |___/
`

// getConfigPath returns the path to the config file.
// Priority: SUPPORTSYNC_CONFIG env var > XDG_CONFIG_HOME/supportsync/config.yaml > ~/.config/supportsync/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SUPPORTSYNC_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "supportsync", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: supportsync <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                        Start the dev send endpoint")
		fmt.Println("  tail <conversation>          Print a conversation as it changes")
		fmt.Println("  send <conversation> <text>   Send one message")
		fmt.Println("  version                      Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "tail":
		err = runTail(ctx, os.Args[2:])
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when it doesn't exist.
func loadConfig() (*config.Config, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "firestore":
		var opts []option.ClientOption
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		return store.NewFirestoreStore(ctx, cfg.ProjectID, opts...)
	case "memory", "":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// openPresence returns the typing slot and a closer for any connection it holds.
func openPresence(cfg *config.Config, st store.Store, logger *slog.Logger) (presence.Slot, func(), error) {
	switch cfg.Presence.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Presence.RedisAddr})
		return presence.NewRedisSlot(rdb, cfg.Typing.Timeout, logger), func() { _ = rdb.Close() }, nil
	case "store", "":
		return presence.NewStoreSlot(st), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown presence backend %q", cfg.Presence.Backend)
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	opts := devserver.Options{
		Addr:      cfg.Endpoint.Addr,
		CSRFToken: cfg.Endpoint.CSRFToken,
		Store:     st,
		MaxLength: cfg.Messages.MaxLength,
		Attachments: sanitize.Limits{
			MaxCount:         cfg.Messages.MaxAttachments,
			MaxBytes:         cfg.Messages.MaxAttachmentBytes,
			AllowedMimeTypes: cfg.Messages.AllowedMimeTypes,
		},
		MetricsPath: cfg.Metrics.Path,
		Logger:      logger,
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		opts.Metrics = metrics.New(reg)
		opts.Gatherer = reg
	}

	green := color.New(color.FgGreen)
	green.Printf("    endpoint: http://%s\n", cfg.Endpoint.Addr)
	gray.Printf("    store:    %s\n\n", cfg.Store.Backend)

	return devserver.New(opts).Run(ctx)
}

// openSession builds a session over the configured store and endpoint.
func openSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session.Manager, func(), error) {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	slot, closeSlot, err := openPresence(cfg, st, logger)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Local.Path), 0o755); err != nil {
		closeSlot()
		st.Close()
		return nil, nil, fmt.Errorf("creating local data dir: %w", err)
	}
	ls, err := local.Open(cfg.Local.Path, logger)
	if err != nil {
		closeSlot()
		st.Close()
		return nil, nil, fmt.Errorf("opening local store: %w", err)
	}

	sender := client.New(client.Options{
		BaseURL:   cfg.Endpoint.BaseURL,
		CSRFToken: cfg.Endpoint.CSRFToken,
		Timeout:   cfg.Endpoint.Timeout,
		Identity: store.Identity{
			ID:          cfg.Identity.ID,
			Email:       cfg.Identity.Email,
			DisplayName: cfg.Identity.DisplayName,
		},
		Role:   store.Role(cfg.Identity.Role),
		Logger: logger,
	})

	mgr, err := session.NewManager(session.Deps{
		Config: cfg,
		Store:  st,
		Sender: sender,
		Slot:   slot,
		Local:  ls,
		Logger: logger,
	})
	if err != nil {
		_ = ls.Close()
		closeSlot()
		st.Close()
		return nil, nil, err
	}
	cleanup := func() {
		mgr.Close()
		_ = ls.Close()
		closeSlot()
		st.Close()
	}
	return mgr, cleanup, nil
}

func runTail(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: supportsync tail <conversation>")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	mgr, cleanup, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	conv, err := mgr.Open(ctx, args[0])
	if err != nil {
		return err
	}

	printed := make(map[string]store.MessageStatus)
	for view := range conv.Watch(ctx) {
		if view.Err != nil {
			color.Red("listener error: %v", view.Err)
		}
		for _, msg := range view.Messages {
			if status, ok := printed[msg.ID]; ok && status == msg.Status {
				continue
			}
			printed[msg.ID] = msg.Status
			printMessage(msg)
		}
	}
	return nil
}

func runSend(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: supportsync send <conversation> <text>")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	mgr, cleanup, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	conv, err := mgr.Open(ctx, args[0])
	if err != nil {
		return err
	}
	msg, err := conv.Send(ctx, strings.Join(args[1:], " "), nil)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		return errors.New("message is empty")
	}
	if msg.Status == store.StatusFailed {
		return fmt.Errorf("send failed: %v", conv.LastError(msg.ID))
	}
	color.Green("sent %s", msg.ID)
	return nil
}

func printMessage(msg store.Message) {
	ts := color.HiBlackString(msg.Timestamp.Local().Format("15:04:05"))
	name := msg.Sender.DisplayName
	if name == "" {
		name = msg.Sender.ID
	}
	if msg.SenderRole == store.RoleAdmin {
		name = color.MagentaString(name)
	} else {
		name = color.CyanString(name)
	}
	status := ""
	switch msg.Status {
	case store.StatusSending:
		status = color.YellowString(" (sending)")
	case store.StatusQueued:
		status = color.YellowString(" (queued)")
	case store.StatusFailed:
		status = color.RedString(" (failed)")
	}
	fmt.Printf("%s %s: %s%s\n", ts, name, msg.Content, status)
}
