package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/mikhailofff/chat-sync/internal/api"
	"github.com/mikhailofff/chat-sync/internal/chat"
	"github.com/mikhailofff/chat-sync/internal/chaterr"
	"github.com/mikhailofff/chat-sync/internal/config"
	"github.com/mikhailofff/chat-sync/internal/creds"
	"github.com/mikhailofff/chat-sync/internal/logging"
)

// run wires the engine together and drives it from stdin until the
// context is cancelled or the session becomes unrecoverable.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chat-sync starting", slog.String("version", Version), slog.String("server", cfg.ServerURL))

	store, err := creds.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	defer store.Close()

	client := api.NewClient(cfg.ServerURL, store, logger)
	client.SetOnSignOut(func() {
		logger.Warn("session expired; sign in again")
	})

	username, err := ensureSignedIn(ctx, cfg, client, store)
	if err != nil {
		return err
	}

	locale, err := language.Parse(cfg.Locale)
	if err != nil {
		logger.Warn("invalid locale, falling back to en-US", slog.String("locale", cfg.Locale))
		locale = language.AmericanEnglish
	}

	msgStore := chat.NewStore(client, username, locale, logger)

	channel := chat.NewChannel(cfg.WebsocketURL(), username, chat.Events{
		OnMessage: func(msg api.Message) {
			printWireMessage(msg)
			msgStore.AppendLive(msg)
		},
		OnPresence: func(count int, userlist []string) {
			msgStore.SetPresence(count, userlist)
			fmt.Printf("* %d online: %s\n", count, strings.Join(userlist, ", "))
		},
		OnConnect: msgStore.LoadInitial,
	}, logger)
	msgStore.SetChannel(channel)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return channel.Run(gctx)
	})

	g.Go(func() error {
		return readInput(gctx, msgStore)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// ensureSignedIn reuses a persisted valid credential when one exists,
// otherwise signs in with the configured account.
func ensureSignedIn(ctx context.Context, cfg *config.Config, client *api.Client, store *creds.Store) (string, error) {
	if _, ok := store.Load(); ok {
		if username := store.Username(); username != "" {
			return username, nil
		}
	}

	if cfg.Username == "" || cfg.Password == "" {
		return "", fmt.Errorf("no valid session; set CHAT_USERNAME and CHAT_PASSWORD to sign in")
	}

	if err := client.SignIn(ctx, cfg.Username, cfg.Password); err != nil {
		return "", fmt.Errorf("signing in: %w", err)
	}

	return cfg.Username, nil
}

// readInput maps stdin lines to engine operations. Plain lines are
// sent as messages; commands start with a slash.
func readInput(ctx context.Context, store *chat.Store) error {
	fmt.Println("commands: /list /older /edit <id> <text> /delete <id> /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		switch {
		case line == "/quit":
			return nil

		case line == "/list":
			printEntries(store.Entries())

		case line == "/older":
			err = store.LoadOlder(ctx)
			if errors.Is(err, chaterr.ErrNoCursor) {
				err = nil
			}

		case strings.HasPrefix(line, "/edit "):
			var id int64
			var content string
			id, content, err = parseIDAndText(strings.TrimPrefix(line, "/edit "))
			if err == nil {
				err = store.Edit(ctx, id, content)
			}

		case strings.HasPrefix(line, "/delete "):
			var id int64
			id, err = strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "/delete ")), 10, 64)
			if err == nil {
				err = store.Delete(ctx, id)
			}

		default:
			err = store.Send(ctx, line)
		}

		if err != nil {
			if errors.Is(err, chaterr.ErrSignedOut) {
				return err
			}
			fmt.Printf("! %s\n", chaterr.ReasonOf(err))
		}
	}

	return scanner.Err()
}

func parseIDAndText(s string) (int64, string, error) {
	parts := strings.SplitN(strings.TrimSpace(s), " ", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("usage: /edit <id> <text>")
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid message id %q", parts[0])
	}

	return id, parts[1], nil
}

func printWireMessage(msg api.Message) {
	t := chat.ParseTimestamp(msg.CreatedAt)
	stamp := ""
	if !t.IsZero() {
		stamp = t.Local().Format("15:04") + " "
	}

	fmt.Printf("%s<%s> [%d] %s\n", stamp, msg.CreatedBy, msg.ID, msg.Content)
}

func printEntries(entries []chat.Entry) {
	for _, e := range entries {
		if e.IsHeader() {
			fmt.Printf("--- %s ---\n", e.Header.Label)
			continue
		}

		m := e.Message
		stamp := ""
		if !m.CreatedAt.IsZero() {
			stamp = m.CreatedAt.Local().Format("15:04") + " "
		}
		edited := ""
		if m.UpdatedAt != nil {
			edited = " (edited)"
		}
		fmt.Printf("%s<%s> [%d] %s%s\n", stamp, m.Author, m.ID, m.Content, edited)
	}
}
