// Command vakta-chat is a terminal client for the Vakta tutoring service.
// It joins one conversation over a websocket, prints the assistant's reply
// as it streams, and announces synthesized speech instead of playing it.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/NaveenVaktaAi/vakta-go/internal/dotenv"
	"github.com/NaveenVaktaAi/vakta-go/pkg/avatar"
	"github.com/NaveenVaktaAi/vakta-go/pkg/history"
	vakta "github.com/NaveenVaktaAi/vakta-go/sdk"
)

func main() {
	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "vakta-chat: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseChatConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vakta-chat: %v\n", err)
		os.Exit(1)
	}

	if err := runChat(context.Background(), cfg, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "vakta-chat: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg chatConfig, errOut io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))
}

func runChat(ctx context.Context, cfg chatConfig, in io.Reader, out io.Writer, errOut io.Writer) error {
	if err := validateChatConfig(cfg); err != nil {
		return err
	}
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}

	logger := newLogger(cfg, errOut)
	opts := []vakta.ClientOption{
		vakta.WithLogger(logger),
		vakta.WithConnectTimeout(cfg.ConnectTimeout),
	}
	if cfg.Token != "" {
		opts = append(opts, vakta.WithToken(cfg.Token))
	}
	client := vakta.NewClient(cfg.BaseURL, opts...)

	var store *history.Store
	if cfg.HistoryPath != "" {
		var err error
		store, err = history.Open(cfg.HistoryPath)
		if err != nil {
			return fmt.Errorf("open history cache: %w", err)
		}
		defer store.Close()
		printRecentHistory(out, store, cfg.ConversationID)
	}

	renderer := avatar.SinkFunc(func(msg avatar.PlayMessage) {
		fmt.Fprintf(out, "\n[audio] %s (%d phoneme events)\n", msg.Payload.AudioURL, len(msg.Payload.Phonemes))
	})

	session, err := client.Chat.Connect(ctx, &vakta.ConnectRequest{
		ConversationID: cfg.ConversationID,
		Renderer:       renderer,
		History:        store,
		OnUsageLimit: func(n vakta.UsageLimitNotice) {
			fmt.Fprintf(errOut, "\n[limit] %s\n", n.Message)
		},
	})
	if err != nil {
		return err
	}
	defer session.Close()

	fmt.Fprintf(out, "Connected to %s, conversation %s\n", cfg.BaseURL, cfg.ConversationID)
	fmt.Fprintln(out, "Type /exit or /quit to stop, /state to inspect the session.")

	go printEvents(out, session)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(out)
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch line {
		case "/exit", "/quit":
			fmt.Fprintln(out, "bye")
			return nil
		case "/state":
			state := session.State()
			fmt.Fprintf(out, "status=%s typing=%v streaming=%v thinking=%q\n",
				state.ConnectionStatus, state.IsTyping, state.IsStreaming, state.ThinkingLabel)
			continue
		}

		err := session.Send(ctx, line, vakta.SendOptions{
			WantAudio:    cfg.WantAudio,
			LanguageCode: cfg.Language,
			Timezone:     cfg.Timezone,
		})
		if err != nil {
			fmt.Fprintf(errOut, "send error: %v\n", err)
		}
	}
}

func printEvents(out io.Writer, session *vakta.Session) {
	for event := range session.Events() {
		switch e := event.(type) {
		case vakta.StreamChunkEvent:
			fmt.Fprint(out, e.Chunk)
		case vakta.StreamEndEvent:
			fmt.Fprintln(out)
		case vakta.MessageEvent:
			if e.Message.Role != vakta.RoleUser {
				fmt.Fprintf(out, "[%s] %s\n", e.Message.Role, e.Message.Content)
			}
		case vakta.ThinkingEvent:
			if e.Label != "" {
				fmt.Fprintf(out, "[thinking] %s\n", e.Label)
			}
		case vakta.UsageLimitEvent:
			fmt.Fprintf(out, "\n[limit] %s\n", e.Notice.Message)
		case vakta.ErrorEvent:
			fmt.Fprintf(out, "\n[error] %s\n", e.Message)
		}
	}
}

func printRecentHistory(out io.Writer, store *history.Store, conversationID string) {
	msgs, err := store.Recent(conversationID, 10)
	if err != nil || len(msgs) == 0 {
		return
	}
	fmt.Fprintln(out, "--- recent history ---")
	for _, m := range msgs {
		fmt.Fprintf(out, "[%s] %s\n", m.Role, m.Content)
	}
	fmt.Fprintln(out, "----------------------")
}
