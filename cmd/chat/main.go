package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"parley/internal/client"
	"parley/internal/models"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "Websocket endpoint of the server")
	token := flag.String("token", os.Getenv("PARLEY_TOKEN"), "Identity token (defaults to $PARLEY_TOKEN)")
	flag.Parse()

	if *token == "" {
		fmt.Println("Usage: chat -token <token> [-url ws://host:port/ws]")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if err := run(ctx, *url, *token, os.Stdin, os.Stdout, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, url, token string, in io.Reader, out io.Writer, log *slog.Logger) error {
	c := client.NewController(ctx, client.Config{URL: url, Token: token}, log)

	c.OnState(func(s client.State) {
		fmt.Fprintf(out, "* %s\n", s)
	})
	c.On(models.ServerMessageTypeMessage, func(m models.ServerMessage) {
		fmt.Fprintln(out, formatMessage(m.Message))
	})
	c.On(models.ServerMessageTypeStatusChanged, func(m models.ServerMessage) {
		fmt.Fprintf(out, "* %s is %s\n", m.Status.MessageID, m.Status.Status)
	})
	c.On(models.ServerMessageTypeTypingChanged, func(m models.ServerMessage) {
		if m.Typing.IsTyping {
			fmt.Fprintf(out, "* %s is typing\n", m.Typing.Sender)
		}
	})
	c.On(models.ServerMessageTypeError, func(m models.ServerMessage) {
		fmt.Fprintf(out, "! %s: %s\n", m.Error.Code, m.Error.Message)
	})

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.Close()
			return nil
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				_ = c.Close()
				return <-runErr
			}
			cmd, err := parseLine(line)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			if cmd == nil {
				continue
			}
			if err := c.Send(cmd); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

var errUsage = errors.New("use @user text, #group text, /read <message id> or /typing @user|#group")

// parseLine turns one input line into an outbound event. Blank lines yield nil.
func parseLine(line string) (models.Inbound, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	if rest, ok := strings.CutPrefix(line, "/read "); ok {
		id := strings.TrimSpace(rest)
		if id == "" {
			return nil, errUsage
		}
		return models.ReadReceipt{MessageID: models.MessageID(id)}, nil
	}
	if rest, ok := strings.CutPrefix(line, "/typing "); ok {
		target, _, err := parseTarget(strings.TrimSpace(rest))
		if err != nil {
			return nil, err
		}
		return models.SetTyping{Target: target, IsTyping: true}, nil
	}

	target, text, err := parseTarget(line)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, errUsage
	}
	return models.SendMessage{Target: target, Kind: models.PayloadKindText, Content: text}, nil
}

func parseTarget(s string) (models.Target, string, error) {
	name, text, _ := strings.Cut(s, " ")
	text = strings.TrimSpace(text)
	switch {
	case len(name) > 1 && name[0] == '@':
		return models.Target{User: models.Identity(name[1:])}, text, nil
	case len(name) > 1 && name[0] == '#':
		return models.Target{Group: models.GroupID(name[1:])}, text, nil
	}
	return models.Target{}, "", errUsage
}

func formatMessage(m *models.Message) string {
	body := m.Content
	if m.FileRef != "" {
		body = strings.TrimSpace(fmt.Sprintf("[%s %s] %s", m.Kind, m.FileRef, m.Content))
	}
	return fmt.Sprintf("[%s] %s -> %s: %s (%s)", m.ID, m.Sender, m.Target, body, m.Status)
}
