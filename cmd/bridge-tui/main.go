// Command bridge-tui is a terminal status viewer for a running bridge.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/whatsapp-addon/bridge/internal/tui/app"
	"github.com/whatsapp-addon/bridge/internal/tui/client"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var wsURL, token, logOutput string

	flagSet := pflag.NewFlagSet("bridge-tui", pflag.ContinueOnError)
	flagSet.StringVar(&wsURL, "url", "ws://127.0.0.1:3000/ws", "status feed URL of the bridge")
	flagSet.StringVar(&token, "token", "", "auth token, if the bridge requires one")
	flagSet.StringVar(&logOutput, "log-output", "", "write debug logs to this file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// The terminal belongs to the UI, so logs go to a file or nowhere.
	logger := slog.New(slog.DiscardHandler)
	if logOutput != "" {
		f, err := os.OpenFile(logOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("opening log output: %w", err)
		}
		defer f.Close()
		logger = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	ws := client.NewWSClient(wsURL, token, logger)
	defer ws.Close()
	httpClient := client.NewHTTPClient(client.DeriveHTTPBase(wsURL), token)

	p := tea.NewProgram(app.New(ws, httpClient), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
