// Command relaychat is the terminal chat client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/aeolun/relaychat/pkg/client"
	"github.com/aeolun/relaychat/pkg/client/ui"
	"github.com/aeolun/relaychat/pkg/remote"
	"github.com/aeolun/relaychat/pkg/session"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
)

var Version = "dev"

const defaultRelay = "localhost:8080"

func main() {
	relayFlag := flag.String("relay", "", "Relay address (host:port or ws:// URL), remembered for next time")
	password := flag.String("password", os.Getenv("RELAYCHAT_PASSWORD"), "Relay password")
	name := flag.String("name", "", "Display name, remembered for next time")
	statePath := flag.String("state", "", "Path to the state database")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("relaychat %s\n", Version)
		return
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	if *statePath == "" {
		path, err := defaultStatePath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		*statePath = path
	}

	state, err := client.OpenState(*statePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		os.Exit(1)
	}
	defer state.Close()

	// The terminal belongs to the UI, so everything goes to client.log
	logFile, err := tea.LogToFile(filepath.Join(state.GetStateDir(), "client.log"), "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := log.Default()

	if *name != "" {
		if err := state.SetDisplayName(*name); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid display name: %v\n", err)
			os.Exit(1)
		}
	}

	addr, err := relayAddress(state, *relayFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	conn, err := remote.New(remote.Options{
		URL:        addr,
		Identity:   state,
		Password:   *password,
		ClientName: "relaychat/" + Version,
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create client: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	// Without a display name the first dial waits for the name prompt
	var initialConnErr error
	if state.Identity().Valid() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		initialConnErr = conn.Connect(ctx)
		cancel()
		if initialConnErr != nil {
			logger.Printf("Initial connection to %s failed: %v", conn.URL(), initialConnErr)
		}
	}

	ctrl := session.NewController(conn, state, logger)
	ctrl.SetCatalog(conn)
	defer ctrl.Close()

	model := ui.NewModel(ctrl, state, conn.URL(), logger, initialConnErr)
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		logger.Printf("UI error: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// defaultStatePath follows XDG_DATA_HOME, falling back to ~/.local/share
func defaultStatePath() (string, error) {
	xdgData := os.Getenv("XDG_DATA_HOME")
	if xdgData == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		xdgData = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(xdgData, "relaychat", "state.db"), nil
}

// relayAddress picks the flag, then the remembered address, then the
// default. An address given on the command line is saved.
func relayAddress(state *client.State, fromFlag string) (string, error) {
	raw := fromFlag
	if raw == "" {
		raw = state.GetRelayAddress()
	}
	if raw == "" {
		raw = defaultRelay
	}
	addr, err := remote.NormalizeURL(raw)
	if err != nil {
		return "", err
	}
	if fromFlag != "" {
		if err := state.SetRelayAddress(addr); err != nil {
			return "", fmt.Errorf("failed to save relay address: %w", err)
		}
	}
	return addr, nil
}
