package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/invariant-systems/chronicle/pkg/config"
	"github.com/invariant-systems/chronicle/pkg/frame"
	"github.com/invariant-systems/chronicle/pkg/receipt"
	"github.com/invariant-systems/chronicle/pkg/replay"
	"github.com/invariant-systems/chronicle/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "inspect":
		return runInspectCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: chronicle <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  verify    Recompute and check frame hashes and ordering for a session")
	fmt.Fprintln(w, "  inspect   Print a session's frames or an agent's receipt chain")
}

func openStore(cfg *config.Config, stderr io.Writer) (store.Store, func(), bool) {
	switch cfg.StoreBackend {
	case "sqlite":
		s, err := store.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			fmt.Fprintf(stderr, "open store: %v\n", err)
			return nil, nil, false
		}
		return s, func() { _ = s.Close() }, true
	case "postgres":
		s, err := store.OpenPostgresStore(cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(stderr, "open store: %v\n", err)
			return nil, nil, false
		}
		return s, func() { _ = s.Close() }, true
	default:
		fmt.Fprintf(stderr, "unsupported store backend: %s\n", cfg.StoreBackend)
		return nil, nil, false
	}
}

// runVerifyCmd re-validates a session's stored frames: content hashes,
// schema, and the ordering rules between consecutive frames.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sessionID := fs.String("session", "", "session id to verify")
	limit := fs.Int("limit", 0, "max frames to verify (0 = all)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *sessionID == "" {
		fmt.Fprintln(stderr, "verify: -session is required")
		return 2
	}

	cfg := config.Load()
	s, closeStore, ok := openStore(cfg, stderr)
	if !ok {
		return 1
	}
	defer closeStore()

	ctx := context.Background()
	frames, err := s.ListFrames(ctx, *sessionID, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	if len(frames) == 0 {
		fmt.Fprintf(stderr, "verify: no frames for session %s\n", *sessionID)
		return 1
	}

	engine := replay.NewEngine()
	var previous *frame.Frame
	for _, f := range frames {
		if _, err := engine.Run(replay.Request{Mode: replay.ModeVerify, Frame: f}); err != nil {
			fmt.Fprintf(stderr, "verify: frame %s: %v\n", f.Metadata.FrameID, err)
			return 1
		}
		if err := f.ValidateAgainstPrevious(previous); err != nil {
			fmt.Fprintf(stderr, "verify: frame %s: %v\n", f.Metadata.FrameID, err)
			return 1
		}
		previous = f
	}

	fmt.Fprintf(stdout, "session %s: %d frames verified\n", *sessionID, len(frames))
	return 0
}

// runInspectCmd prints frames for a session or the receipt chain for an
// agent, as JSON.
func runInspectCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sessionID := fs.String("session", "", "print frames for this session")
	agentID := fs.String("agent", "", "print the receipt chain for this agent")
	limit := fs.Int("limit", 0, "max entries (0 = all)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *sessionID == "" && *agentID == "" {
		fmt.Fprintln(stderr, "inspect: one of -session or -agent is required")
		return 2
	}

	cfg := config.Load()
	s, closeStore, ok := openStore(cfg, stderr)
	if !ok {
		return 1
	}
	defer closeStore()

	ctx := context.Background()
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	if *sessionID != "" {
		frames, err := s.ListFrames(ctx, *sessionID, *limit)
		if err != nil {
			fmt.Fprintf(stderr, "inspect: %v\n", err)
			return 1
		}
		for _, f := range frames {
			if err := enc.Encode(f); err != nil {
				fmt.Fprintf(stderr, "inspect: %v\n", err)
				return 1
			}
		}
		return 0
	}

	last, err := s.GetLastForAgent(ctx, *agentID)
	if err != nil {
		fmt.Fprintf(stderr, "inspect: %v\n", err)
		return 1
	}
	if last == nil {
		fmt.Fprintf(stderr, "inspect: no receipts for agent %s\n", *agentID)
		return 1
	}
	chain, err := receipt.ResolveChain(last, store.ChainResolver{Ctx: ctx, Store: s}, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "inspect: %v\n", err)
		return 1
	}
	for _, r := range chain {
		if err := enc.Encode(r); err != nil {
			fmt.Fprintf(stderr, "inspect: %v\n", err)
			return 1
		}
	}
	return 0
}

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}
