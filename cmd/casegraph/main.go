// Command casegraph is a CLI for ingesting case documents and querying the
// resulting graph.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/casegraph-dev/casegraph"
	"github.com/casegraph-dev/casegraph/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	caseID := flag.String("case", "", "Case ID (required)")
	profile := flag.String("profile", "", "Profile name (default generic)")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	cfg := casegraph.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}

	// Override from environment variables.
	if v := os.Getenv("CASEGRAPH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CASEGRAPH_CHAT_BASE_URL"); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv("CASEGRAPH_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("CASEGRAPH_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("CASEGRAPH_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if cfg.Chat.APIKey == "" && cfg.Chat.Provider == "openai" {
		cfg.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == "openai" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	if *caseID == "" {
		fmt.Fprintln(os.Stderr, "error: -case is required")
		os.Exit(2)
	}

	engine, err := casegraph.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, engine, *caseID, *profile, args); err != nil {
		slog.Error("command failed", "command", args[0], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, engine casegraph.Engine, caseID, profile string, args []string) error {
	switch args[0] {
	case "ingest":
		if len(args) < 2 {
			return fmt.Errorf("usage: ingest <file> [file...]")
		}
		for _, path := range args[1:] {
			res, err := engine.IngestFile(ctx, caseID, path,
				casegraph.WithProfile(profile))
			if err != nil {
				return err
			}
			printJSON(res)
		}
		return nil

	case "ask":
		if len(args) < 2 {
			return fmt.Errorf("usage: ask <question>")
		}
		answer, err := engine.Ask(ctx, caseID, args[1], profile)
		if err != nil {
			return err
		}
		fmt.Println(answer.Text)
		for i, s := range answer.Sources {
			fmt.Printf("  [%d] %s\n", i+1, s.Filename)
		}
		return nil

	case "merges":
		candidates, err := engine.SuggestMerges(ctx, caseID, profile)
		if err != nil {
			return err
		}
		printJSON(candidates)
		return nil

	case "accept-merge":
		if len(args) != 3 {
			return fmt.Errorf("usage: accept-merge <into-key> <from-key>")
		}
		return engine.AcceptMerge(ctx, caseID, args[1], args[2])

	case "reject-merge":
		if len(args) != 3 {
			return fmt.Errorf("usage: reject-merge <key1> <key2>")
		}
		return engine.RejectMerge(ctx, caseID, args[1], args[2], os.Getenv("USER"))

	case "timeline":
		fs := flag.NewFlagSet("timeline", flag.ContinueOnError)
		from := fs.String("from", "", "Inclusive start date (YYYY-MM-DD)")
		to := fs.String("to", "", "Inclusive end date (YYYY-MM-DD)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		events, err := engine.Timeline(ctx, caseID, store.TimelineFilter{From: *from, To: *to})
		if err != nil {
			return err
		}
		printJSON(events)
		return nil

	case "documents":
		docs, err := engine.ListDocuments(ctx, caseID)
		if err != nil {
			return err
		}
		printJSON(docs)
		return nil

	case "summary":
		sum, err := engine.Summary(ctx, caseID)
		if err != nil {
			return err
		}
		printJSON(sum)
		return nil

	default:
		usage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: casegraph -case <id> [-profile <name>] <command>

commands:
  ingest <file>...              ingest documents into the case
  ask <question>                answer a question from the case
  merges                        list duplicate-entity merge candidates
  accept-merge <into> <from>    merge two entities
  reject-merge <key1> <key2>    permanently reject a merge suggestion
  timeline [-from d] [-to d]    derived chronological events
  documents                     list ingested documents
  summary                       case graph counts`)
}
