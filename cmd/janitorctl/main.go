package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultServer = "http://localhost:8081"

type cliConfig struct {
	server     string
	jsonOutput bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	client := NewAPIClient(cfg.server)
	ctx := context.Background()

	switch command {
	case "queue":
		err = runQueue(ctx, client, cfg, args)
	case "run":
		err = runGetRun(ctx, client, cfg, args)
	case "kill":
		err = runKill(ctx, client, args)
	case "mps":
		err = runMergeProposals(ctx, client, cfg, args)
	case "blockers":
		err = runBlockers(ctx, client, cfg, args)
	case "policy":
		err = runPolicy(ctx, client, cfg, args)
	case "rate-limits":
		err = runRateLimits(ctx, client, cfg, args)
	case "version":
		fmt.Printf("janitorctl %s (commit: %s, built: %s)\n", version, commit, date)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{server: os.Getenv("JANITOR_SERVER")}
	if cfg.server == "" {
		cfg.server = defaultServer
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}
	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: janitorctl [--server <url>] [--json] <command>

Commands:
  queue                        List pending queue items (runner admin surface)
  run <log_id>                 Show a finished run's record
  kill <log_id>                Abort an active run
  mps [--campaign <name>]      List merge proposals (publisher admin surface)
  blockers <log_id>            Show why a run's result is blocked from publishing
  policy get <name>            Show a publish policy
  policy set <name> <mode> <bucket>
                                Set a publish policy
  rate-limits                  Show the publisher's rate limit state
`)
}

func runQueue(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: janitorctl queue")
	}
	items, err := client.Queue(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, items)
	}
	headers := []string{"LOG ID", "CODEBASE", "CAMPAIGN", "BUCKET", "POSITION"}
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{it.LogID, it.Codebase, it.Campaign, it.Bucket, strconv.Itoa(it.Position)})
	}
	RenderTable(os.Stdout, headers, rows)
	return nil
}

func runGetRun(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: janitorctl run <log_id>")
	}
	run, err := client.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, run)
	}
	RenderTable(os.Stdout, []string{"LOG ID", "CODEBASE", "CAMPAIGN", "RESULT"},
		[][]string{{run.LogID, run.Codebase, run.Campaign, run.ResultCode}})
	return nil
}

func runKill(ctx context.Context, client *APIClient, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: janitorctl kill <log_id>")
	}
	if err := client.Kill(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("killed %s\n", args[0])
	return nil
}

func runMergeProposals(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	campaign := ""
	for i := 0; i < len(args); i++ {
		if args[i] == "--campaign" && i+1 < len(args) {
			campaign = args[i+1]
			i++
		}
	}
	mps, err := client.MergeProposals(ctx, campaign)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, mps)
	}
	headers := []string{"URL", "CODEBASE", "STATUS", "REVISION"}
	rows := make([][]string, 0, len(mps))
	for _, mp := range mps {
		rows = append(rows, []string{Truncate(mp.URL, 50), mp.Codebase, mp.Status, Truncate(mp.Revision, 12)})
	}
	RenderTable(os.Stdout, headers, rows)
	return nil
}

func runBlockers(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: janitorctl blockers <log_id>")
	}
	blockers, err := client.Blockers(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, blockers)
	}
	if len(blockers) == 0 {
		fmt.Println("no blockers: ready to publish")
		return nil
	}
	for role, reasons := range blockers {
		fmt.Printf("%s:\n", role)
		for _, r := range reasons {
			fmt.Printf("  - %s\n", r)
		}
	}
	return nil
}

func runPolicy(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: janitorctl policy get|set <name> [mode] [bucket]")
	}
	switch args[0] {
	case "get":
		p, err := client.GetPolicy(ctx, args[1])
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, p)
		}
		RenderTable(os.Stdout, []string{"NAME", "MODE", "FREQUENCY", "BUCKET"},
			[][]string{{p.Name, p.Mode, strconv.FormatInt(p.Frequency, 10), p.RateLimitBucket}})
		return nil
	case "set":
		if len(args) != 4 {
			return fmt.Errorf("usage: janitorctl policy set <name> <mode> <bucket>")
		}
		return client.PutPolicy(ctx, Policy{Name: args[1], Mode: args[2], RateLimitBucket: args[3]})
	default:
		return fmt.Errorf("usage: janitorctl policy get|set <name> [mode] [bucket]")
	}
}

func runRateLimits(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: janitorctl rate-limits")
	}
	stats, err := client.RateLimits(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, stats)
	}
	fmt.Printf("pushes_allowed_now: %t\n", stats.PushesAllowedNow)
	return nil
}
