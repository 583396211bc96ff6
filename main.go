package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	logs "github.com/danmuck/smplog"
	"golang.org/x/sync/errgroup"

	"github.com/goyalg325/agency/agency"
	"github.com/goyalg325/agency/api"
	"github.com/goyalg325/agency/config"
	"github.com/goyalg325/agency/logging"
	"github.com/goyalg325/agency/node"
)

// Command-line parameters. Server flags override the config file.
var (
	configPath = flag.String("config", "", "Path to a YAML or TOML config file")
	id         = flag.String("id", "", "Member ID")
	listen     = flag.String("listen", "", "Address to listen on (default: own member endpoint)")
	membersArg = flag.String("members", "", "Comma-separated member table, id=host:port")
	dataDir    = flag.String("datadir", "", "Directory to store the log and state")
	inMemory   = flag.Bool("inmemory", false, "Keep the log in memory only")
	noop       = flag.Bool("noop", false, "Append a no-op entry on winning an election")
	logLevel   = flag.String("loglevel", "", "Log level (debug, info, warn, error)")
	logFormat  = flag.String("logformat", "", "Log format (console, json)")

	clientMode = flag.Bool("client", false, "Run in client mode")
	endpoints  = flag.String("endpoints", "localhost:8531,localhost:8532,localhost:8533", "Comma-separated member endpoints for client mode")
	operation  = flag.String("op", "", "Operation to perform (write, read, config, state, members)")
	data       = flag.String("data", "", "JSON array of operations or queries, or a member table for members")
	mode       = flag.String("mode", "", "Ack mode for writes (noWait, waitForCommitted)")
	timeout    = flag.Duration("timeout", 10*time.Second, "Client request timeout")
)

// statusInterval is how often a running member logs its view of the agency
const statusInterval = 30 * time.Second

func main() {
	flag.Parse()

	// Client mode
	if *clientMode {
		logs.Configure(logs.DefaultConfig())
		if err := runClient(); err != nil {
			logs.Fatalf(err, "request failed")
		}
		return
	}

	// Server mode
	if err := runServer(); err != nil {
		fmt.Fprintf(os.Stderr, "agency: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies flag overrides
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}

	if *id != "" {
		cfg.ID = *id
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *membersArg != "" {
		members, err := parseMembers(*membersArg)
		if err != nil {
			return cfg, err
		}
		cfg.Members = members
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *inMemory {
		cfg.InMemory = true
	}
	if *noop {
		cfg.ElectionNoop = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	return cfg, cfg.Validate()
}

// runServer runs one member until SIGINT or SIGTERM
func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}

	n, err := node.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Run(gctx)
	})
	g.Go(func() error {
		statusLog := logging.Component(logger, "status", cfg.ID)
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				view := n.Agency().Config()
				statusLog.Info().
					Uint64("term", view.Term).
					Str("leader", view.LeaderID).
					Uint64("commitIndex", view.CommitIndex).
					Uint64("lastApplied", view.LastApplied).
					Msg("status")
			}
		}
	})
	return g.Wait()
}

// runClient performs one operation against the agency
func runClient() error {
	eps := splitList(*endpoints)
	if len(eps) == 0 {
		return fmt.Errorf("no endpoints given (-endpoints=host:port,...)")
	}
	ackMode, err := agency.ParseAckMode(*mode)
	if err != nil {
		return err
	}

	opts := api.DefaultClientOptions()
	opts.RequestTimeout = *timeout
	client := api.NewClient(eps, opts)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *operation {
	case "write":
		batch, err := parseBatch(*data)
		if err != nil {
			return err
		}
		indices, err := client.Write(ctx, batch, ackMode)
		if err != nil {
			return err
		}
		if ackMode == agency.AckNoWait {
			logs.Infof("Write sent (%d operations)", len(batch))
			return nil
		}
		logs.Infof("Write accepted at indices %v", indices)

	case "read":
		queries, err := parseBatch(*data)
		if err != nil {
			return err
		}
		results, err := client.Read(ctx, queries)
		if err != nil {
			return err
		}
		for i, r := range results {
			logs.DataKV(string(queries[i]), string(r))
		}

	case "config":
		cfg, err := client.Config(ctx)
		if err != nil {
			return err
		}
		logs.Titlef("Member %s\n", cfg.Configuration.SelfID)
		logs.DataKV("term", fmt.Sprint(cfg.Term))
		logs.DataKV("leader", cfg.LeaderID)
		logs.DataKV("commitIndex", fmt.Sprint(cfg.Configuration.CommitIndex))
		logs.DataKV("lastApplied", fmt.Sprint(cfg.Configuration.LastApplied))
		ids := make([]string, 0, len(cfg.Configuration.Members))
		for memberID := range cfg.Configuration.Members {
			ids = append(ids, memberID)
		}
		sort.Strings(ids)
		for _, memberID := range ids {
			logs.DataKV(memberID, cfg.Configuration.Members[memberID])
		}

	case "state":
		entries, err := client.State(ctx)
		if err != nil {
			return err
		}
		logs.Titlef("Log (%d entries)\n", len(entries))
		for _, e := range entries {
			logs.Printf("%6d  term %-4d %-8s %s\n", e.Index, e.Term, e.Leader, e.Query)
		}

	case "members":
		members, err := parseMembers(*data)
		if err != nil {
			return err
		}
		indices, err := client.ChangeMembership(ctx, members, ackMode)
		if err != nil {
			return err
		}
		logs.Infof("Membership change accepted at %v", indices)

	case "":
		return fmt.Errorf("operation is required (-op=write|read|config|state|members)")

	default:
		return fmt.Errorf("unknown operation: %s", *operation)
	}
	return nil
}

// parseBatch parses a JSON array given on the command line
func parseBatch(s string) ([]json.RawMessage, error) {
	if s == "" {
		return nil, fmt.Errorf("data is required (-data='[...]')")
	}
	var batch []json.RawMessage
	if err := json.Unmarshal([]byte(s), &batch); err != nil {
		return nil, fmt.Errorf("data must be a JSON array: %w", err)
	}
	return batch, nil
}

// parseMembers parses "n1=host:port,n2=host:port"
func parseMembers(s string) (map[string]string, error) {
	members := make(map[string]string)
	for _, item := range splitList(s) {
		memberID, endpoint, ok := strings.Cut(item, "=")
		if !ok || memberID == "" || endpoint == "" {
			return nil, fmt.Errorf("invalid member %q, want id=host:port", item)
		}
		if _, dup := members[memberID]; dup {
			return nil, fmt.Errorf("member %s listed twice", memberID)
		}
		members[memberID] = endpoint
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("member table is empty")
	}
	return members, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
