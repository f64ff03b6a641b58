package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/yadb-io/yadb/core/database"
	"github.com/yadb-io/yadb/pkg/logger"
	"github.com/yadb-io/yadb/pkg/telemetry"
)

var (
	dbPath      = flag.String("db", "yadb.db", "Path to the database file, created when missing.")
	pageSize    = flag.Uint64("page-size", 0, "Page size for a new database file (0 = default).")
	order       = flag.Int("order", 0, "Tree order for a new database file (0 = default).")
	logLevel    = flag.String("log-level", "warn", "Minimum log level: debug, info, warn, error.")
	metricsPort = flag.Int("metrics-port", 0, "Expose Prometheus metrics on this port (0 = disabled).")
)

func main() {
	flag.Parse()

	zlog, err := logger.New(logger.Config{
		Level:      *logLevel,
		Format:     "console",
		OutputFile: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()

	_, shutdownTelemetry, err := telemetry.New(telemetry.Config{
		Enabled:        *metricsPort > 0,
		ServiceName:    "yadb-cli",
		PrometheusPort: *metricsPort,
	})
	if err != nil {
		zlog.Fatal("failed to set up telemetry", zap.Error(err))
	}
	defer shutdownTelemetry(context.Background())

	db, err := database.Open(database.Options{
		Path:     *dbPath,
		PageSize: *pageSize,
		Order:    *order,
		Logger:   zlog,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", *dbPath, err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()

	// One-shot mode: a command on the command line runs once and exits.
	if args := flag.Args(); len(args) > 0 {
		processCommand(ctx, db, args)
		return
	}

	fmt.Printf("YADB CLI on %s. Type 'help' for commands, 'exit' to leave.\n", *dbPath)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "yadb> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".yadb_cli_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("put"),
			readline.PcItem("get"),
			readline.PcItem("delete"),
			readline.PcItem("scan"),
			readline.PcItem("clear"),
			readline.PcItem("stats"),
			readline.PcItem("sync"),
			readline.PcItem("backup"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start interactive mode: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		args := strings.Fields(strings.TrimSpace(line))
		if len(args) == 0 {
			continue
		}
		if !processCommand(ctx, db, args) {
			break
		}
	}
	fmt.Println("Exiting YADB CLI.")
}

// processCommand handles a single command, either from args or interactive
// mode. It returns false when the session should end.
func processCommand(ctx context.Context, db *database.DB, args []string) bool {
	switch strings.ToLower(args[0]) {
	case "put":
		if len(args) < 3 {
			fmt.Println("Error: put command requires a key and a value.")
			return true
		}
		value := strings.Join(args[2:], " ")
		if err := db.Put(ctx, []byte(args[1]), []byte(value)); err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Println("OK")

	case "get":
		if len(args) < 2 {
			fmt.Println("Error: get command requires a key.")
			return true
		}
		value, err := db.Get(ctx, []byte(args[1]))
		if errors.Is(err, database.ErrKeyNotFound) {
			fmt.Println("(not found)")
			return true
		}
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Println(string(value))

	case "delete":
		if len(args) < 2 {
			fmt.Println("Error: delete command requires a key.")
			return true
		}
		if err := db.Delete(ctx, []byte(args[1])); err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Println("OK")

	case "scan":
		var start, end []byte
		if len(args) > 1 {
			start = []byte(args[1])
		}
		if len(args) > 2 {
			end = []byte(args[2])
		}
		count := 0
		err := db.Scan(ctx, start, end, func(key, value []byte) bool {
			fmt.Printf("%s = %s\n", key, value)
			count++
			return true
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Printf("(%d entries)\n", count)

	case "clear":
		if err := db.Clear(ctx); err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Println("OK")

	case "stats":
		stats, err := db.Stats()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Printf("Path:       %s\n", stats.Path)
		fmt.Printf("Page size:  %d bytes\n", stats.PageSize)
		fmt.Printf("Pages:      %d (%d free)\n", stats.PageCount, stats.FreePages)
		fmt.Printf("Entries:    %d\n", stats.Entries)
		fmt.Printf("Root page:  %d\n", stats.RootPage)
		fmt.Printf("Tree order: %d\n", stats.Order)

	case "sync":
		if err := db.Sync(ctx); err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Println("OK")

	case "backup":
		if len(args) < 2 {
			fmt.Println("Error: backup command requires a destination path.")
			return true
		}
		if err := db.Backup(ctx, args[1], 0); err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Printf("Backed up to %s\n", args[1])

	case "help":
		fmt.Println("Commands:")
		fmt.Println("  put <key> <value>     store a value under a key")
		fmt.Println("  get <key>             print the value for a key")
		fmt.Println("  delete <key>          remove a key")
		fmt.Println("  scan [start] [end]    list entries, optionally bounded (end exclusive)")
		fmt.Println("  clear                 remove every entry")
		fmt.Println("  stats                 show file and tree counters")
		fmt.Println("  sync                  flush everything to disk")
		fmt.Println("  backup <path>         write a consistent snapshot to a file")
		fmt.Println("  help                  show this text")
		fmt.Println("  exit / quit           leave")

	case "exit", "quit":
		return false

	default:
		fmt.Println("Error: Unknown command. Type 'help' for a list of commands.")
	}
	return true
}
