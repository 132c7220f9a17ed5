// Package main implements the CLI client for the replicated KV service.
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
	"strings"
	"time"

	apppkg "github.com/i-melnichenko/bft-lab/internal/app"
	"github.com/i-melnichenko/bft-lab/internal/service"
)

const usage = `Usage:
  client [flags] get <key>
  client [flags] get-batch [--in <file|->]
  client [flags] put <key> <value>
  client [flags] put-batch [--in <file|->]
  client [flags] delete <key>
  client [flags] delete-batch [--in <file|->]
  client [flags] echo <text>
  client [flags] admin

Every command except admin runs one BFT client: requests are signed,
broadcast to all replicas, and answered once f+1 replicas agree.
 - get-batch reads many keys with one long-lived client (one key per line)
 - put-batch writes many key/value pairs with one long-lived client (TSV: key<TAB>value)
 - delete-batch deletes many keys with one long-lived client (one key per line)
 - admin polls each replica's admin endpoint and renders a live table

Cluster membership, keys, and the client id come from APP_* variables or
the YAML file named by APP_CONFIG_FILE (see the replica process).

Flags:
  --replicas  Comma-separated replica addresses, overrides APP_REPLICAS
  --id        Client id, overrides APP_CLIENT_ID
  --listen    Address replicas reply to (default 127.0.0.1:0)
  --timeout   Request timeout (default 5s)
`

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	replicas := flag.String("replicas", "", "comma-separated replica addresses")
	clientID := flag.Uint64("id", 0, "client id")
	listen := flag.String("listen", "127.0.0.1:0", "address replicas reply to")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Usage = func() { _, _ = fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("subcommand required: get | get-batch | put | put-batch | delete | delete-batch | echo | admin")
	}

	cfg, err := apppkg.LoadConfig()
	if err != nil {
		return err
	}
	if *replicas != "" {
		cfg.Replicas = splitAddrs(*replicas)
	}
	if *clientID != 0 {
		cfg.ClientID = *clientID
	}
	logger := newLogger(cfg.LogLevel)

	if args[0] == "admin" {
		if len(args) != 1 {
			return fmt.Errorf("usage: admin")
		}
		return cmdAdmin(cfg.Replicas, *timeout)
	}

	cmd, err := parseCommand(args)
	if err != nil {
		flag.Usage()
		return err
	}
	s, err := openSession(cfg, cfg.ClientID, *listen, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	return cmd(s, *timeout)
}

type command func(s *session, timeout time.Duration) error

func parseCommand(args []string) (command, error) {
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return nil, fmt.Errorf("usage: get <key>")
		}
		return func(s *session, timeout time.Duration) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return cmdGet(ctx, s.kv, args[1])
		}, nil

	case "put":
		if len(args) != 3 {
			return nil, fmt.Errorf("usage: put <key> <value>")
		}
		return func(s *session, timeout time.Duration) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := s.kv.Put(ctx, args[1], args[2]); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		}, nil

	case "delete":
		if len(args) != 2 {
			return nil, fmt.Errorf("usage: delete <key>")
		}
		return func(s *session, timeout time.Duration) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			existed, err := s.kv.Delete(ctx, args[1])
			if err != nil {
				return err
			}
			if !existed {
				fmt.Printf("(not found) %s\n", args[1])
				return nil
			}
			fmt.Println("ok")
			return nil
		}, nil

	case "echo":
		if len(args) != 2 {
			return nil, fmt.Errorf("usage: echo <text>")
		}
		return func(s *session, timeout time.Duration) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			out, err := s.client.Invoke(ctx, []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}, nil

	case "get-batch", "put-batch", "delete-batch":
		fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		inPath := fs.String("in", "-", "input path, use - for stdin")
		if err := fs.Parse(args[1:]); err != nil || fs.NArg() != 0 {
			return nil, fmt.Errorf("usage: %s [--in <file|->]", args[0])
		}
		op := batchOps[args[0]]
		return func(s *session, timeout time.Duration) error {
			return cmdBatch(s.kv, timeout, *inPath, op)
		}, nil

	default:
		return nil, fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func cmdGet(ctx context.Context, kv *service.KV, key string) error {
	value, found, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		fmt.Printf("(not found) %s\n", key)
		return nil
	}
	fmt.Printf("%s = %s\n", key, value)
	return nil
}

// batchOp runs one input line and returns the status and extra output column.
type batchOp func(ctx context.Context, kv *service.KV, line string) (key, status, extra string, err error)

var batchOps = map[string]batchOp{
	"get-batch": func(ctx context.Context, kv *service.KV, line string) (string, string, string, error) {
		key := strings.TrimSpace(line)
		value, found, err := kv.Get(ctx, key)
		if err != nil {
			return key, "", "", err
		}
		if !found {
			return key, "notfound", "0", nil
		}
		return key, "ok", fmt.Sprint(len(value)), nil
	},
	"put-batch": func(ctx context.Context, kv *service.KV, line string) (string, string, string, error) {
		key, value, ok := strings.Cut(line, "\t")
		if !ok {
			return "", "", "", errInvalidTSV
		}
		return key, "ok", "", kv.Put(ctx, key, value)
	},
	"delete-batch": func(ctx context.Context, kv *service.KV, line string) (string, string, string, error) {
		key := strings.TrimSpace(line)
		existed, err := kv.Delete(ctx, key)
		if err == nil && !existed {
			return key, "notfound", "", nil
		}
		return key, "ok", "", err
	},
}

var errInvalidTSV = errors.New("invalid_tsv_line")

// cmdBatch runs op for every non-empty input line and prints one TSV result
// line per input: status, sequence, latency in microseconds, key, extra.
func cmdBatch(kv *service.KV, timeout time.Duration, inPath string, op batchOp) error {
	var r io.Reader = os.Stdin
	if inPath != "-" {
		// #nosec G304 -- CLI intentionally reads a user-provided local input file.
		f, err := os.Open(inPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	scanner := bufio.NewScanner(r)
	seq := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		seq++
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		key, status, extra, err := op(ctx, kv, line)
		cancel()
		us := time.Since(start).Microseconds()

		switch {
		case err == nil:
			fmt.Printf("%s\t%d\t%d\t%s\t%s\n", status, seq, us, key, extra)
		case errors.Is(err, service.ErrInvokeTimeout), errors.Is(err, context.DeadlineExceeded):
			fmt.Printf("timeout\t%d\t%d\t%s\t%s\n", seq, us, key, oneLineErr(err))
		default:
			fmt.Printf("err\t%d\t%d\t%s\t%s\n", seq, us, key, oneLineErr(err))
		}
	}
	return scanner.Err()
}

func newLogger(level string) *slog.Logger {
	l := slog.LevelWarn
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func oneLineErr(err error) string {
	if err == nil {
		return ""
	}
	return strings.ReplaceAll(err.Error(), "\n", " ")
}

func splitAddrs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
