// Command mp4decrypt decrypts CENC and CBCS protected MP4 files.
//
//	mp4decrypt [-key KID:KEY]... [-keys keys.yaml] [-workers N] [-v] input output [input output]...
//
// Inputs may be local paths or http(s) URLs.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"mp4decrypt-go/pkg/config"
	"mp4decrypt-go/pkg/crypto"
	"mp4decrypt-go/pkg/httpclient"
	"mp4decrypt-go/pkg/logging"
	"mp4decrypt-go/pkg/services"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "mp4decrypt:", err)
		os.Exit(1)
	}
}

type options struct {
	keys          keyFlags
	keyFile       string
	fragmentsInfo string
	workers       int
	verbose       bool
	info          bool
	files         []string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("mp4decrypt", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Var(&opts.keys, "key", "`KID:KEY` pair in hex, may be repeated or comma separated")
	fs.StringVar(&opts.keyFile, "keys", "", "YAML `file` mapping key ids to keys")
	fs.StringVar(&opts.fragmentsInfo, "fragments-info", "", "init segment `file` for inputs that are bare media segments")
	fs.IntVar(&opts.workers, "workers", 0, "number of files decrypted at once (default from DECRYPT_WORKERS)")
	fs.BoolVar(&opts.verbose, "v", false, "debug logging")
	fs.BoolVar(&opts.info, "info", false, "print the top-level boxes of every output")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: mp4decrypt [flags] input output [input output]...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	opts.files = fs.Args()
	if len(opts.files) == 0 || len(opts.files)%2 != 0 {
		fs.Usage()
		return nil, fmt.Errorf("expected input and output file pairs, got %d arguments", len(opts.files))
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg := config.Load()
	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	log := logging.New(level, cfg.LogJSON, stderr).WithComponent("cli")

	pairs, err := collectKeys(opts)
	if err != nil {
		return err
	}
	keys, err := crypto.NewKeyMap(pairs)
	if err != nil {
		return err
	}
	log.Debug("keys loaded", "key_ids", keys.String())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	var initSegment []byte
	if opts.fragmentsInfo != "" {
		if initSegment, err = os.ReadFile(opts.fragmentsInfo); err != nil {
			return err
		}
	}

	client := httpclient.New(cfg, log)
	inputs := make([][]byte, 0, len(opts.files)/2)
	for i := 0; i < len(opts.files); i += 2 {
		data, err := readInput(ctx, client, opts.files[i])
		if err != nil {
			return fmt.Errorf("%s: %w", opts.files[i], err)
		}
		if initSegment != nil {
			data = append(append(make([]byte, 0, len(initSegment)+len(data)), initSegment...), data...)
		}
		inputs = append(inputs, data)
	}

	workers := opts.workers
	if workers <= 0 {
		workers = cfg.DecryptWorkers
	}
	svc := services.NewDecryptService(log, workers)

	start := time.Now()
	outputs, err := svc.DecryptAll(ctx, inputs, pairs)
	if err != nil {
		return err
	}
	log.LogMemStats()

	for i, out := range outputs {
		// Decryption keeps sizes, so the init segment occupies the same
		// leading bytes of the output.
		out = out[len(initSegment):]
		name := opts.files[2*i+1]
		if err := os.WriteFile(name, out, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s -> %s (%s)\n", opts.files[2*i], name, humanize.IBytes(uint64(len(out))))
		if opts.info {
			if err := printBoxes(stdout, out); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	stats := svc.Stats()
	fmt.Fprintf(stdout, "decrypted %d file(s), %s in %s\n",
		stats.Completed, humanize.IBytes(stats.BytesOut), time.Since(start).Round(time.Millisecond))
	return nil
}

func readInput(ctx context.Context, client *httpclient.Client, name string) ([]byte, error) {
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		return client.Fetch(ctx, name, nil)
	}
	return os.ReadFile(name)
}
