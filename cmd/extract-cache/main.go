// Command extract-cache exercises the extraction cache from the command
// line, with a processor that reads files as UTF-8 text.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	extractcache "github.com/wolfeidau/extract-cache"
	"github.com/wolfeidau/extract-cache/cache"
	"github.com/wolfeidau/extract-cache/store/metadb"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cacheDir    = flag.String("cache-dir", "./cache_storage", "Root of on-disk cache state")
		backendName = flag.String("backend", "sqlite", "Metadata backend (sqlite, bolt, redis)")
		redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address for the redis backend")
		sweepDays   = flag.Int("sweep-days", 30, "Age in days for the sweep command")
		batchSize   = flag.Int("max-concurrent", 10, "Concurrency for batched gets")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "text", "Log format (text, json)")
	)
	flag.Parse()

	logger, err := buildLogger(*logLevel, *logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	args := flag.Args()
	if len(args) == 0 {
		return fmt.Errorf("usage: extract-cache [flags] <get|invalidate|sweep|stats|metrics> [paths...]")
	}
	command, paths := args[0], args[1:]

	cfg, err := extractcache.ConfigFromEnv()
	if err != nil {
		return err
	}
	cfg.CacheDir = *cacheDir

	opts := []cache.Option{cache.WithLogger(logger)}
	switch *backendName {
	case "sqlite":
		// Default backend; the cache wires it itself.
	case "bolt":
		opts = append(opts, cache.WithMetadataStore(
			metadb.NewBoltStore(filepath.Join(cfg.CacheDir, "metadata.bolt"), metadb.WithBoltLogger(logger))))
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     *redisAddr,
			PoolSize: cfg.BackendPoolSize,
		})
		opts = append(opts, cache.WithMetadataStore(
			metadb.NewRedisStore(client, metadb.WithRedisLogger(logger))))
	default:
		return fmt.Errorf("unknown backend: %s", *backendName)
	}

	cc, err := cache.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := cc.Close(); err != nil {
			logger.Warn("closing cache", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, cancelling", "signal", sig)
		cancel()
	}()

	switch command {
	case "get":
		return cmdGet(ctx, cc, paths, *batchSize)
	case "invalidate":
		return cmdInvalidate(ctx, cc, paths)
	case "sweep":
		return cmdSweep(ctx, cc, *sweepDays)
	case "stats":
		return cmdStats(ctx, cc)
	case "metrics":
		return cmdMetrics(cc)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// readFile is the demonstration processor: the "extraction" is reading
// the file as text.
func readFile(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func cmdGet(ctx context.Context, cc *cache.Cache, paths []string, maxConcurrent int) error {
	if len(paths) == 0 {
		return fmt.Errorf("get requires at least one path")
	}

	if len(paths) == 1 {
		result, err := cc.Get(ctx, paths[0], readFile)
		if err != nil {
			return err
		}
		printResult(paths[0], result)
		return nil
	}

	results := cc.GetBatch(ctx, paths, readFile, maxConcurrent)
	var failed int
	for i, r := range results {
		if r.Err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", paths[i], r.Err)
			failed++
			continue
		}
		printResult(paths[i], r.Content)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d paths failed", failed, len(paths))
	}
	return nil
}

func printResult(path string, result *extractcache.CachedContent) {
	fmt.Printf("%s\tfrom_cache=%t\thash=%s\tbytes=%d\n",
		path, result.FromCache, result.ContentHash.ShortString(), len(result.Content))
}

func cmdInvalidate(ctx context.Context, cc *cache.Cache, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("invalidate requires at least one path")
	}
	removed := cc.InvalidateBatch(ctx, paths)
	fmt.Printf("invalidated %d of %d entries\n", removed, len(paths))
	return nil
}

func cmdSweep(ctx context.Context, cc *cache.Cache, days int) error {
	removed, err := cc.SweepOlderThan(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("swept %d entries older than %d days\n", removed, days)
	return nil
}

func cmdStats(ctx context.Context, cc *cache.Cache) error {
	stats, err := cc.Statistics(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func cmdMetrics(cc *cache.Cache) error {
	text, err := cc.MetricsPrometheus()
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	switch format {
	case "text":
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}
