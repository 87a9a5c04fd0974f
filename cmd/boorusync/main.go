// Command boorusync runs the tag-catalog and post-stream ingestion
// tasks against a configured upstream image-board API and PostgreSQL
// store, until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"hoshino-sync/internal/config"
	"hoshino-sync/internal/danbooru"
	"hoshino-sync/internal/logger"
	"hoshino-sync/internal/observability"
	"hoshino-sync/internal/ratelimit"
	"hoshino-sync/internal/store"
	"hoshino-sync/internal/task"
	"hoshino-sync/internal/tasks"
)

// countFlag implements flag.Value for a repeatable boolean-style flag
// (-v, -v -v, ...), counting occurrences.
type countFlag int

func (c *countFlag) String() string { return fmt.Sprintf("%d", int(*c)) }
func (c *countFlag) Set(string) error {
	*c++
	return nil
}
func (c *countFlag) IsBoolFlag() bool { return true }

const (
	tagSyncInterval  = 5 * time.Minute
	postSyncInterval = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "boorusync:", err)
		os.Exit(1)
	}
}

func run() error {
	var verbosity countFlag
	var envPath string

	flag.Var(&verbosity, "v", "increase log verbosity (repeatable)")
	flag.Var(&verbosity, "verbose", "increase log verbosity (repeatable)")
	flag.StringVar(&envPath, "e", ".env", "path to .env file")
	flag.StringVar(&envPath, "env", ".env", "path to .env file")
	flag.Parse()

	level := logger.LevelFromVerbosity(int(verbosity))
	if verbosity == 0 {
		level = logger.ParseLevelFromEnv()
	}
	env := os.Getenv("ENV")
	log := logger.Init("boorusync", env, level)

	cfg, err := config.Load(envPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.Watch(ctx, envPath, func() {
		log.Info("configuration file changed; restart to apply login/API key changes")
	}); err != nil {
		log.Warn("could not start config watcher", "err", err)
	}

	shutdownTracing, err := observability.Init(ctx, "boorusync")
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracer shutdown error", "err", err)
		}
	}()

	limiter := ratelimit.New(cfg.RateLimit, time.Second)

	client, err := danbooru.NewClient(ctx, "https://danbooru.donmai.us", cfg.DanbooruLogin, cfg.DanbooruAPIKey, limiter)
	if err != nil {
		return fmt.Errorf("construct upstream client: %w", err)
	}

	// Each task owns its own store connection: the gateway wraps a
	// single, non-thread-safe database connection.
	tagStore, err := store.New(ctx, "")
	if err != nil {
		return fmt.Errorf("open tag sync store: %w", err)
	}
	defer tagStore.Close()

	postStore, err := store.New(ctx, "")
	if err != nil {
		return fmt.Errorf("open post sync store: %w", err)
	}
	defer postStore.Close()

	tagSync := &tasks.TagSync{Client: client, Store: tagStore}
	postSync := &tasks.PostSync{Client: client, Store: postStore}

	g, gctx := errgroup.WithContext(ctx)
	fatal := make(chan struct{})
	var fatalOnce fatalSignal

	onFatal := fatalOnce.trigger(fatal)
	tagTask := task.New("tag_sync", tagSyncInterval, task.PerInvocation, tagSync.Run, onFatal)
	postTask := task.New("post_sync", postSyncInterval, task.PerInvocation, postSync.Run, onFatal)

	tagTask.Start(gctx)
	postTask.Start(gctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-fatal:
			return errors.New("a task failed fatally")
		}
	})

	<-gctx.Done()
	log.Info("shutting down, stopping tasks")

	tagTask.RequestStop()
	postTask.RequestStop()
	tagTask.Join()
	postTask.Join()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("clean shutdown")
	return nil
}

// fatalSignal guards closing the fatal channel exactly once across
// however many tasks report a fatal error.
type fatalSignal struct {
	once sync.Once
}

func (f *fatalSignal) trigger(ch chan struct{}) func(id string, err error) {
	return func(id string, err error) {
		slog.Error("task failed fatally, triggering shutdown", "task", id, "err", err)
		f.once.Do(func() { close(ch) })
	}
}
