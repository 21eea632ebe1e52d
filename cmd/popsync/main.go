package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"src.bluestatic.org/popsync/cache"
	"src.bluestatic.org/popsync/internal/tlstrust"
	"src.bluestatic.org/popsync/mailbox"
	"src.bluestatic.org/popsync/pop3"
	"src.bluestatic.org/popsync/popurl"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s config.json\n", os.Args[0])
		os.Exit(1)
	}

	configFile, err := os.Open(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config file: %s\n", err)
		os.Exit(2)
	}

	var config Config
	if err := json.NewDecoder(configFile).Decode(&config); err != nil {
		fmt.Fprintf(os.Stderr, "config file: %s\n", err)
		os.Exit(3)
	}
	configFile.Close()

	logConfig := zap.NewDevelopmentConfig()
	logConfig.Development = false
	logConfig.DisableStacktrace = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	log, err := logConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(4)
	}

	log.Info("starting popsync")

	if err := run(config, log); err != nil {
		log.Fatal("sync failed", zap.Error(err))
	}
}

// spoolStore drops each drained message into its own numbered file.
type spoolStore struct {
	dir string
	n   int
}

func (s *spoolStore) Append() (io.WriteCloser, error) {
	s.n++
	return os.Create(filepath.Join(s.dir, fmt.Sprintf("msg-%06d.eml", s.n)))
}

func run(config Config, log *zap.Logger) error {
	account, err := popurl.Parse(config.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if config.Password != "" {
		account.Password = config.Password
	}
	if config.HeaderCachePath == "" && config.CacheDir != "" {
		config.HeaderCachePath = popurl.HeaderCachePath(config.CacheDir, account)
		if err := os.MkdirAll(filepath.Dir(config.HeaderCachePath), 0700); err != nil {
			return fmt.Errorf("create header cache dir: %w", err)
		}
	}

	tlsEngine, err := tlstrust.Init(config.TLS, &tlstrust.CLIPrompter{In: os.Stdin, Out: os.Stdout}, log)
	if err != nil {
		return fmt.Errorf("init tls engine: %w", err)
	}

	var headerStore cache.HeaderStore
	if config.HeaderCachePath != "" {
		sqlStore, err := cache.OpenSQLiteHeaderStore(config.HeaderCachePath)
		if err != nil {
			return fmt.Errorf("open header cache: %w", err)
		}
		defer sqlStore.Close()
		headerStore = sqlStore
	}

	var bodyStore cache.BodyStore
	if config.BodyCachePath != "" {
		bodyStore, err = cache.OpenFSBodyStore(config.BodyCachePath)
		if err != nil {
			return fmt.Errorf("open body cache: %w", err)
		}
	}

	opts := pop3.Options{
		CheckInterval:     time.Duration(config.CheckIntervalSeconds) * time.Second,
		MarkOld:           config.MarkOld,
		MessageCacheClean: config.MessageCacheClean,
		UseAPOP:           config.UseAPOP,
		DialTimeout:       30 * time.Second,
	}

	driver := mailbox.New(mailbox.Config{
		Account:     account,
		Options:     opts,
		TLSEngine:   tlsEngine,
		HeaderStore: headerStore,
		BodyStore:   bodyStore,
		Log:         log,
	})

	ctx := context.Background()
	mboxCtx, err := driver.Open(ctx, account.Host)
	if err != nil {
		return fmt.Errorf("open mailbox: %w", err)
	}
	log.Info("opened mailbox", zap.Int("messages", mboxCtx.Count))

	_, result, err := driver.Check(ctx, account.Host)
	if err != nil {
		driver.Close()
		return fmt.Errorf("check mailbox: %w", err)
	}
	log.Info("checked mailbox", zap.Int("result", int(result)))

	if config.SpoolPath != "" {
		if err := os.MkdirAll(config.SpoolPath, 0700); err != nil {
			driver.Close()
			return fmt.Errorf("create spool dir: %w", err)
		}
		drained, err := driver.Drain(ctx, &spoolStore{dir: config.SpoolPath}, pop3.DrainOptions{
			OnlyNew: config.DrainOnlyNew,
			Delete:  config.DrainDelete,
		})
		if err != nil {
			driver.Close()
			return fmt.Errorf("drain mailbox: %w", err)
		}
		log.Info("drained mailbox", zap.Int("fetched", drained.Fetched), zap.Int("skipped", drained.Skipped))
	}

	if err := driver.Sync(ctx); err != nil {
		return fmt.Errorf("sync mailbox: %w", err)
	}

	return driver.Close()
}
