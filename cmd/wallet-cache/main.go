package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/gqlcache/cache"
	cachepolicy "github.com/always-cache/gqlcache/pkg/cache-policy"
	cacheproxy "github.com/always-cache/gqlcache/pkg/cache-proxy"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	portFlag            int
	originFlag          string
	configFilenameFlag  string
	dbFilenameFlag      string
	keyPrefixFlag       string
	persistIntervalFlag time.Duration
	verbosityTraceFlag  bool
	logFilenameFlag     string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&originFlag, "origin", "", "GraphQL endpoint to proxy to (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&keyPrefixFlag, "key-prefix", "", "Prefix of the cache DB keys (overrides config)")
	flag.DurationVar(&persistIntervalFlag, "persist-interval", 0, "How often to persist the cache (overrides config, default 1m)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var config Config
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Msg("Could not read config")
		}
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if keyPrefixFlag != "" {
		config.KeyPrefix = keyPrefixFlag
	}
	if persistIntervalFlag != 0 {
		config.PersistInterval = persistIntervalFlag
	}
	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse url")
	}

	// set up sqlite provider, "" is the shared in-memory db
	dbFilename := dbFilenameFlag
	if dbFilename == "memory" {
		dbFilename = ""
	}
	provider, err := cache.NewSQLiteCache(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache db")
	}
	defer provider.Close()

	originHeader := make(http.Header)
	for name, value := range config.Headers {
		originHeader.Set(name, value)
	}

	// one cache for the lifetime of the process, shared by all requests
	proxy := cacheproxy.New(cacheproxy.Config{
		Cache:           cachepolicy.SetupCache(&log.Logger),
		OriginURL:       *originURL,
		OriginHeader:    originHeader,
		RetryMax:        config.RetryMax,
		Rules:           config.Rules,
		Provider:        provider,
		KeyPrefix:       config.KeyPrefix,
		PersistInterval: config.PersistInterval,
		Logger:          &log.Logger,
	})
	if _, err := proxy.Hydrate(); err != nil {
		log.Error().Err(err).Msg("Could not hydrate cache, starting empty")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persistDone := make(chan error, 1)
	go func() {
		persistDone <- proxy.Run(ctx)
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", portFlag),
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server")
		}
	}()

	log.Info().Msgf("Serving GraphQL cache on port %v for %s", portFlag, originURL.String())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}

	if err := <-persistDone; err != nil {
		log.Error().Err(err).Msg("Could not persist cache on shutdown")
	}
	log.Info().Msg("Cache persisted, exiting")
}
