package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	providerFlag       string
	dbFilenameFlag     string
	generationFlag     string
	timeoutFlag        time.Duration
	adminPrefixFlag    string
	metricsPathFlag    string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file (assets, fallbacks, generation)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Cache storage: sqlite or memory")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&generationFlag, "generation", "", "Cache generation name (overrides config)")
	flag.DurationVar(&timeoutFlag, "timeout", 0, "Network fetch timeout, 0 for none")
	flag.StringVar(&adminPrefixFlag, "admin-prefix", "/.offline-cache", "Path prefix of the status and install endpoints, hidden from the app ('' to disable)")
	flag.StringVar(&metricsPathFlag, "metrics-path", "/metrics", "Path of the Prometheus endpoint, hidden from the app ('' to disable)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

// applyFlags overrides config values with the flags given on the command line.
func applyFlags(config *Config) {
	// flags are visited in lexical order, so origin wins over addr
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			config.Port = portFlag
		case "origin":
			config.Origin = originFlag
		case "addr":
			config.Origin = "https://" + addrFlag
		case "host":
			config.OriginHost = hostFlag
		case "provider":
			config.Provider = providerFlag
		case "db":
			config.DB = dbFilenameFlag
		case "generation":
			config.Generation = generationFlag
		case "timeout":
			config.FetchTimeout = timeoutFlag
		case "admin-prefix":
			config.AdminPrefix = adminPrefixFlag
		case "metrics-path":
			config.MetricsPath = metricsPathFlag
		}
	})
}

func readConfig() (Config, error) {
	config, err := loadConfig(configFlag)
	if err != nil {
		return config, err
	}
	applyFlags(&config)
	return config, config.validate()
}

func openStorage(config Config) (cache.Storage, error) {
	if config.Provider == "memory" {
		return cache.NewMemStorage(), nil
	}
	// set up sqlite memory provider
	dbFilename := config.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	return cache.NewSQLiteStorage(dbFilename)
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

	config, err := readConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not read config")
	}
	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originUrl, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse url")
	}

	storage, err := openStorage(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache storage")
	}
	network := offlinecache.NewOriginNetwork(offlinecache.OriginConfig{
		OriginURL:  *originUrl,
		OriginHost: config.OriginHost,
		Timeout:    config.FetchTimeout,
	})

	srv := newServer(config, readConfig, storage, network, log.Logger)
	// a generation stored by an earlier run is served if the install fails;
	// without one the app stays reachable uncached, retry with the install endpoint
	if _, err := srv.install(context.Background()); err != nil {
		log.Error().Err(err).Msg("Initial install did not complete")
	}

	log.Info().Msgf("Serving port %v from %s (with hostname '%s'), generation %s", config.Port, originUrl.String(), config.OriginHost, srv.host.Generation())
	err = http.ListenAndServe(fmt.Sprintf(":%d", config.Port), srv.routes())

	if err != nil {
		panic(err)
	}
}
