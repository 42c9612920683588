// Command peerd runs the Daemon Supervisor as a standalone process.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uber-go/tally"

	"github.com/peerdaemon/peerd/internal/config"
	"github.com/peerdaemon/peerd/internal/daemon"
	"github.com/peerdaemon/peerd/internal/log"
)

// flags holds the parsed CLI surface, grounded on the teacher's own
// ParseFlags shape (a struct of plain fields filled by stdlib flag).
type flags struct {
	configFile        string
	daemonAddr        string
	downloadDir       string
	magnet            string
	quitAfterComplete bool
	stats             bool
	logLevel          string
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configFile, "config", "", "YAML configuration file path")
	flag.StringVar(&f.daemonAddr, "daemon-addr", "", "overrides the configured listen address")
	flag.StringVar(&f.downloadDir, "d", "", "overrides the configured download directory")
	flag.StringVar(&f.downloadDir, "download-dir", "", "overrides the configured download directory")
	flag.StringVar(&f.magnet, "m", "", "magnet URI to queue with AddTorrent at startup")
	flag.StringVar(&f.magnet, "magnet", "", "magnet URI to queue with AddTorrent at startup")
	flag.BoolVar(&f.quitAfterComplete, "q", false, "quit once every admitted torrent reaches Seeding")
	flag.BoolVar(&f.quitAfterComplete, "quit-after-complete", false, "quit once every admitted torrent reaches Seeding")
	flag.BoolVar(&f.stats, "s", false, "print torrent status once after startup")
	flag.BoolVar(&f.stats, "stats", false, "print torrent status once after startup")
	flag.StringVar(&f.logLevel, "log-level", "", "overrides the configured log level (debug, info, warn, error)")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()

	cfg, err := config.Load(f.configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	overlayFlags(&cfg, f)
	cfg.ApplyDefaults()

	if err := log.Configure(cfg.Log); err != nil {
		fmt.Fprintln(os.Stderr, "configure logging:", err)
		os.Exit(1)
	}
	defer log.Sync()

	stats, closeStats := newStatsScope(cfg.Metrics)
	defer closeStats.Close()

	s := daemon.NewWithConfig(cfg, daemon.WithStats(stats))

	if f.magnet != "" {
		s.AddTorrent(f.magnet)
	}
	if f.stats {
		s.PrintTorrentStatus()
	}

	go handleSignals(s)

	log.Infof("peerd: starting on %s, download_dir=%s", cfg.Listen, cfg.DownloadDir)
	if err := s.Run(); err != nil {
		log.Fatalf("peerd: %v", err)
	}
}

// overlayFlags applies CLI flags on top of a loaded config, in the order
// documented in SPEC_FULL.md §2.2: flags override file config, never the
// reverse.
func overlayFlags(cfg *config.Daemon, f flags) {
	if f.daemonAddr != "" {
		cfg.Listen = f.daemonAddr
	}
	if f.downloadDir != "" {
		cfg.DownloadDir = f.downloadDir
	}
	if f.quitAfterComplete {
		cfg.QuitAfterComplete = true
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
}

// handleSignals posts Quit on SIGINT/SIGTERM so an operator's Ctrl-C gets
// the daemon's own best-effort shutdown path rather than an abrupt kill.
func handleSignals(s *daemon.Supervisor) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Infof("peerd: received shutdown signal")
	s.Quit()
}

// newStatsScope builds the tally scope the Supervisor reports through. An
// empty prefix leaves metrics disabled, matching config.Metrics's documented
// default; a non-empty prefix still reports to a disabled, in-process
// reporter since no statsd/M3 backend is configured here — grounded on the
// teacher's metrics.newDisabledScope shape (a real root scope, a no-op
// reporter) rather than reaching for tally.NoopScope unconditionally.
func newStatsScope(cfg config.Metrics) (tally.Scope, io.Closer) {
	if cfg.Prefix == "" {
		return tally.NoopScope, nopCloser{}
	}
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:   cfg.Prefix,
		Reporter: disabledReporter{},
	}, time.Second)
	return scope, closer
}

type disabledReporter struct{}

func (disabledReporter) ReportCounter(string, map[string]string, int64)       {}
func (disabledReporter) ReportGauge(string, map[string]string, float64)       {}
func (disabledReporter) ReportTimer(string, map[string]string, time.Duration) {}
func (disabledReporter) ReportHistogramValueSamples(
	string, map[string]string, tally.Buckets, float64, float64, int64) {
}
func (disabledReporter) ReportHistogramDurationSamples(
	string, map[string]string, tally.Buckets, time.Duration, time.Duration, int64) {
}
func (r disabledReporter) Capabilities() tally.Capabilities { return r }
func (disabledReporter) Reporting() bool                    { return true }
func (disabledReporter) Tagging() bool                      { return false }
func (disabledReporter) Flush()                             {}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
