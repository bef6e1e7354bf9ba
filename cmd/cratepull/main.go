package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cratepull/cratepull/config"
	"github.com/cratepull/cratepull/internal/domain"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitConfigError  = 3
	ExitStorageError = 4
	ExitNoCandidates = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "rank":
		return runRank(cmdArgs)
	case "fetch":
		return runFetch(cmdArgs)
	case "jobs":
		return runJobs(cmdArgs)
	case "recover":
		return runRecover(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: cratepull <command> [options]

Commands:
  rank     Search the pool and print ranked candidates without downloading
  fetch    Download the best candidate for a request into the library
  jobs     List persisted download jobs
  recover  Replay the write journal and repair interrupted commits

Run 'cratepull <command> -h' for command-specific help.`)
}

// loadConfig reads the config file and installs the default logger.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(cfg.LogLevel)}))
	slog.SetDefault(logger)

	return cfg, nil
}

// specFlags registers the request flags shared by rank and fetch.
type specFlags struct {
	artist     *string
	title      *string
	album      *string
	duration   *float64
	bpm        *float64
	key        *string
	minBitrate *int
	formats    *string
}

func newSpecFlags(fs *flag.FlagSet) *specFlags {
	return &specFlags{
		artist:     fs.String("artist", "", "Artist name"),
		title:      fs.String("title", "", "Track title"),
		album:      fs.String("album", "", "Album or release name"),
		duration:   fs.Float64("duration", 0, "Expected duration in seconds"),
		bpm:        fs.Float64("bpm", 0, "Expected tempo"),
		key:        fs.String("key", "", "Musical key, Camelot or standard (8A, Am)"),
		minBitrate: fs.Int("min-bitrate", 0, "Minimum acceptable bitrate in kbps"),
		formats:    fs.String("formats", "", "Comma-separated format allow-list (flac,mp3)"),
	}
}

func (f *specFlags) request() (domain.RequestSpec, error) {
	req := domain.RequestSpec{
		Artist:         strings.TrimSpace(*f.artist),
		Title:          strings.TrimSpace(*f.title),
		Album:          strings.TrimSpace(*f.album),
		DurationSec:    *f.duration,
		BPM:            *f.bpm,
		Key:            strings.TrimSpace(*f.key),
		MinBitrateKbps: *f.minBitrate,
	}
	for _, part := range strings.Split(*f.formats, ",") {
		if part = strings.TrimSpace(part); part != "" {
			req.AllowedFormats = append(req.AllowedFormats, strings.ToLower(part))
		}
	}
	if err := req.Validate(); err != nil {
		return domain.RequestSpec{}, err
	}
	return req, nil
}
