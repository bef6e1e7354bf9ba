package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"

	"github.com/cratepull/cratepull/internal/jobstore"
	"github.com/cratepull/cratepull/internal/progress"
)

// runJobs lists persisted download jobs.
func runJobs(args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)

	configPath := fs.String("config", "./config/config.yaml", "Path to config file")
	stateFilter := fs.String("state", "", "Only show jobs in this state")
	asJSON := fs.Bool("json", false, "Print jobs as JSON")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: cratepull jobs [options]

List every persisted download job with its state and progress.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return ExitConfigError
	}

	ctx := context.Background()

	storeURL, err := cfg.StoreURL()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	store, err := jobstore.Open(ctx, storeURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening job store: %v\n", err)
		return ExitStorageError
	}
	defer store.Close()

	jobs, err := store.LoadJobs(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading jobs: %v\n", err)
		return ExitStorageError
	}

	if *stateFilter != "" {
		kept := jobs[:0]
		for _, j := range jobs {
			if j.State == *stateFilter {
				kept = append(kept, j)
			}
		}
		jobs = kept
	}
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(jobs); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		return ExitSuccess
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs")
		return ExitSuccess
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tATTEMPTS\tPROGRESS\tREQUEST\tUPDATED\tERROR")
	for _, j := range jobs {
		prog := "-"
		if j.BytesTotal > 0 {
			prog = fmt.Sprintf("%s/%s",
				progress.FormatBytes(j.BytesDone), progress.FormatBytes(j.BytesTotal))
		}
		errText := j.Error
		if len(errText) > 48 {
			errText = errText[:45] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\t%s\n",
			j.ID, j.State, j.Attempts, j.MaxAttempts, prog,
			j.Request.Query(), j.UpdatedAt.Format(time.RFC3339), errText)
	}
	w.Flush()

	return ExitSuccess
}
