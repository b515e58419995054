package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/gowarden/pkg/jobfile"
	"github.com/3leaps/gowarden/pkg/lockfile"
)

var jobGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old terminal jobs",
	RunE:  runJobGC,
}

func init() {
	jobCmd.AddCommand(jobGCCmd)
	jobGCCmd.Flags().String("max-age", "168h", "Delete terminal jobs not updated within this duration")
	jobGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobGCCmd.Flags().Bool("json", false, "Output as JSON")
}

type jobGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runJobGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return fmt.Errorf("invalid --max-age: %w", err)
	}
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be > 0")
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	w, err := loadWarden(cmd.Context())
	if err != nil {
		return err
	}
	jobs, err := w.store.List()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	deleted := 0
	for _, j := range jobs {
		// Only terminal states are prunable; everything else still owes
		// a human a decision.
		if !j.State.Terminal() {
			continue
		}
		if now.Sub(j.UpdatedAt.UTC()) <= maxAge {
			continue
		}

		if !dryRun {
			err := w.locks.WithLock(lockfile.JobLockName(j.JobID), w.cfg.Engine.LockTimeout, func() error {
				return w.store.Delete(j.JobID)
			})
			if err != nil {
				return err
			}
			err = w.locks.WithLock(jobfile.IndexLockName, w.cfg.Engine.LockTimeout, func() error {
				idx, err := w.store.LoadIndex()
				if err != nil {
					return err
				}
				delete(idx.Jobs, j.JobID)
				if idx.Selected == j.JobID {
					idx.Selected = ""
				}
				return w.store.SaveIndex(idx)
			})
			if err != nil {
				return err
			}
		}
		deleted++
	}

	if jsonOutput {
		res := jobGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr}
		if dryRun {
			res.WouldDelete = deleted
		} else {
			res.Deleted = deleted
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would_delete=%d\n", deleted)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", deleted)
	return nil
}
