package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	limestone "github.com/project-tsurugi/limestone-sub000"
)

func newCompactionCommand() *cobra.Command {
	var (
		dir        string
		workingDir string
		force      bool
		dryRun     bool
		makeBackup bool
		threadNum  int
	)

	cmd := &cobra.Command{
		Use:   "compaction",
		Short: "Offline build of a fresh compacted directory",
		Long: "Builds a new, self-contained log directory at --working_dir by\n" +
			"merging and deduplicating the detached WAL files (and any existing\n" +
			"compacted base) found in the source directory, without modifying\n" +
			"the source. Exit codes: 0 on success, 64 on any I/O or lock failure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			lock, err := limestone.AcquireManifestLock(dir)
			if err != nil {
				return &exitStatus{code: 64, status: "cannot-check", err: err}
			}
			defer lock.Release()

			plan, err := limestone.PlanOfflineCompaction(dir)
			if err != nil {
				return &exitStatus{code: 64, status: "cannot-check", err: err}
			}

			if len(plan) == 0 {
				fmt.Println("status: nothing to compact")
				return nil
			}

			if dryRun {
				fmt.Printf("status: would compact %d file(s) into %s\n", len(plan), workingDir)
				for _, name := range plan {
					fmt.Println("  ", name)
				}
				return nil
			}

			if !force && !confirm(fmt.Sprintf("compact %d file(s) from %s into %s? [y/N] ", len(plan), dir, workingDir)) {
				fmt.Println("status: aborted")
				return nil
			}

			n, err := limestone.BuildOfflineCompaction(dir, workingDir, makeBackup, threadNum)
			if err != nil {
				return &exitStatus{code: 64, status: "cannot-check", err: err}
			}

			fmt.Printf("status: OK, compacted %d file(s) into %s\n", n, workingDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "source log directory (required)")
	cmd.Flags().StringVar(&workingDir, "working_dir", "", "destination directory for the fresh compacted output (required)")
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	cmd.Flags().BoolVar(&dryRun, "dry_run", false, "report what would be compacted without writing anything")
	cmd.Flags().BoolVar(&makeBackup, "make_backup", false, "also copy the folded-in detached WAL files into working_dir")
	cmd.Flags().IntVar(&threadNum, "thread_num", 0, "passed to the compaction build, which scans its input files one at a time regardless of this value")
	cmd.MarkFlagRequired("dir")
	cmd.MarkFlagRequired("working_dir")
	return cmd
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}
