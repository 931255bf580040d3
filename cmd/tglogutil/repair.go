package main

import (
	"fmt"

	"github.com/spf13/cobra"

	limestone "github.com/project-tsurugi/limestone-sub000"
)

func newRepairCommand() *cobra.Command {
	var (
		dir       string
		epoch     uint64
		epochSet  bool
		cut       bool
		threadNum int
	)

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Rewrite a log directory into a consistent state",
		Long: "Repairs broken snippet tails in place, either by marking the\n" +
			"opening tag invalid (--cut=false, the default) or truncating the\n" +
			"file at the break (--cut=true). Exit codes: 0 OK or repaired, 16\n" +
			"unrepairable, 64 cannot-check.",
		RunE: func(cmd *cobra.Command, args []string) error {
			lock, err := limestone.AcquireManifestLock(dir)
			if err != nil {
				return &exitStatus{code: 64, status: "cannot-check", err: err}
			}
			defer lock.Release()

			lastDurable := epoch
			if !epochSet {
				lastDurable, err = limestone.LastDurableEpochInDir(dir)
				if err != nil {
					return &exitStatus{code: 64, status: "cannot-check", err: err}
				}
			}

			paths, err := limestone.ListWALPaths(dir)
			if err != nil {
				return &exitStatus{code: 64, status: "cannot-check", err: err}
			}

			tailPolicy := limestone.PolicyRepairByMark
			if cut {
				tailPolicy = limestone.PolicyRepairByCut
			}
			opts := limestone.ScanOptions{
				LastDurableEpoch: lastDurable,
				NondurablePolicy: limestone.PolicyRepairByMark,
				TruncatedPolicy:  tailPolicy,
				DamagedPolicy:    tailPolicy,
				FailFast:         false,
				ThreadNum:        threadNum,
			}
			results := limestone.ScanPWALFiles(paths, opts)
			for _, r := range results {
				if r.Err != nil {
					return &exitStatus{code: 64, status: "cannot-check", err: r.Err}
				}
			}

			status, code := classifyRepair(limestone.CombineParseErrorCodes(results))
			fmt.Printf("status: %s\n", status)
			if code != 0 {
				return &exitStatus{code: code, status: status}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "working_dir", "", "log directory to repair (required)")
	cmd.Flags().Uint64Var(&epoch, "epoch", 0, "override the last-durable epoch L used to judge snippet validity")
	cmd.Flags().BoolVar(&cut, "cut", false, "truncate broken tails instead of marking them invalid")
	cmd.Flags().IntVar(&threadNum, "thread_num", 0, "worker count for the directory scan (0 selects a default)")
	cmd.MarkFlagRequired("working_dir")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		epochSet = cmd.Flags().Changed("epoch")
	}
	return cmd
}

// classifyRepair maps the worst parse-error code observed after attempting
// repair to the CLI's status word and exit code. ParseBrokenAfterMarked is
// success here: it is the code a successful mark-repair of a truncated or
// damaged tail raises, distinct from the plain ParseRepaired a nondurable
// mark-repair raises.
func classifyRepair(worst limestone.ParseErrorCode) (string, int) {
	switch {
	case worst <= limestone.ParseRepaired:
		return "OK", 0
	case worst == limestone.ParseBrokenAfterMarked:
		return "repaired", 0
	default:
		return "unrepairable", 16
	}
}
