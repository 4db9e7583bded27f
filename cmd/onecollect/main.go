// Command onecollect is the reference CLI front end spec section 6 names:
// "collect <path>" builds and validates a file-egress session and reports
// its resolved path, and "debug" runs a live ring-buffer session and
// prints comm/exit/cpu-profile/lost activity to stdout until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/microsoft/one-collect-sub000/config"
	"github.com/microsoft/one-collect-sub000/livesession"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config.Session{}

	root := &cobra.Command{
		Use:   "onecollect",
		Short: "Reference front end for per-CPU ring-buffer and ETW trace collection",
	}

	addRecordTraceFlags(root, cfg)

	root.AddCommand(newCollectCmd(cfg))
	root.AddCommand(newDebugCmd(cfg))
	return root
}

// addRecordTraceFlags attaches spec section 6's record-trace flag set:
// --out, --format, --on-cpu, --off-cpu, --pid (repeatable), --live,
// --script.
func addRecordTraceFlags(cmd *cobra.Command, cfg *config.Session) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfg.Out, "out", "", "output directory for the recorded trace")
	flags.StringVar((*string)(&cfg.Format), "format", string(config.FormatNettrace), "output framing: nettrace or perfview-xml")
	flags.BoolVar(&cfg.OnCPU, "on-cpu", false, "sample on-CPU activity")
	flags.BoolVar(&cfg.OffCPU, "off-cpu", false, "track off-CPU (context-switch) activity")
	flags.IntSliceVar(&cfg.PIDs, "pid", nil, "restrict collection to this pid (repeatable)")
	flags.BoolVar(&cfg.Live, "live", false, "run the session live rather than egressing to a file")
	flags.StringVar(&cfg.Script, "script", "", "YAML script overlaying these flags")
}

func newCollectCmd(cfg *config.Session) *cobra.Command {
	return &cobra.Command{
		Use:   "collect <path>",
		Short: "Build a file-egress session, validate it, and report the egress path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Out == "" {
				cfg.Out = args[0]
			}
			if err := cfg.ApplyScript(); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.Out)
			return nil
		},
	}
}

func newDebugCmd(cfg *config.Session) *cobra.Command {
	return &cobra.Command{
		Use:   "debug",
		Short: "Run a live session, printing comm/exit/cpu-profile/lost events to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Live = true
			if err := cfg.ApplyScript(); err != nil {
				return err
			}
			if !cfg.OnCPU && !cfg.OffCPU {
				cfg.OnCPU = true // debug defaults to on-CPU sampling when neither mode is picked
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runDebug(cmd, cfg)
		},
	}
}

func runDebug(cmd *cobra.Command, cfg *config.Session) error {
	out := cmd.OutOrStdout()

	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}

	handler := &livesession.Handler{
		OnComm: func(pid, tid int, comm string) {
			fmt.Fprintf(out, "comm pid=%d tid=%d name=%q\n", pid, tid, comm)
		},
		OnExit: func(pid, tid int) {
			fmt.Fprintf(out, "exit pid=%d tid=%d\n", pid, tid)
		},
		OnCPUSample: func(cpu, tid int, ip uint64) {
			fmt.Fprintf(out, "sample cpu=%d tid=%d ip=%#x\n", cpu, tid, ip)
		},
		OnLost: func(name string, numLost uint64) {
			fmt.Fprintf(out, "%s count=%d\n", name, numLost)
		},
	}

	sess, err := livesession.Open(cfg, cpus, handler)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errs := sess.Run(ctx, func() bool { return false })
	for _, e := range errs {
		fmt.Fprintln(os.Stderr, e)
	}
	return nil
}
