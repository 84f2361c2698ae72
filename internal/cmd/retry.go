package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	toolerrors "github.com/agent-toolbox/toolbox/errors"
	"github.com/agent-toolbox/toolbox/retry"
)

func newRetryCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect retry policies",
	}
	cmd.AddCommand(newRetryScheduleCommand(a))
	return cmd
}

func newRetryScheduleCommand(a *app) *cobra.Command {
	var attempts int
	cmd := &cobra.Command{
		Use:   "schedule NAME",
		Short: "Print the backoff before each attempt of a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.policy(args[0])
			if err != nil {
				return err
			}
			n := attempts
			if n <= 0 {
				n = p.MaxAttempts
			}
			if n <= 0 {
				n = retry.DefaultMaxAttempts
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "policy %s: strategy=%s jitter=%s max_delay=%s\n", args[0], p.Strategy, p.Jitter, p.MaxDelay)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ATTEMPT\tBACKOFF\tWITH JITTER")
			for k := 1; k <= n; k++ {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", k, p.Backoff(k), p.Delay(k))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&attempts, "attempts", "n", 0, "attempts to show (default: the policy's max_attempts)")
	return cmd
}

func (a *app) policy(name string) (retry.Policy, error) {
	p, ok := a.registry.Policy(name)
	if !ok {
		return retry.Policy{}, toolerrors.NotFound(fmt.Sprintf("no retry policy named %q", name), toolerrors.WithResource(name))
	}
	return p, nil
}
