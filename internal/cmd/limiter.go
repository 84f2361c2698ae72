package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"

	toolerrors "github.com/agent-toolbox/toolbox/errors"
	"github.com/agent-toolbox/toolbox/ratelimit"
)

type statser interface {
	Stats() ratelimit.Stats
}

func newLimiterCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limiter",
		Short: "Exercise configured rate limiters",
	}
	cmd.AddCommand(newLimiterSimulateCommand(a), newLimiterStatsCommand(a))
	return cmd
}

func newLimiterSimulateCommand(a *app) *cobra.Command {
	var (
		calls       int
		concurrency int
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate NAME",
		Short: "Push calls through a limiter and report when each was admitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.limiter(args[0])
			if err != nil {
				return err
			}
			if calls < 1 || concurrency < 1 {
				return toolerrors.InvalidInput("--calls and --concurrency must be at least 1")
			}

			type admission struct {
				call   int
				offset time.Duration
				err    error
			}
			ctx := a.context()
			jobs := make(chan int)
			results := make(chan admission, calls)
			start := time.Now()

			var wg sync.WaitGroup
			for w := 0; w < concurrency; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for call := range jobs {
						err := ratelimit.AcquireTimeout(ctx, l, 1, timeout)
						results <- admission{call: call, offset: time.Since(start), err: err}
					}
				}()
			}
			for i := 1; i <= calls; i++ {
				jobs <- i
			}
			close(jobs)
			wg.Wait()
			close(results)

			all := make([]admission, 0, calls)
			for r := range results {
				all = append(all, r)
			}
			sort.Slice(all, func(i, j int) bool { return all[i].offset < all[j].offset })

			out := cmd.OutOrStdout()
			admitted := 0
			for _, r := range all {
				if r.err != nil {
					fmt.Fprintf(out, "call %3d  %10s  %s\n", r.call, r.offset.Round(time.Millisecond), toolerrors.Code(r.err))
					continue
				}
				admitted++
				fmt.Fprintf(out, "call %3d  %10s  admitted\n", r.call, r.offset.Round(time.Millisecond))
			}
			fmt.Fprintf(out, "%d of %d calls admitted in %s\n", admitted, calls, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().IntVarP(&calls, "calls", "n", 10, "number of calls")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 1, "concurrent callers")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up on a call after this long (0 waits indefinitely)")
	return cmd
}

func newLimiterStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [NAME...]",
		Short: "Print limiter state as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				names = a.registry.LimiterNames()
			}
			stats := make([]ratelimit.Stats, 0, len(names))
			for _, name := range names {
				l, err := a.limiter(name)
				if err != nil {
					return err
				}
				s, ok := l.(statser)
				if !ok {
					continue
				}
				stats = append(stats, s.Stats())
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}

func (a *app) limiter(name string) (ratelimit.Limiter, error) {
	l, ok := a.registry.Limiter(name)
	if !ok {
		return nil, toolerrors.NotFound(fmt.Sprintf("no limiter named %q", name), toolerrors.WithResource(name))
	}
	return l, nil
}
