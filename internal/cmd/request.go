package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-toolbox/toolbox/apiclient"
	toolerrors "github.com/agent-toolbox/toolbox/errors"
)

func newRequestCommand(a *app) *cobra.Command {
	var (
		limiterName string
		policyName  string
		breakerName string
		headers     []string
		data        string
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request METHOD URL",
		Short: "Send one HTTP request through the configured limiter, retry policy and breaker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := strings.ToUpper(args[0])
			client := &apiclient.Client{
				Headers: make(map[string]string, len(headers)),
				Timeout: timeout,
				Logger:  a.registry.Logger(),
			}
			for _, h := range headers {
				k, v, ok := strings.Cut(h, ":")
				if !ok {
					return toolerrors.InvalidInput(fmt.Sprintf("header %q is not key:value", h))
				}
				client.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
			if limiterName != "" {
				// A shared limiter hears about our 429s and tells its peers.
				if rl, ok := a.registry.Shared(limiterName); ok {
					client.Resources = rl
				} else {
					l, err := a.limiter(limiterName)
					if err != nil {
						return err
					}
					client.Limiter = l
				}
				client.Resource = limiterName
			}
			if policyName != "" {
				p, err := a.policy(policyName)
				if err != nil {
					return err
				}
				client.Retry = &p
			}
			if breakerName != "" {
				b, ok := a.registry.Breaker(breakerName)
				if !ok {
					return toolerrors.NotFound(fmt.Sprintf("no breaker named %q", breakerName), toolerrors.WithResource(breakerName))
				}
				client.Breaker = b
			}

			var body any
			if data != "" {
				if !json.Valid([]byte(data)) {
					return toolerrors.InvalidInput("--data is not valid JSON")
				}
				body = json.RawMessage(data)
			}

			resp, err := client.Do(a.context(), method, args[1], body)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(cmd.ErrOrStderr(), "%d %s in %s (request %s)\n",
				resp.StatusCode, method, resp.Duration.Round(time.Millisecond), resp.RequestID)
			if len(resp.Body) == 0 {
				return nil
			}
			var v any
			if err := resp.JSON(&v); err != nil {
				_, err = out.Write(resp.Body)
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&limiterName, "limiter", "", "limiter to acquire before each attempt")
	flags.StringVar(&policyName, "policy", "", "retry policy")
	flags.StringVar(&breakerName, "breaker", "", "circuit breaker guarding the endpoint")
	flags.StringArrayVarP(&headers, "header", "H", nil, "request header as key:value (repeatable)")
	flags.StringVarP(&data, "data", "d", "", "JSON request body")
	flags.DurationVar(&timeout, "timeout", apiclient.DefaultTimeout, "per-attempt HTTP timeout")
	return cmd
}
