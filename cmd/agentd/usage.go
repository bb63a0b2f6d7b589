package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agentd/pkg/metrics"
)

func newUsageCmd(opts *globalOptions) *cobra.Command {
	var (
		prometheusURL string
		byModel       bool
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "usage <agent-id>",
		Short: "Show token usage for an agent from Prometheus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if prometheusURL == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				prometheusURL = cfg.PrometheusURL
			}
			if prometheusURL == "" {
				return errors.New("no Prometheus URL: set prometheus_url or pass --prometheus-url")
			}

			qs, err := metrics.NewQueryService(prometheusURL)
			if err != nil {
				return err
			}

			var rows []*metrics.AgentUsage
			if byModel {
				rows, err = qs.GetAgentUsageByModel(cmd.Context(), args[0])
			} else {
				var u *metrics.AgentUsage
				u, err = qs.GetAgentUsage(cmd.Context(), args[0])
				rows = []*metrics.AgentUsage{u}
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tPROMPT\tCOMPLETION\tTOTAL\tREQUESTS\tFAILED")
			for _, u := range rows {
				m := u.Model
				if m == "" {
					m = "(all)"
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", m, u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.Requests, u.FailedRequests)
			}
			return tw.Flush()
		},
	}

	f := cmd.Flags()
	f.StringVar(&prometheusURL, "prometheus-url", "", "Prometheus server (overrides prometheus_url)")
	f.BoolVar(&byModel, "by-model", false, "Break usage down per model")
	f.BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
