package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opentalon/conductor/internal/plan"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List the configured worker directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a := &app{cfg: cfg}
		src, err := a.workerSource(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tTRANSPORT\tINTENTS\tTIMEOUT\tSIMULATED")
		for _, w := range src.Current().List() {
			transport := string(w.Transport)
			if transport == "" {
				transport = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n",
				w.Name, transport, strings.Join(w.Intents, ","), w.Timeout(), w.Simulated)
		}
		return tw.Flush()
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of a plan",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := plan.GenerateJSONSchema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}
