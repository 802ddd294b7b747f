package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opentalon/conductor/internal/orchestrator"
	"github.com/opentalon/conductor/internal/plan"
	"github.com/opentalon/conductor/internal/planner"
)

var (
	runPlanFile     string
	runDebug        bool
	runUser         string
	runConversation string
)

var runCmd = &cobra.Command{
	Use:   "run [query...]",
	Short: "Answer one query and print the reply as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPlanFile, "plan", "", "execute this plan file (JSON or YAML) instead of planning")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "include the plan and step outcomes in the reply")
	runCmd.Flags().StringVar(&runUser, "user", "", "user id sent to workers")
	runCmd.Flags().StringVar(&runConversation, "conversation", "", "conversation id (generated when empty)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var override planner.Planner
	if runPlanFile != "" {
		p, err := loadPlan(runPlanFile)
		if err != nil {
			return err
		}
		override = planner.Static{P: p}
	}

	ctx := cmd.Context()
	a, err := build(ctx, cfg, override)
	if err != nil {
		return err
	}
	defer a.Close()

	reply, err := a.orch.Handle(ctx, orchestrator.Query{
		Text:           strings.Join(args, " "),
		UserID:         runUser,
		ConversationID: runConversation,
		Options:        orchestrator.Options{Debug: runDebug},
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(reply)
}

// loadPlan reads a plan file. JSON is checked against the plan schema;
// YAML is decoded directly. Both are validated again before execution.
func loadPlan(path string) (plan.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("reading plan %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var p plan.Plan
		if err := yaml.Unmarshal(data, &p); err != nil {
			return plan.Plan{}, fmt.Errorf("parsing plan %s: %w", path, err)
		}
		return p, nil
	}
	v, err := plan.NewSchemaValidator()
	if err != nil {
		return plan.Plan{}, err
	}
	p, err := v.Decode(data)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("plan %s: %w", path, err)
	}
	return p, nil
}
