package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"authvault/internal/recovery"
)

func newDisasterRecoveryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "disaster-recovery",
		Aliases: []string{"dr"},
		Short:   "List, test and execute disaster recovery plans",
	}

	cmd.AddCommand(
		newDRListPlansCmd(a),
		newDRExecuteCmd(a),
		newDRTestCmd(a),
	)

	return cmd
}

func newDRListPlansCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-plans",
		Short: "List the recovery plans, highest priority first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}

			plans, err := orch.ListPlans(ctx)
			if err != nil {
				return err
			}
			if len(plans) == 0 {
				fmt.Printf("No recovery plans found in %s.\n", a.cfg.Recovery.PlansDir)
				return nil
			}

			headingStyle.Printf("%-28s %-8s %-10s %6s  %s\n", "PLAN ID", "PRIO", "TRIGGER", "STEPS", "NAME")
			for _, plan := range plans {
				fmt.Printf("%-28s %-8d %-10s %6d  %s\n",
					plan.ID, plan.Priority, plan.Trigger.Type, len(plan.Steps), plan.Name)
			}
			return nil
		},
	}
}

func newDRExecuteCmd(a *app) *cobra.Command {
	var backupID string

	cmd := &cobra.Command{
		Use:   "execute <plan-id>",
		Short: "Execute one recovery plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}

			result, runErr := orch.ExecutePlan(ctx, args[0], recovery.ExecuteOptions{BackupID: backupID})
			printRunResult(result)
			return runErr
		},
	}

	cmd.Flags().StringVar(&backupID, "backup-id", "", "pin restore steps to this backup set instead of the most recent")

	return cmd
}

func newDRTestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Dry-run every recovery plan and report whether each is executable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}

			ok, err := orch.TestRecoveryProcedures(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("one or more recovery plans failed their test")
			}

			okStyle.Println("All recovery plans passed their tests.")
			return nil
		},
	}
}

func printRunResult(result *recovery.RunResult) {
	if result == nil {
		return
	}

	switch result.Status {
	case recovery.RunStatusSucceeded:
		okStyle.Printf("Plan %s succeeded in %s.\n", result.PlanID, result.Duration.Round(time.Millisecond))
	case recovery.RunStatusRolledBack:
		warnStyle.Printf("Plan %s failed and was rolled back.\n", result.PlanID)
	default:
		errStyle.Printf("Plan %s failed.\n", result.PlanID)
	}

	for _, step := range result.Steps {
		marker := "PASS"
		style := okStyle
		if step.Status != recovery.RunStatusSucceeded {
			marker = "FAIL"
			style = errStyle
		}
		style.Printf("  %s  %-24s %-14s attempts=%d %s\n",
			marker, step.StepID, step.Type, step.Attempts, step.Duration.Round(time.Millisecond))
		if step.Error != "" {
			fmt.Printf("        %s\n", step.Error)
		}
	}

	for _, rollbackErr := range result.RollbackErrors {
		warnStyle.Printf("  rollback issue: %s\n", rollbackErr)
	}
}
