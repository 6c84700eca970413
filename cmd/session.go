package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vericase/deepresearch/internal/models"
	"github.com/vericase/deepresearch/internal/output"
	"github.com/vericase/deepresearch/internal/research"
)

var (
	sessionScope    string
	sessionFocus    []string
	sessionFeedback string
	sessionState    string
	sessionWait     bool
	sessionJSON     bool
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"s"},
	Short:   "Run and inspect research sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <topic>",
	Short: "Start a session and generate a plan for review",
	Long: `Start a research session for a case or project.

A plan is generated from the topic and a summary of the scope's corpus, then
shown for review. Nothing is researched until the plan is approved.

  deepresearch session start --scope case:42 --focus chronology,causation \
    "What caused the 6-week slippage in Phase 2?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionStartRun(cmd.Context(), strings.Join(args, " "))
	},
}

var sessionApproveCmd = &cobra.Command{
	Use:   "approve <session-id> <plan-version>",
	Short: "Approve a plan version and run the research",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid plan version %q", args[1])
		}
		return sessionApproveRun(cmd.Context(), args[0], version)
	},
}

var sessionModifyCmd = &cobra.Command{
	Use:   "modify <session-id> <plan-version>",
	Short: "Reject a plan version with feedback and generate a revision",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid plan version %q", args[1])
		}
		return sessionModifyRun(cmd.Context(), args[0], version, sessionFeedback)
	},
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session's state and current plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionStatusRun(cmd.Context(), args[0])
	},
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session that has not finished",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCancelRun(cmd.Context(), args[0])
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions for a case or project, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd.Context())
	},
}

var sessionReportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Show the report of a completed session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionReportRun(cmd.Context(), args[0])
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Continue a session interrupted during planning or research",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionResumeRun(cmd.Context(), args[0])
	},
}

var sessionAuditCmd = &cobra.Command{
	Use:   "audit <session-id>",
	Short: "Show every recorded revision of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionAuditRun(cmd.Context(), args[0])
	},
}

func init() {
	sessionStartCmd.Flags().StringVar(&sessionScope, "scope", "", `Scope as "case:<id>" or "project:<id>" (required)`)
	sessionStartCmd.Flags().StringSliceVar(&sessionFocus, "focus", nil, "Focus areas to restrict the plan to")
	_ = sessionStartCmd.MarkFlagRequired("scope")

	sessionModifyCmd.Flags().StringVarP(&sessionFeedback, "feedback", "f", "", "What should change in the plan (required)")
	_ = sessionModifyCmd.MarkFlagRequired("feedback")

	sessionListCmd.Flags().StringVar(&sessionScope, "scope", "", `Scope as "case:<id>" or "project:<id>" (required)`)
	sessionListCmd.Flags().StringVar(&sessionState, "state", "", "Only show sessions in this state")
	_ = sessionListCmd.MarkFlagRequired("scope")

	for _, c := range []*cobra.Command{sessionApproveCmd, sessionResumeCmd} {
		c.Flags().BoolVar(&sessionWait, "wait", true, "Wait for research and synthesis to finish; with --wait=false a running 'serve' picks the session up")
	}
	for _, c := range []*cobra.Command{
		sessionStartCmd, sessionApproveCmd, sessionModifyCmd, sessionStatusCmd,
		sessionCancelCmd, sessionListCmd, sessionReportCmd, sessionResumeCmd, sessionAuditCmd,
	} {
		c.Flags().BoolVar(&sessionJSON, "json", false, "Print JSON instead of formatted output")
		sessionCmd.AddCommand(c)
	}
	rootCmd.AddCommand(sessionCmd)
}

func sessionStartRun(ctx context.Context, topic string) error {
	scope, err := models.ParseScope(sessionScope)
	if err != nil {
		return err
	}
	mgr, err := getManager()
	if err != nil {
		return err
	}

	ui.VerboseLog("Generating plan for %s", scope)
	sess, err := mgr.StartSession(ctx, research.StartRequest{Scope: scope, Topic: topic, FocusAreas: sessionFocus})
	if err != nil {
		var pge *research.PlanGenerationError
		if errors.As(err, &pge) {
			ui.Warning("Retry with: deepresearch session resume %s", pge.SessionID)
		}
		return err
	}
	return printStatus(sess.Status())
}

func sessionApproveRun(ctx context.Context, id string, version int) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	sess, err := mgr.ApproveSession(ctx, id, version)
	if err != nil {
		return err
	}
	ui.Success("Plan v%d approved, researching %d step(s)", version, len(sess.CurrentPlan().Steps))
	return finishSession(ctx, mgr, id)
}

func sessionModifyRun(ctx context.Context, id string, version int, feedback string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	sess, err := mgr.RequestModification(ctx, id, version, feedback)
	if err != nil {
		return err
	}
	return printStatus(sess.Status())
}

func sessionStatusRun(ctx context.Context, id string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	status, err := mgr.GetSessionStatus(ctx, id)
	if err != nil {
		return err
	}
	return printStatus(status)
}

func sessionCancelRun(ctx context.Context, id string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would cancel session %s", id)
		return nil
	}
	sess, err := mgr.CancelSession(ctx, id)
	if err != nil {
		return err
	}
	if sessionJSON {
		return printJSON(sess.Status())
	}
	ui.Success("Session %s cancelled", id)
	return nil
}

func sessionListRun(ctx context.Context) error {
	scope, err := models.ParseScope(sessionScope)
	if err != nil {
		return err
	}
	mgr, err := getManager()
	if err != nil {
		return err
	}
	list, err := mgr.ListSessionHistory(ctx, scope)
	if err != nil {
		return err
	}
	if sessionState != "" {
		filtered := list[:0]
		for _, row := range list {
			if string(row.State) == strings.ToLower(sessionState) {
				filtered = append(filtered, row)
			}
		}
		list = filtered
	}

	if sessionJSON {
		return printJSON(list)
	}
	if len(list) == 0 {
		ui.Info("No sessions for %s. Start one with 'deepresearch session start --scope %s <topic>'.", scope, scope)
		return nil
	}

	table := ui.Table([]string{"ID", "Topic", "State", "Plan", "Updated"})
	for _, row := range list {
		table.Append([]string{
			row.ID,
			output.Truncate(row.Topic, 48),
			output.StateColor(string(row.State)),
			planLabel(row.PlanVersion),
			row.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return table.Render()
}

func sessionReportRun(ctx context.Context, id string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	report, err := mgr.GetSessionReport(ctx, id)
	if err != nil {
		return err
	}
	if sessionJSON {
		return printJSON(report)
	}
	sess, err := mgr.GetSession(ctx, id)
	if err != nil {
		return err
	}
	printReport(sess, report)
	return nil
}

func sessionResumeRun(ctx context.Context, id string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	sess, err := mgr.ResumeSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.State == models.StatePlanReview {
		return printStatus(sess.Status())
	}
	ui.Info("Session %s resumed in %s", id, sess.State)
	return finishSession(ctx, mgr, id)
}

func sessionAuditRun(ctx context.Context, id string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	snaps, err := mgr.GetSessionAudit(ctx, id)
	if err != nil {
		return err
	}
	if sessionJSON {
		return printJSON(snaps)
	}

	table := ui.Table([]string{"Rev", "State", "Plan", "Findings", "Last Decision", "At"})
	for _, snap := range snaps {
		plan, findings, decision := "-", "0", "-"
		if s := snap.Session; s != nil {
			plan = planLabel(s.CurrentPlanVersion())
			findings = strconv.Itoa(len(s.Findings))
			if n := len(s.Decisions); n > 0 {
				d := s.Decisions[n-1]
				decision = fmt.Sprintf("%s v%d", d.Kind, d.PlanVersion)
			}
		}
		table.Append([]string{
			strconv.FormatInt(snap.Revision, 10),
			output.StateColor(string(snap.State)),
			plan,
			findings,
			decision,
			snap.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return table.Render()
}

// finishSession waits for background phases when --wait is set and prints
// where the session ended up.
func finishSession(ctx context.Context, mgr *research.Manager, id string) error {
	if !sessionWait {
		ui.Info("Not waiting. Check progress with 'deepresearch session status %s'.", id)
		return nil
	}
	ui.VerboseLog("Waiting for research to finish")
	mgr.Wait()

	status, err := mgr.GetSessionStatus(ctx, id)
	if err != nil {
		return err
	}
	switch status.State {
	case models.StateCompleted:
		if sessionJSON {
			return printJSON(status.Report)
		}
		sess, err := mgr.GetSession(ctx, id)
		if err != nil {
			return err
		}
		printReport(sess, status.Report)
		return nil
	case models.StateFailed:
		if status.Failure != nil {
			return fmt.Errorf("session %s failed during %s: %s", id, status.Failure.Kind, status.Failure.Message)
		}
		return fmt.Errorf("session %s failed", id)
	default:
		return printStatus(status)
	}
}

func printStatus(status *models.SessionStatus) error {
	if sessionJSON {
		return printJSON(status)
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(status.ID), output.StateColor(string(status.State)))
	fmt.Fprintf(ui.Out, "  Scope:    %s\n", status.Scope)
	fmt.Fprintf(ui.Out, "  Topic:    %s\n", status.Topic)
	if len(status.FocusAreas) > 0 {
		areas := make([]string, len(status.FocusAreas))
		for i, f := range status.FocusAreas {
			areas[i] = string(f)
		}
		fmt.Fprintf(ui.Out, "  Focus:    %s\n", strings.Join(areas, ", "))
	}
	fmt.Fprintf(ui.Out, "  Findings: %d (%d source(s) analyzed)\n", status.FindingsCount, status.SourcesAnalyzed)
	if status.Failure != nil {
		fmt.Fprintf(ui.Out, "  Failure:  %s\n", output.Red(fmt.Sprintf("%s: %s", status.Failure.Kind, status.Failure.Message)))
	}

	if plan := status.Plan; plan != nil {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "Plan v%d\n", plan.Version)
		if plan.Rationale != "" {
			fmt.Fprintf(ui.Out, "  %s\n", plan.Rationale)
		}
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"#", "Focus", "Sources", "After", "Step"})
		for i, st := range plan.Steps {
			table.Append([]string{
				strconv.Itoa(i),
				string(st.FocusArea),
				joinSourceTypes(st.SourceTypes),
				joinInts(st.DependsOn),
				st.Description,
			})
		}
		if err := table.Render(); err != nil {
			return err
		}
		if status.State == models.StatePlanReview {
			fmt.Fprintln(ui.Out)
			ui.Info("Approve:  deepresearch session approve %s %d", status.ID, plan.Version)
			ui.Info("Revise:   deepresearch session modify %s %d -f \"...\"", status.ID, plan.Version)
		}
	}
	return nil
}

func printReport(sess *models.Session, report *models.Report) {
	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(sess.Topic))
	fmt.Fprintf(ui.Out, "  Models: %s\n", strings.Join(report.ModelsUsed, ", "))
	if v := report.Validation; v != nil {
		verdict := output.Green("passed")
		if !v.Passed {
			verdict = output.Red("below threshold")
		}
		fmt.Fprintf(ui.Out, "  Citation coverage: %s (%s)\n", output.CoverageColor(v.Coverage), verdict)
	}

	for i, theme := range report.Themes {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "%d. %s\n", i+1, theme.Title)
		fmt.Fprintf(ui.Out, "   %s\n", theme.Narrative)
		for _, idx := range theme.SupportingFindings {
			if idx < 0 || idx >= len(sess.Findings) {
				continue
			}
			f := sess.Findings[idx]
			cited := f.CitedRefs
			if len(cited) == 0 {
				cited = f.SourceRefs
			}
			refs := strings.Join(cited, ", ")
			if refs == "" {
				refs = "no sources"
			}
			fmt.Fprintf(ui.Out, "   [%d] %s (%s)\n", idx, output.Truncate(f.Content, 72), refs)
		}
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out, string(data))
	return nil
}

func planLabel(version int) string {
	if version == 0 {
		return "-"
	}
	return fmt.Sprintf("v%d", version)
}

func joinSourceTypes(ts []models.SourceType) string {
	if len(ts) == 0 {
		return "any"
	}
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func joinInts(xs []int) string {
	if len(xs) == 0 {
		return "-"
	}
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}
