package main

import (
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentoven/supportdesk/internal/money"
	"github.com/agentoven/supportdesk/internal/refund"
)

// ── conversations ───────────────────────────────────────────

func conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "conversations", Aliases: []string{"conv"}, Short: "Inspect and take over conversations"}
	cmd.AddCommand(conversationsListCmd())
	cmd.AddCommand(conversationsMessagesCmd())
	cmd.AddCommand(conversationsClaimCmd())
	cmd.AddCommand(conversationsReleaseCmd())
	cmd.AddCommand(conversationsReplyCmd())
	cmd.AddCommand(conversationsPurgeCmd())
	return cmd
}

func conversationsListCmd() *cobra.Command {
	var state, userID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			convs, err := newClientFromConfig().ListConversations(cmd.Context(), state, userID, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(convs)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "User", "State", "Agent", "Title", "Updated"})
			for _, c := range convs {
				tw.AppendRow(table.Row{c.ID, c.UserID, c.ControlState, c.AssignedAgentID, c.Title, stamp(c.UpdatedAt)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by control state (automated, pending_human, human)")
	cmd.Flags().StringVar(&userID, "user", "", "filter by customer id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func conversationsMessagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "Show a conversation transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := newClientFromConfig().Messages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(msgs)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Time", "Role", "Author", "Content", "Trace"})
			for _, m := range msgs {
				tw.AppendRow(table.Row{stamp(m.CreatedAt), m.Role, m.AuthorID, m.Content, m.TraceID})
			}
			tw.Render()
			return nil
		},
	}
}

func conversationsClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <conversation-id>",
		Short: "Take over a conversation waiting for a human",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := newClientFromConfig().Claim(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(conv)
		},
	}
}

func conversationsReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <conversation-id>",
		Short: "Hand a conversation back to the assistant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := newClientFromConfig().Release(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(conv)
		},
	}
}

func conversationsReplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reply <conversation-id> <text...>",
		Short: "Send a message as the assigned agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := newClientFromConfig().Reply(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return printJSON(msg)
		},
	}
}

func conversationsPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <conversation-id>",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClientFromConfig().Purge(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("purged %s\n", args[0])
			return nil
		},
	}
}

// ── returns ─────────────────────────────────────────────────

func returnsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "returns", Short: "Inspect the return ledger"}
	cmd.AddCommand(returnsListCmd())
	cmd.AddCommand(returnsRefundCmd())
	return cmd
}

func returnsListCmd() *cobra.Command {
	var status, orderID, userID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List return records",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := newClientFromConfig().ListReturns(cmd.Context(), status, orderID, userID, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(recs)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Order", "User", "Status", "Refund", "Amount", "Attempts", "Updated"})
			for _, r := range recs {
				tw.AppendRow(table.Row{r.ID, r.OrderID, r.UserID, r.Status, r.RefundStatus, money.Format(r.RefundAmount), r.Attempts, stamp(r.UpdatedAt)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by ledger status")
	cmd.Flags().StringVar(&orderID, "order", "", "filter by order id")
	cmd.Flags().StringVar(&userID, "user", "", "filter by customer id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func returnsRefundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refund <return-id>",
		Short: "Re-drive a return through the refund executor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newClientFromConfig().Refund(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOutcome(out)
		},
	}
}

// ── approvals ───────────────────────────────────────────────

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approvals", Short: "Review refunds above the approval threshold"}
	cmd.AddCommand(approvalsListCmd())
	cmd.AddCommand(approvalsApproveCmd())
	cmd.AddCommand(approvalsRejectCmd())
	return cmd
}

func approvalsListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := newClientFromConfig().ListApprovals(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(tasks)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Order", "User", "Amount", "Status", "Reviewer", "Reason", "Created"})
			for _, t := range tasks {
				tw.AppendRow(table.Row{t.ID, t.OrderID, t.UserID, money.Format(t.Amount), t.Status, t.ReviewerID, t.Reason, stamp(t.CreatedAt)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "pending", "filter by status (pending, approved, rejected; empty for all)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func approvalsApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve a refund and execute it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newClientFromConfig().Approve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOutcome(out)
		},
	}
}

func approvalsRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Decline a refund",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newClientFromConfig().Reject(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printOutcome(out)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to the customer")
	return cmd
}

// ── trace ───────────────────────────────────────────────────

func traceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <trace-id>",
		Short: "Show every agent event recorded for one inbound message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := newClientFromConfig().Trace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(events)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Time", "Type", "Payload"})
			for _, ev := range events {
				tw.AppendRow(table.Row{stamp(ev.CreatedAt), ev.Type, string(ev.Payload)})
			}
			tw.Render()
			return nil
		},
	}
}

// ── output helpers ──────────────────────────────────────────

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printOutcome(out *refund.Outcome) error {
	if viper.GetBool("json") {
		return printJSON(out)
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"Action", out.Action},
		{"Order", out.OrderID},
		{"Return", out.ReturnID},
		{"Refund id", out.RefundID},
		{"Amount", money.Display(out.Amount, out.Currency)},
		{"Reason", out.Reason},
	})
	tw.Render()
	return nil
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}
