package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/migrate"
	"caseline/internal/reconcile"
	"caseline/internal/repo"
	"caseline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Caseline CLI",
	Long: `Caseline runs public-records cases through a supervised response pipeline.
Core concepts:
- Workspace: your .caseline directory with the database; pipeline config is
  stored in the DB and imported explicitly (cl config import).
- Case: one records request against one agency, with its full message history.
- Run: one pass of the pipeline (classify -> decide -> draft -> check -> gate),
  triggered by an inbound message, a due follow-up, or a manual kick. A new
  trigger supersedes whatever run was active.
- Proposal: a drafted outbound action waiting for a human decision. Approve,
  dismiss, withdraw, or adjust with 'cl proposal decide'.
- Sweep: expires stale approval windows, applies received decisions, and
  fires due follow-ups. Run it from cron.
- Event log: diary of changes, view with 'cl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(deadLetterCmd())
	rootCmd.AddCommand(lessonCmd())
	rootCmd.AddCommand(credentialCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "case",
		Short: "Manage cases",
		Long:  "Cases are records requests. They move between awaiting_response, sent, needs_human_review, completed, and cancelled as the pipeline works them.",
	}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseCancelCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var id, agency, subject, mode, portalURL string
	var scope []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agency == "" || subject == "" {
				return fmt.Errorf("--agency and --subject required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCase(ctx, engine.CaseCreateOptions{
					ID:         id,
					Agency:     agency,
					Subject:    subject,
					Mode:       mode,
					PortalURL:  portalURL,
					ScopeItems: scope,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "case id (generated when omitted)")
	cmd.Flags().StringVar(&agency, "agency", "", "agency name")
	cmd.Flags().StringVar(&subject, "subject", "", "request subject")
	cmd.Flags().StringVar(&mode, "mode", "", "supervised or autonomous (default from config)")
	cmd.Flags().StringVar(&portalURL, "portal-url", "", "agency portal URL")
	cmd.Flags().StringArrayVar(&scope, "scope", nil, "requested record category (repeatable)")
	return cmd
}

func caseListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCases(ctx, repo.CaseFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agency", "Status", "Substatus", "Mode", "Updated"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Agency, c.Status, c.Substatus, c.Mode, c.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case with its runs and open work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				runs, err := r.ListRuns(ctx, repo.RunFilters{CaseID: c.ID, Limit: 10})
				if err != nil {
					return err
				}
				proposals, err := r.ListProposals(ctx, repo.ProposalFilters{CaseID: c.ID, Limit: 10})
				if err != nil {
					return err
				}
				escalations, err := r.ListEscalations(ctx, c.ID, true)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"case":             c,
					"recent_runs":      runs,
					"recent_proposals": proposals,
					"open_escalations": escalations,
				})
			})
		},
	}
	return cmd
}

func caseCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <case-id>",
		Short: "Cancel a case and withdraw its pending work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CancelCase(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func messageCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "message",
		Short: "Ingest and inspect agency messages",
	}
	m.AddCommand(messageIngestCmd())
	m.AddCommand(messageListCmd())
	return m
}

func messageIngestCmd() *cobra.Command {
	var caseID, subject, body, file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Record an inbound agency response and run the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID == "" {
				return fmt.Errorf("--case required")
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				body = string(data)
			}
			if strings.TrimSpace(body) == "" {
				return fmt.Errorf("--body or --file required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, run, err := e.IngestMessage(ctx, caseID, subject, body, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"message": m, "run": run})
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	cmd.Flags().StringVar(&subject, "subject", "", "message subject")
	cmd.Flags().StringVar(&body, "body", "", "message body text")
	cmd.Flags().StringVar(&file, "file", "", "read body from file")
	return cmd
}

func messageListCmd() *cobra.Command {
	var caseID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages on a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID == "" {
				return fmt.Errorf("--case required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMessages(ctx, caseID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Inspect and start pipeline runs",
	}
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runStartCmd())
	return run
}

func runListCmd() *cobra.Command {
	var caseID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRuns(ctx, repo.RunFilters{CaseID: caseID, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Case", "Trigger", "Status", "Error", "Created"})
				for _, run := range items {
					tw.AppendRow(table.Row{run.ID, run.CaseID, run.TriggerKind, run.Status, run.Error, run.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runStartCmd() *cobra.Command {
	var caseID string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a manual run on a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID == "" {
				return fmt.Errorf("--case required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.StartRun(ctx, caseID, domain.TriggerManual, nil, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	return cmd
}

func proposalCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "proposal",
		Short: "Review and decide drafted proposals",
	}
	p.AddCommand(proposalListCmd())
	p.AddCommand(proposalShowCmd())
	p.AddCommand(proposalDecideCmd())
	return p
}

func proposalListCmd() *cobra.Command {
	var caseID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProposals(ctx, repo.ProposalFilters{CaseID: caseID, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Case", "Action", "Status", "Flags", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.CaseID, p.Action, p.Status, strings.Join(p.RiskFlags, ","), p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show a proposal with its drafted text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Proposal %s (%s)\n", p.ID, p.Status)
				fmt.Printf("Case:    %s\n", p.CaseID)
				fmt.Printf("Action:  %s\n", p.Action)
				if len(p.RiskFlags) > 0 {
					fmt.Printf("Flags:   %s\n", strings.Join(p.RiskFlags, ", "))
				}
				fmt.Printf("Subject: %s\n\n%s\n", p.Subject, p.BodyText)
				return nil
			})
		},
	}
	return cmd
}

func proposalDecideCmd() *cobra.Command {
	var decision, note string
	cmd := &cobra.Command{
		Use:   "decide <proposal-id>",
		Short: "Approve, dismiss, withdraw, or adjust a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision = strings.ToUpper(strings.TrimSpace(decision))
			switch decision {
			case domain.DecisionApprove, domain.DecisionDismiss, domain.DecisionWithdraw, domain.DecisionAdjust:
			default:
				return fmt.Errorf("--decision must be APPROVE, DISMISS, WITHDRAW, or ADJUST")
			}
			if decision == domain.DecisionAdjust && strings.TrimSpace(note) == "" {
				return fmt.Errorf("ADJUST needs --note with redraft instructions")
			}
			actorID := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Gate.SubmitDecision(ctx, args[0], decision, note, actorID)
				if err != nil {
					return err
				}
				if p.WaitToken != nil {
					if err := e.Resume(ctx, *p.WaitToken, actorID); err != nil {
						return err
					}
				}
				p, err = e.Repo.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVE, DISMISS, WITHDRAW, or ADJUST")
	cmd.Flags().StringVar(&note, "note", "", "decision note (redraft instructions for ADJUST)")
	return cmd
}

func escalationCmd() *cobra.Command {
	e := &cobra.Command{
		Use:   "escalation",
		Short: "Manage escalations",
	}
	e.AddCommand(escalationListCmd())
	e.AddCommand(escalationResolveCmd())
	return e
}

func escalationListCmd() *cobra.Command {
	var caseID string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEscalations(ctx, caseID, !all)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id filter")
	cmd.Flags().BoolVar(&all, "all", false, "include resolved escalations")
	return cmd
}

func escalationResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <escalation-id>",
		Short: "Mark an escalation resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				esc, err := e.Repo.GetEscalation(ctx, args[0])
				if err != nil {
					return err
				}
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.ResolveEscalation(ctx, tx, esc.ID, actorID, now); err != nil {
					return err
				}
				if err := e.Events.Append(ctx, tx, "escalation.resolved", esc.CaseID, "escalation", esc.ID, actorID, nil); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	return cmd
}

func deadLetterCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect the dead letter queue",
	}
	d.AddCommand(deadLetterListCmd())
	d.AddCommand(deadLetterResolveCmd())
	return d
}

func deadLetterListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDeadLetters(ctx, !all)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved entries")
	return cmd
}

func deadLetterResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <dead-letter-id>",
		Short: "Mark a dead letter resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.ResolveDeadLetter(ctx, tx, args[0], actorID, now); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	return cmd
}

func lessonCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "lesson",
		Short: "Inspect learned routing lessons",
	}
	l.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List lessons",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListLessons(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	l.AddCommand(lessonAddCmd())
	return l
}

func lessonAddCmd() *cobra.Command {
	var intent, constraint, action, stance string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a routing lesson by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			if intent == "" || action == "" {
				return fmt.Errorf("--intent and --action required")
			}
			if stance != "prefer" && stance != "forbid" {
				return fmt.Errorf("--stance must be prefer or forbid")
			}
			if !domain.KnownAction(action) {
				return fmt.Errorf("unknown action %s", action)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				version, err := r.NextLessonVersion(ctx, tx, intent, constraint, action)
				if err != nil {
					return err
				}
				lesson := domain.Lesson{
					ID:                uuid.NewString(),
					PatternIntent:     intent,
					PatternConstraint: constraint,
					Action:            action,
					Stance:            stance,
					Source:            "manual:" + viper.GetString("actor-id"),
					Version:           version,
					CreatedAt:         now,
				}
				if err := r.InsertLesson(ctx, tx, lesson); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(lesson)
			})
		},
	}
	cmd.Flags().StringVar(&intent, "intent", "", "intent the lesson matches")
	cmd.Flags().StringVar(&constraint, "constraint", "", "optional constraint kind the case must carry")
	cmd.Flags().StringVar(&action, "action", "", "action the lesson is about")
	cmd.Flags().StringVar(&stance, "stance", "prefer", "prefer or forbid")
	return cmd
}

func credentialCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "credential",
		Short: "Manage channel credentials",
	}
	c.AddCommand(credentialSetCmd())
	return c
}

func credentialSetCmd() *cobra.Command {
	var channel, status string
	var verified bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set credential status for a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			if channel == "" || status == "" {
				return fmt.Errorf("--channel and --status required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var verifiedAt *string
				if verified {
					now := time.Now().UTC().Format(time.RFC3339)
					verifiedAt = &now
				}
				if err := e.SetCredential(ctx, channel, status, verifiedAt, viper.GetString("actor-id")); err != nil {
					return err
				}
				cred, err := e.Repo.GetCredential(ctx, channel)
				if err != nil {
					return err
				}
				return printJSONOrTable(cred)
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel (email, portal)")
	cmd.Flags().StringVar(&status, "status", "", "active, locked, or inactive")
	cmd.Flags().BoolVar(&verified, "verified", false, "mark the credential verified now")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	a.AddCommand(apiKeyCreateCmd())
	a.AddCommand(apiKeyListCmd())
	a.AddCommand(apiKeyDeleteCmd())
	return a
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || key == "" {
				return fmt.Errorf("--actor and --key required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				rec := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: now,
				}
				if err := r.InsertAPIKey(ctx, tx, rec); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("Created API key %s for actor %s. Store the plaintext now; only the hash is kept.\n", rec.ID, actor)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringVar(&key, "key", "", "plaintext key to hash and store")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = ""
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Manage pipeline config",
	}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configImportCmd())
	return c
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default caseline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertAppConfig(ctx, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Long:  "See the scoreboard: case counts per status, open escalations, and open dead letters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountCasesByStatus(ctx)
				if err != nil {
					return err
				}
				escalations, err := r.ListEscalations(ctx, "", true)
				if err != nil {
					return err
				}
				deadLetters, err := r.ListDeadLetters(ctx, true)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"case_counts":       counts,
						"open_escalations":  len(escalations),
						"open_dead_letters": len(deadLetters),
					})
				}
				fmt.Println("Cases:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Open escalations: %d\n", len(escalations))
				fmt.Printf("Open dead letters: %d\n", len(deadLetters))
				return nil
			})
		},
	}
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale approvals, apply decisions, fire due follow-ups",
		Long:  "One maintenance pass over suspended state. Safe to run from cron; every step is idempotent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				expired, err := e.ExpireWaitpoints(ctx, actorID)
				if err != nil {
					return err
				}
				resumed, err := e.ResumeResolved(ctx, actorID)
				if err != nil {
					return err
				}
				followUps, err := e.RunDueFollowUps(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"expired":           expired,
					"resumed":           resumed,
					"followups_started": followUps,
				})
			})
		},
	}
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair stuck runs, message markers, and executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec := reconcile.Reconciler{DB: e.DB, Repo: e.Repo, Events: e.Events, Now: e.Now}
				report, err := rec.Run(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var caseID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, caseID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&caseID, "case", "", "case id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := resolveConfig(cmd.Context(), workspace, repo.Repo{DB: conn})
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:        os.Getenv("CASELINE_JWT_SECRET"),
				AllowActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("CASELINE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Caseline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without auth (local only)")
	return cmd
}

// --- helpers ---

// resolveConfig prefers the imported DB config and falls back to
// caseline.yml, then to built-in defaults.
func resolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetAppConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	return config.Default(), nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := resolveConfig(ctx, workspace, repo.Repo{DB: conn})
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
