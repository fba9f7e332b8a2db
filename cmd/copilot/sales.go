package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/engine"
)

func bantCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "bant",
		Short: "Score qualification",
		Long:  "BANT scores budget, authority, need and timeline from recent interactions and signals. Grade A promotes CONTACTED/ENGAGED accounts to QUALIFIED.",
	}
	b.AddCommand(bantScoreCmd())
	b.AddCommand(bantHistoryCmd())
	b.AddCommand(bantShowCmd())
	return b
}

func bantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <score-id>",
		Short: "Show one stored score with its rationale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetBantScore(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Score %d for account %d at %s: grade %s (%d) B%d A%d N%d T%d, stage %s\n",
					s.ID, s.AccountID, s.CreatedAt, s.Grade, s.Total, s.Budget, s.Authority, s.Need, s.Timeline, s.PipelineStage)
				fmt.Println("Why:", s.Rationale)
				fmt.Println("Next:", s.RecommendedNextAction)
				return nil
			})
		},
	}
}

func bantScoreCmd() *cobra.Command {
	var accountID int64
	var lookback int
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score an account now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ScoreBant(ctx, accountID, lookback, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Grade %s (%d) B%d A%d N%d T%d, stage %s\n", s.Grade, s.Total, s.Budget, s.Authority, s.Need, s.Timeline, s.PipelineStage)
				fmt.Println("Why:", s.Rationale)
				fmt.Println("Next:", s.RecommendedNextAction)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "account id")
	cmd.Flags().IntVar(&lookback, "lookback-days", 0, "window in days (config default when 0)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func bantHistoryCmd() *cobra.Command {
	var accountID int64
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scores, err := e.ListBantScores(ctx, accountID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(scores)
				}
				tw := newTable("ID", "When", "Grade", "Total", "B", "A", "N", "T", "Stage")
				for _, s := range scores {
					tw.AppendRow(table.Row{s.ID, s.CreatedAt, s.Grade, s.Total, s.Budget, s.Authority, s.Need, s.Timeline, s.PipelineStage})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "account id")
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func painCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "pain",
		Short: "Generate and curate pain profiles",
		Long:  "Pain profiles are generated from the signals you select. Each profile cites only signals from that selection.",
	}
	p.AddCommand(painGenerateCmd())
	p.AddCommand(painListCmd())
	p.AddCommand(painUpdateCmd())
	p.AddCommand(painDeleteCmd())
	return p
}

// parseSelection reads "id" or "id=annotation" values.
func parseSelection(values []string) ([]int64, map[int64]string, error) {
	ids := make([]int64, 0, len(values))
	notes := map[int64]string{}
	for _, v := range values {
		idPart, note, _ := strings.Cut(v, "=")
		id, err := strconv.ParseInt(strings.TrimSpace(idPart), 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid signal selection %q", v)
		}
		ids = append(ids, id)
		if note = strings.TrimSpace(note); note != "" {
			notes[id] = note
		}
	}
	return ids, notes, nil
}

func painGenerateCmd() *cobra.Command {
	var opts engine.PainGenerateOptions
	var selected []string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate pain profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			if cmd.Flags().Changed("signal") {
				ids, notes, err := parseSelection(selected)
				if err != nil {
					return err
				}
				opts.SignalIDs, opts.Annotations = ids, notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pains, err := e.GeneratePainProfiles(ctx, opts)
				if err != nil {
					return err
				}
				return printPains(pains)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.AccountID, "account", 0, "account id")
	cmd.Flags().StringArrayVar(&selected, "signal", nil, "selected signal id, optionally id=annotation (repeatable; omit for all)")
	cmd.Flags().StringArrayVar(&opts.PersonaTargets, "persona", nil, "persona to target (repeatable)")
	cmd.Flags().IntVar(&opts.MaxItems, "max", 0, "max profiles (config default when 0)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func painListCmd() *cobra.Command {
	var accountID int64
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pain profiles by confidence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pains, err := e.ListPainProfiles(ctx, accountID, limit)
				if err != nil {
					return err
				}
				return printPains(pains)
			})
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "account id")
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func printPains(pains []domain.PainProfile) error {
	if viper.GetBool("json") {
		return printJSON(pains)
	}
	tw := newTable("ID", "Persona", "Confidence", "Evidence", "Pain", "Provider")
	for _, p := range pains {
		ids := make([]string, 0, len(p.Evidence.SignalIDs))
		for _, id := range p.Evidence.SignalIDs {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		tw.AppendRow(table.Row{p.ID, p.Persona, fmt.Sprintf("%.2f", p.Confidence), strings.Join(ids, ","), truncate(p.PainStatement, 70), p.Generation.Provider})
	}
	tw.Render()
	return nil
}

func painUpdateCmd() *cobra.Command {
	var persona, statement, impact, anchor string
	var confidence float64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a pain profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			u := engine.PainUpdate{ID: id, ActorID: actorID()}
			if cmd.Flags().Changed("persona") {
				u.Persona = &persona
			}
			if cmd.Flags().Changed("pain") {
				u.PainStatement = &statement
			}
			if cmd.Flags().Changed("impact") {
				u.BusinessImpact = &impact
			}
			if cmd.Flags().Changed("anchor") {
				u.TechnicalAnchor = &anchor
			}
			if cmd.Flags().Changed("confidence") {
				u.Confidence = &confidence
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdatePainProfile(ctx, u)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&persona, "persona", "", "persona")
	cmd.Flags().StringVar(&statement, "pain", "", "pain statement")
	cmd.Flags().StringVar(&impact, "impact", "", "business impact")
	cmd.Flags().StringVar(&anchor, "anchor", "", "technical anchor")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "confidence 0-1")
	return cmd
}

func painDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a pain profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				missing, err := e.DeletePainProfile(ctx, id, actorID())
				if err != nil {
					return err
				}
				if missing {
					fmt.Println("pain profile", id, "was already gone")
					return nil
				}
				fmt.Println("deleted pain profile", id)
				return nil
			})
		},
	}
}

func outreachCmd() *cobra.Command {
	o := &cobra.Command{
		Use:   "outreach",
		Short: "Draft and review outreach",
		Long:  "Drafts start as DRAFT and are approved or rejected once. Nothing is sent automatically.",
	}
	o.AddCommand(outreachGenerateCmd())
	o.AddCommand(outreachListCmd())
	o.AddCommand(outreachReviewCmd("approve", domain.DraftStatusApproved))
	o.AddCommand(outreachReviewCmd("reject", domain.DraftStatusRejected))
	return o
}

func outreachGenerateCmd() *cobra.Command {
	var in engine.OutreachInput
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Draft a message for a contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GenerateOutreach(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				printDraft(d)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&in.ContactID, "contact", 0, "contact id")
	cmd.Flags().StringVar(&in.Channel, "channel", "EMAIL", "EMAIL or LINKEDIN")
	cmd.Flags().StringVar(&in.Intent, "intent", "FIRST_TOUCH", "FIRST_TOUCH, FOLLOW_UP or MEETING_REQUEST")
	cmd.Flags().StringVar(&in.Tone, "tone", "", "tone hint")
	_ = cmd.MarkFlagRequired("contact")
	return cmd
}

func printDraft(d domain.OutreachDraft) {
	fmt.Printf("Draft #%d [%s] %s/%s via %s\n", d.ID, d.Status, d.Channel, d.Intent, d.Generation.Provider)
	if d.Subject != "" {
		fmt.Println("Subject:", d.Subject)
	}
	fmt.Println(d.Body)
	if d.CTA != "" {
		fmt.Println("CTA:", d.CTA)
	}
}

func outreachListCmd() *cobra.Command {
	var contactID int64
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drafts of a contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				drafts, err := e.ListOutreach(ctx, contactID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(drafts)
				}
				tw := newTable("ID", "Status", "Channel", "Intent", "Subject", "Created")
				for _, d := range drafts {
					tw.AppendRow(table.Row{d.ID, d.Status, d.Channel, d.Intent, d.Subject, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&contactID, "contact", 0, "contact id")
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	_ = cmd.MarkFlagRequired("contact")
	return cmd
}

func outreachReviewCmd(use, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: "Mark a draft " + strings.ToLower(status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.SetOutreachStatus(ctx, id, status, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "pipeline",
		Short: "Inspect and steer the pipeline",
		Long:  "Stages: DISCOVERY -> CONTACTED -> ENGAGED -> QUALIFIED -> TECHNICAL_EVAL -> WON/LOST, with NURTURE as a parking lane.",
	}
	p.AddCommand(pipelineBoardCmd())
	p.AddCommand(pipelineShowCmd())
	p.AddCommand(pipelineSetStageCmd())
	return p
}

func pipelineBoardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Show accounts grouped by stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cols, err := e.PipelineBoard(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cols)
				}
				tw := newTable("Stage", "Account", "Company", "Tier", "Prob", "BANT", "Due", "Owner", "Next action")
				for _, col := range cols {
					for _, it := range col.Items {
						tw.AppendRow(table.Row{col.Stage, it.AccountID, it.CompanyName, it.PriorityTier, fmt.Sprintf("%.0f%%", it.Probability*100), deref(it.LatestBANTGrade), it.DueDate, it.Owner, truncate(it.NextAction, 50)})
					}
					if len(col.Items) > 0 {
						tw.AppendSeparator()
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

func pipelineShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <account-id>",
		Short: "Show an account's pipeline item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.GetPipelineItem(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func pipelineSetStageCmd() *cobra.Command {
	var o engine.StageOverride
	var blocker string
	cmd := &cobra.Command{
		Use:   "set-stage <account-id>",
		Short: "Override stage, due date, owner or blocker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			o.AccountID = id
			o.ActorID = actorID()
			if cmd.Flags().Changed("blocker") {
				o.Blocker = &blocker
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.SetPipelineStage(ctx, o)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&o.Stage, "stage", "", "target stage")
	cmd.Flags().StringVar(&o.DueDate, "due", "", "due date YYYY-MM-DD")
	cmd.Flags().StringVar(&o.Owner, "owner", "", "owner")
	cmd.Flags().StringVar(&blocker, "blocker", "", "blocker text (empty clears)")
	return cmd
}

func reportCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "report",
		Short: "Activity reports",
	}
	r.AddCommand(&cobra.Command{
		Use:   "weekly",
		Short: "Summarize the last 7 days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.WeeklyReport(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("Week %s .. %s\n", rep.StartDate, rep.EndDate)
				tw := newTable("Metric", "Value")
				tw.AppendRows([]table.Row{
					{"Outbound touches", rep.OutboundCount},
					{"Inbound replies", rep.InboundCount},
					{"Accounts touched", rep.AccountsTouched},
					{"Drafts created", rep.DraftsCreated},
					{"Drafts approved", rep.DraftsApproved},
					{"Drafts rejected", rep.DraftsRejected},
					{"BANT A / B / C", fmt.Sprintf("%d / %d / %d", rep.BANTACount, rep.BANTBCount, rep.BANTCCount)},
					{"Technical handoffs", rep.TechnicalHandoffs},
				})
				tw.Render()
				return nil
			})
		},
	})
	return r
}
