package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zxc5118690/Sales-Copilot/internal/engine"
	"github.com/zxc5118690/Sales-Copilot/internal/repo"
)

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func accountCmd() *cobra.Command {
	acc := &cobra.Command{
		Use:   "account",
		Short: "Manage target accounts",
		Long:  "Accounts are target companies. Creating one also opens its pipeline item in DISCOVERY.",
	}
	acc.AddCommand(accountCreateCmd())
	acc.AddCommand(accountListCmd())
	acc.AddCommand(accountShowCmd())
	acc.AddCommand(accountDeleteCmd())
	return acc
}

func accountCreateCmd() *cobra.Command {
	var in engine.AccountInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAccount(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&in.CompanyName, "company", "", "company name")
	cmd.Flags().StringVar(&in.Segment, "segment", "", "segment (WAFER_FAB, INSPECTION_METROLOGY, PACKAGING_TEST, FACTORY_AUTOMATION, DISPLAY, SEMICON)")
	cmd.Flags().StringVar(&in.Region, "region", "", "region")
	cmd.Flags().StringVar(&in.Website, "website", "", "website")
	cmd.Flags().StringVar(&in.Source, "source", "", "lead source")
	cmd.Flags().StringVar(&in.PriorityTier, "tier", "", "priority tier (T1, T2, T3)")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("segment")
	return cmd
}

func accountListCmd() *cobra.Command {
	var f repo.AccountFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				accounts, err := e.ListAccounts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(accounts)
				}
				tw := newTable("ID", "Company", "Segment", "Tier", "Region")
				for _, a := range accounts {
					tw.AppendRow(table.Row{a.ID, a.CompanyName, a.Segment, a.PriorityTier, a.Region})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Segment, "segment", "", "segment filter")
	cmd.Flags().StringVar(&f.PriorityTier, "tier", "", "tier filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func accountShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an account with its pipeline item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAccount(ctx, id)
				if err != nil {
					return err
				}
				item, err := e.GetPipelineItem(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"account": a, "pipeline": item})
			})
		},
	}
}

func accountDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an account and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteAccount(ctx, id, actorID()); err != nil {
					return err
				}
				fmt.Println("deleted account", id)
				return nil
			})
		},
	}
}

func contactCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "contact",
		Short: "Manage contacts",
	}
	c.AddCommand(contactCreateCmd())
	c.AddCommand(contactListCmd())
	return c
}

func contactCreateCmd() *cobra.Command {
	var in engine.ContactInput
	var score int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ActorID = actorID()
			if cmd.Flags().Changed("contactability") {
				in.ContactabilityScore = &score
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateContact(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().Int64Var(&in.AccountID, "account", 0, "account id")
	cmd.Flags().StringVar(&in.FullName, "name", "", "full name")
	cmd.Flags().StringVar(&in.RoleTitle, "title", "", "role title")
	cmd.Flags().StringVar(&in.Email, "email", "", "email")
	cmd.Flags().StringVar(&in.LinkedIn, "linkedin", "", "LinkedIn URL")
	cmd.Flags().IntVar(&score, "contactability", 0, "contactability score 0-100")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func contactListCmd() *cobra.Command {
	var accountID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contacts of an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				contacts, err := e.ListContacts(ctx, accountID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(contacts)
				}
				tw := newTable("ID", "Name", "Title", "Email")
				for _, c := range contacts {
					tw.AppendRow(table.Row{c.ID, c.FullName, c.RoleTitle, c.Email})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "account id")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func signalCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "signal",
		Short: "Manage market signals",
		Long:  "Signals are immutable observations with an evidence URL. A URL is stored once per account.",
	}
	s.AddCommand(signalAddCmd())
	s.AddCommand(signalListCmd())
	s.AddCommand(signalDeleteCmd())
	s.AddCommand(signalScanCmd())
	return s
}

func signalAddCmd() *cobra.Command {
	var in engine.SignalInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a signal by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ActorID = actorID()
			in.SearchProvider = "MANUAL"
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, inserted, err := e.AddSignal(ctx, in)
				if err != nil {
					return err
				}
				if !inserted && !viper.GetBool("json") {
					fmt.Println("evidence URL already stored for this account; existing signal:")
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().Int64Var(&in.AccountID, "account", 0, "account id")
	cmd.Flags().StringVar(&in.SignalType, "type", "", "signal type (HIRING, CAPEX, NPI, EXPANSION, SUPPLY_CHAIN)")
	cmd.Flags().IntVar(&in.SignalStrength, "strength", 60, "strength 0-100")
	cmd.Flags().StringVar(&in.EventDate, "date", "", "event date YYYY-MM-DD")
	cmd.Flags().StringVar(&in.Summary, "summary", "", "summary")
	cmd.Flags().StringVar(&in.SourceName, "source", "", "publisher")
	cmd.Flags().StringVar(&in.EvidenceURL, "url", "", "evidence URL")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func signalListCmd() *cobra.Command {
	var accountID int64
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List signals strongest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				signals, err := e.ListSignals(ctx, accountID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(signals)
				}
				tw := newTable("ID", "Type", "Strength", "Date", "Summary", "URL")
				for _, s := range signals {
					tw.AppendRow(table.Row{s.ID, s.SignalType, s.SignalStrength, deref(s.EventDate), truncate(s.Summary, 60), s.EvidenceURL})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "account id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func signalDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a signal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				missing, err := e.DeleteSignal(ctx, id, actorID())
				if err != nil {
					return err
				}
				if missing {
					fmt.Println("signal", id, "was already gone")
					return nil
				}
				fmt.Println("deleted signal", id)
				return nil
			})
		},
	}
}

func signalScanCmd() *cobra.Command {
	var accountID int64
	var lookback int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Search the web for new signals",
		Long:  "Needs COPILOT_TAVILY_API_KEY. Results are filtered by the radar allowlist and stored with dedupe on URL.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ScanSignals(ctx, accountID, lookback, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("inserted %d, skipped %d duplicates\n", len(res.Inserted), res.Skipped)
				for _, s := range res.Inserted {
					fmt.Printf("  #%d %s (%d) %s\n", s.ID, s.SignalType, s.SignalStrength, s.EvidenceURL)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "account id")
	cmd.Flags().IntVar(&lookback, "lookback-days", 0, "search window in days (default 30)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func interactionCmd() *cobra.Command {
	i := &cobra.Command{
		Use:   "interaction",
		Short: "Record and list touches",
		Long:  "Outbound touches move DISCOVERY to CONTACTED; replies move CONTACTED to ENGAGED; negative replies park the account in NURTURE.",
	}
	i.AddCommand(interactionLogCmd())
	i.AddCommand(interactionListCmd())
	return i
}

func interactionLogCmd() *cobra.Command {
	var in engine.InteractionInput
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Record an interaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecordInteraction(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Duplicate {
					fmt.Printf("duplicate of interaction %d; pipeline stage %s\n", res.InteractionID, res.PipelineStage)
					return nil
				}
				fmt.Printf("interaction %d recorded; pipeline stage %s\n", res.InteractionID, res.PipelineStage)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&in.ContactID, "contact", 0, "contact id")
	cmd.Flags().StringVar(&in.Channel, "channel", "EMAIL", "EMAIL, LINKEDIN, MEETING or CALL")
	cmd.Flags().StringVar(&in.Direction, "direction", "OUTBOUND", "OUTBOUND or INBOUND")
	cmd.Flags().StringVar(&in.ContentSummary, "summary", "", "content summary")
	cmd.Flags().StringVar(&in.Sentiment, "sentiment", "", "POSITIVE, NEUTRAL or NEGATIVE")
	cmd.Flags().StringVar(&in.RawRef, "ref", "", "external reference")
	cmd.Flags().StringVar(&in.OccurredAt, "at", "", "occurred at (RFC3339)")
	cmd.Flags().StringVar(&in.IdempotencyKey, "idempotency-key", "", "dedupe key")
	_ = cmd.MarkFlagRequired("contact")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func interactionListCmd() *cobra.Command {
	var accountID int64
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List interactions newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInteractions(ctx, accountID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "When", "Contact", "Channel", "Dir", "Sentiment", "Summary")
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.OccurredAt, it.ContactID, it.Channel, it.Direction, deref(it.Sentiment), truncate(it.ContentSummary, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "account id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
