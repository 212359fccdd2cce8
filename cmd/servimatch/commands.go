package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"servimatch/internal/app"
	"servimatch/internal/domain"
	"servimatch/internal/engine"
	"servimatch/internal/engine/auth"
	"servimatch/internal/repo"
)

// asUser opens the app and resolves --user before running fn.
func asUser(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, userID string) error) error {
	userID, err := currentUser()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		return fn(ctx, a, userID)
	})
}

func authz(a *app.App) auth.Service { return auth.Service{Repo: a.Engine.Repo} }

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Service requests"}

	var spec engine.RequestSpec
	var urgency string
	var budgetMin, budgetMax int64
	create := &cobra.Command{
		Use:   "create",
		Short: "Post a request as --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
				spec.Urgency = domain.Urgency(urgency)
				spec.BudgetMin = optionalInt64(cmd, "budget-min", budgetMin)
				spec.BudgetMax = optionalInt64(cmd, "budget-max", budgetMax)
				r, err := a.Engine.CreateRequest(ctx, userID, spec)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	create.Flags().StringVar(&spec.CategoryID, "category", "", "service category id")
	create.Flags().StringVar(&spec.Locality, "locality", "", "where the service is needed")
	create.Flags().StringVar(&urgency, "urgency", string(domain.UrgencyMedium), "low, medium, high or emergency")
	create.Flags().StringVar(&spec.Title, "title", "", "short title")
	create.Flags().StringVar(&spec.Description, "description", "", "details")
	create.Flags().Int64Var(&budgetMin, "budget-min", 0, "lowest acceptable price")
	create.Flags().Int64Var(&budgetMax, "budget-max", 0, "highest acceptable price")
	create.Flags().StringVar(&spec.PreferredDate, "date", "", "preferred date (YYYY-MM-DD)")
	create.Flags().StringVar(&spec.PreferredTime, "time", "", "preferred time (HH:MM)")

	var filters repo.RequestFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListRequests(ctx, filters)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, r := range items {
					rows = append(rows, table.Row{r.ID, r.ExplorerID, r.CategoryID, r.Locality, r.Urgency, r.Status, r.ExpiresAt})
				}
				return printList(items, table.Row{"ID", "Explorer", "Category", "Locality", "Urgency", "Status", "Expires"}, rows)
			})
		},
	}
	list.Flags().StringVar(&filters.Status, "status", "", "status filter")
	list.Flags().StringVar(&filters.ExplorerID, "explorer", "", "explorer filter")
	list.Flags().StringVar(&filters.CategoryID, "category", "", "category filter")
	list.Flags().StringVar(&filters.Locality, "locality", "", "locality filter")
	list.Flags().IntVar(&filters.Limit, "limit", 50, "max rows")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}

	var reason string
	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an active request owned by --user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
				r, err := a.Engine.CancelRequest(ctx, args[0], userID, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cancel.Flags().StringVar(&reason, "reason", "", "cancellation reason")

	req.AddCommand(create, list, show, cancel)
	return req
}

func interestRows(items []domain.ASInterest) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, in := range items {
		rows = append(rows, table.Row{in.ID, in.RequestID, in.ASID, deref(in.ProposedPrice), in.Status, in.Viewed})
	}
	return rows
}

var interestHeader = table.Row{"ID", "Request", "AS", "Price", "Status", "Viewed"}

func interestCmd() *cobra.Command {
	in := &cobra.Command{Use: "interest", Short: "Bids on requests"}

	var p engine.Proposal
	var price int64
	submit := &cobra.Command{
		Use:   "submit <request-id>",
		Short: "Bid on a request as --user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
				p.ProposedPrice = optionalInt64(cmd, "price", price)
				res, err := a.Engine.SubmitInterest(ctx, args[0], userID, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	submit.Flags().Int64Var(&price, "price", 0, "proposed price")
	submit.Flags().StringVar(&p.Message, "message", "", "note to the explorer")

	list := &cobra.Command{
		Use:   "list <request-id>",
		Short: "List bids on a request owned by --user; marks them viewed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
				if _, err := authz(a).RequestOwner(ctx, args[0], userID); err != nil {
					return err
				}
				items, err := a.Engine.ListInterests(ctx, args[0])
				if err != nil {
					return err
				}
				if _, err := a.Engine.MarkInterestsViewed(ctx, args[0]); err != nil {
					return err
				}
				return printList(items, interestHeader, interestRows(items))
			})
		},
	}

	mine := &cobra.Command{
		Use:   "mine",
		Short: "List bids placed by --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
				items, err := a.Engine.ListInterestsByAS(ctx, userID)
				if err != nil {
					return err
				}
				return printList(items, interestHeader, interestRows(items))
			})
		},
	}

	var finalPrice int64
	accept := &cobra.Command{
		Use:   "accept <request-id> <interest-id>",
		Short: "Accept one bid; the others are rejected",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
				if _, err := authz(a).RequestOwner(ctx, args[0], userID); err != nil {
					return err
				}
				res, err := a.Engine.AcceptInterest(ctx, args[0], args[1], optionalInt64(cmd, "price", finalPrice))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	accept.Flags().Int64Var(&finalPrice, "price", 0, "final agreed price (defaults to the bid)")

	in.AddCommand(submit, list, mine, accept)
	return in
}

func connectionCmd() *cobra.Command {
	conn := &cobra.Command{Use: "connection", Short: "Connections between an explorer and an AS"}

	participant := func(use, short string, fn func(ctx context.Context, a *app.App, c domain.Connection, party domain.Party) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
					c, party, err := authz(a).Participant(ctx, args[0], userID)
					if err != nil {
						return err
					}
					res, err := fn(ctx, a, c, party)
					if err != nil {
						return err
					}
					return printJSONOrTable(res)
				})
			},
		}
	}

	show := participant("show", "Show a connection", func(ctx context.Context, a *app.App, c domain.Connection, _ domain.Party) (any, error) {
		return c, nil
	})
	start := participant("start", "Mark the service as in progress", func(ctx context.Context, a *app.App, c domain.Connection, _ domain.Party) (any, error) {
		return a.Engine.MarkInProgress(ctx, c.ID)
	})
	status := participant("status", "Show confirmation status", func(ctx context.Context, a *app.App, c domain.Connection, _ domain.Party) (any, error) {
		return a.Engine.GetConfirmationStatus(ctx, c.ID)
	})
	var reason, note string
	cancel := participant("cancel", "Cancel a connection", func(ctx context.Context, a *app.App, c domain.Connection, _ domain.Party) (any, error) {
		return a.Engine.Cancel(ctx, c.ID, reason)
	})
	cancel.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	confirm := participant("confirm", "Confirm completion as --user's side", func(ctx context.Context, a *app.App, c domain.Connection, party domain.Party) (any, error) {
		return a.Engine.ConfirmCompletion(ctx, c.ID, party, note)
	})
	confirm.Flags().StringVar(&note, "note", "", "completion note")

	var statusFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List connections of --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
				items, err := a.Engine.ListConnections(ctx, userID, statusFilter)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, c := range items {
					rows = append(rows, table.Row{c.ID, c.ExplorerID, c.ASID, c.Status, c.ExplorerConfirmed, c.ASConfirmed, c.ChatRoom})
				}
				return printList(items, table.Row{"ID", "Explorer", "AS", "Status", "Explorer OK", "AS OK", "Chat"}, rows)
			})
		},
	}
	list.Flags().StringVar(&statusFilter, "status", "", "status filter")

	var (
		asID   string
		price  int64
		single bool
	)
	direct := &cobra.Command{
		Use:   "direct",
		Short: "Open a connection with an AS without a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
				c, err := a.Engine.CreateDirectConnection(ctx, userID, asID, optionalInt64(cmd, "price", price), !single)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	direct.Flags().StringVar(&asID, "as", "", "associated service provider id")
	direct.Flags().Int64Var(&price, "price", 0, "agreed price")
	direct.Flags().BoolVar(&single, "single-confirmation", false, "complete on the first confirmation")

	conn.AddCommand(show, list, start, cancel, confirm, status, direct)
	return conn
}

func obligationRows(items []domain.ReviewObligation) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, o := range items {
		rows = append(rows, table.Row{o.ID, o.ConnectionID, o.ASID, o.ReviewDueAt, o.IsReviewed, o.ReminderCount, o.IsBlockingNewServices})
	}
	return rows
}

func reviewCmd() *cobra.Command {
	rv := &cobra.Command{Use: "review", Short: "Review obligations and reviews"}

	var pending bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List review obligations of --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
				items, err := a.Engine.ListObligations(ctx, userID, pending)
				if err != nil {
					return err
				}
				return printList(items, table.Row{"ID", "Connection", "AS", "Due", "Reviewed", "Reminders", "Blocking"}, obligationRows(items))
			})
		},
	}
	list.Flags().BoolVar(&pending, "pending", false, "only unreviewed obligations")

	var payload engine.ReviewPayload
	submit := &cobra.Command{
		Use:   "submit <obligation-id>",
		Short: "Review the AS of a completed service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
				if _, err := authz(a).Reviewer(ctx, args[0], userID); err != nil {
					return err
				}
				payload.ReviewerID = userID
				res, err := a.Engine.SubmitReview(ctx, args[0], payload)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	submit.Flags().IntVar(&payload.Rating, "rating", 0, "1 to 5")
	submit.Flags().StringVar(&payload.Comment, "comment", "", "review text")

	blocking := &cobra.Command{
		Use:   "blocking",
		Short: "Show whether --user is blocked by overdue reviews",
		RunE: func(cmd *cobra.Command, args []string) error {
			return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
				st, err := a.Engine.GetBlockingStatus(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") || !st.IsBlocked {
					return printJSONOrTable(st)
				}
				fmt.Printf("blocked: %d overdue review(s) for %s\n", st.BlockingCount, strings.Join(st.PendingCounterpartNames, ", "))
				return nil
			})
		},
	}

	received := &cobra.Command{
		Use:   "received [user-id]",
		Short: "List reviews received by a user (default --user)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				userID := viper.GetString("user")
				if len(args) == 1 {
					userID = args[0]
				}
				if userID == "" {
					return fmt.Errorf("user id required")
				}
				items, err := a.Engine.ListReviews(ctx, userID)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, r := range items {
					rows = append(rows, table.Row{r.ID, r.ReviewerID, r.Rating, r.Comment, r.CreatedAt})
				}
				return printList(items, table.Row{"ID", "Reviewer", "Rating", "Comment", "Created"}, rows)
			})
		},
	}

	rv.AddCommand(list, submit, blocking, received)
	return rv
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Acting role (client or provider)"}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the role and switch history of --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
				st, err := a.Engine.GetRoleState(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	check := &cobra.Command{
		Use:   "check <provider|client>",
		Short: "Report whether --user may switch now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
				res, err := a.Engine.CanSwitch(ctx, userID, domain.Role(args[0]))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	var reason string
	switchCmd := &cobra.Command{
		Use:   "switch <provider|client>",
		Short: "Switch the acting role of --user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
				st, err := a.Engine.Switch(ctx, userID, domain.Role(args[0]), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	switchCmd.Flags().StringVar(&reason, "reason", "", "why the switch happens")
	role.AddCommand(show, check, switchCmd)
	return role
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "User profile"}
	user.AddCommand(&cobra.Command{
		Use:   "name <display-name>",
		Short: "Set the display name of --user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return asUser(cmd, func(ctx context.Context, a *app.App, userID string) error {
				u, err := a.Engine.SetDisplayName(ctx, userID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	})
	return user
}
