package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"hubline/internal/app"
	"hubline/internal/config"
	"hubline/internal/domain"
	"hubline/internal/engine"
	"hubline/internal/engine/auth"
	"hubline/internal/jobs"
	"hubline/internal/logging"
	"hubline/internal/server"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "hubline",
	Short: "Hubline client portal service",
	Long: `Hubline runs the client portal core: a per-hub decision queue with a strict
status graph, async AI jobs (instant answers, meeting prep and follow-up,
performance narratives) that callers poll, and portfolio health read-models.

- Decisions move open -> in_review -> approved/declined (open may also be decided directly).
- Jobs start queued and end ready or error; expired jobs are gone.
- Configuration lives in hubline.yml in the workspace; HUBLINE_* variables override it.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/hubline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("actor-name", "", "actor display name")
	flags.String("hub", "", "hub id")
	flags.BoolP("verbose", "v", false, "log at the configured level instead of warn")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "actor-name", "hub", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(meetingCmd())
	rootCmd.AddCommand(narrativeCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the API, delivers webhooks and sweeps expired jobs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowActorHeader {
				return fmt.Errorf("auth.jwt_secret is required for bearer auth (set %s_AUTH_JWT_SECRET)", config.EnvPrefix)
			}
			log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := app.Open(ctx, cfg, app.Options{Workspace: viper.GetString("workspace"), Version: version, Log: log})
			if err != nil {
				return err
			}
			defer closeApp(a)

			handler, err := server.New(server.Config{
				Decisions:  a.Decisions,
				Jobs:       a.Jobs,
				Health:     a.Store,
				BasePath:   cfg.Server.BasePath,
				CORSOrigin: cfg.Server.CORSOrigin,
				Auth: server.AuthConfig{
					JWTSecret:        cfg.Auth.JWTSecret,
					Issuer:           cfg.Auth.Issuer,
					AllowActorHeader: cfg.Auth.AllowActorHeader,
					DevLogin:         cfg.Auth.DevLogin,
					TokenTTL:         cfg.Auth.TokenTTL,
				},
				Log:     log.WithField("component", "http"),
				Version: version,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.WithFields(logrus.Fields{"addr": cfg.Server.Addr, "base_path": cfg.Server.BasePath}).Info("serving hubline api")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				return server.NewWebhookDispatcher(a.Store, cfg.Webhooks, log.WithField("component", "webhooks")).Run(gctx)
			})
			g.Go(func() error {
				return a.Jobs.RunSweeper(gctx, cfg.Jobs.SweepInterval)
			})
			fmt.Printf("Serving Hubline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath, cfg.Server.BasePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{
		Use:   "decision",
		Short: "Manage the decision queue",
		Long:  "Decisions are approvals staff request from the client. Each status change is recorded with who made it and why.",
	}
	dec.AddCommand(decisionCreateCmd())
	dec.AddCommand(decisionListCmd())
	dec.AddCommand(decisionShowCmd())
	dec.AddCommand(decisionStatusCmd())
	dec.AddCommand(decisionHistoryCmd())
	dec.AddCommand(decisionWaitingCmd())
	return dec
}

func decisionCreateCmd() *cobra.Command {
	var in engine.CreateInput
	var due, resourceKind, resourceID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			if due != "" {
				t, err := parseDue(due, time.Now())
				if err != nil {
					return err
				}
				in.DueDate = &t
			}
			if resourceKind != "" || resourceID != "" {
				in.RelatedResource = &domain.ResourceRef{Kind: domain.ResourceKind(resourceKind), ID: resourceID}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				hub, err := hubID()
				if err != nil {
					return err
				}
				in.HubID = hub
				in.Actor = actor()
				item, err := a.Decisions.Create(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(item)
				}
				printDecisions([]domain.DecisionItem{item})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&due, "due", "", `due date: RFC3339, 2006-01-02 or text like "next friday"`)
	cmd.Flags().StringVar(&in.Assignee, "assignee", "", "assignee id")
	cmd.Flags().StringVar(&in.AssigneeName, "assignee-name", "", "assignee display name")
	cmd.Flags().StringVar(&resourceKind, "resource-kind", "", "related resource kind (document, message, meeting)")
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "related resource id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func decisionListCmd() *cobra.Command {
	var status, assignee string
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decisions, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				hub, err := hubID()
				if err != nil {
					return err
				}
				list, err := a.Decisions.List(ctx, hub, engine.ListFilter{Status: domain.DecisionStatus(status), Assignee: assignee}, page, pageSize)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				printDecisions(list.Items)
				p := list.Pagination
				fmt.Printf("page %d of %d (%d items)\n", p.Page, max(p.TotalPages, 1), p.TotalItems)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&page, "page", 1, "page (1-indexed)")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "page size")
	return cmd
}

func decisionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <decision-id>",
		Short: "Show decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				hub, err := hubID()
				if err != nil {
					return err
				}
				item, err := a.Decisions.Get(ctx, hub, args[0])
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	}
}

func decisionStatusCmd() *cobra.Command {
	var reason, comment, expected string
	cmd := &cobra.Command{
		Use:   "status <decision-id> <open|in_review|approved|declined>",
		Short: "Move a decision to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				hub, err := hubID()
				if err != nil {
					return err
				}
				res, err := a.Decisions.UpdateStatus(ctx, engine.UpdateStatusInput{
					HubID:        hub,
					DecisionID:   args[0],
					To:           domain.DecisionStatus(args[1]),
					Reason:       reason,
					Comment:      comment,
					ExpectedFrom: domain.DecisionStatus(expected),
					Actor:        actor(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s -> %s\n", res.Item.ID, res.Transition.FromStatus, res.Transition.ToStatus)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the change")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	cmd.Flags().StringVar(&expected, "expected", "", "fail unless the decision is still in this status")
	return cmd
}

func decisionHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <decision-id>",
		Short: "Show status transitions, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				hub, err := hubID()
				if err != nil {
					return err
				}
				trs, err := a.Decisions.History(ctx, hub, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(trs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"When", "From", "To", "By", "Reason"})
				for _, tr := range trs {
					tw.AppendRow(table.Row{humanize.Time(tr.ChangedAt), tr.FromStatus, tr.ToStatus, tr.ChangedByName, tr.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func decisionWaitingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "waiting",
		Short: "Decisions awaiting the client, most urgent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				hub, err := hubID()
				if err != nil {
					return err
				}
				items, err := a.Decisions.Waiting(ctx, hub)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Urgency", "Due"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Title, w.Status, w.Urgency, dueText(w.DueDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func askCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask an instant-answer question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitJob(cmd.Context(), wait, func(hub string) jobs.SubmitRequest {
				return jobs.SubmitRequest{HubID: hub, Kind: domain.JobInstantAnswer, Question: strings.Join(args, " ")}
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the answer is ready")
	return cmd
}

func meetingCmd() *cobra.Command {
	m := &cobra.Command{Use: "meeting", Short: "Generate meeting prep and follow-up"}
	for _, k := range []struct {
		use  string
		kind domain.JobKind
	}{
		{"prep", domain.JobMeetingPrep},
		{"follow-up", domain.JobMeetingFollowUp},
	} {
		var wait bool
		kind := k.kind
		sub := &cobra.Command{
			Use:   k.use + " <meeting-id>",
			Short: "Generate meeting " + k.use,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return submitJob(cmd.Context(), wait, func(hub string) jobs.SubmitRequest {
					return jobs.SubmitRequest{HubID: hub, Kind: kind, MeetingID: args[0]}
				})
			},
		}
		sub.Flags().BoolVar(&wait, "wait", false, "poll until the job is ready")
		m.AddCommand(sub)
	}
	return m
}

func narrativeCmd() *cobra.Command {
	var wait bool
	var in jobs.NarrativeInput
	cmd := &cobra.Command{
		Use:   "narrative",
		Short: "Generate a performance narrative",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitJob(cmd.Context(), wait, func(hub string) jobs.SubmitRequest {
				return jobs.SubmitRequest{HubID: hub, Kind: domain.JobPerformanceNarrative, Narrative: in}
			})
		},
	}
	cmd.Flags().StringVar(&in.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&in.Period, "period", "", `reporting period, e.g. "March 2025"`)
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job is ready")
	return cmd
}

// submitJob queues a job and optionally polls it. Closing the app drains the
// job either way, so its result is stored before the command exits.
func submitJob(ctx context.Context, wait bool, build func(hub string) jobs.SubmitRequest) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		hub, err := hubID()
		if err != nil {
			return err
		}
		req := build(hub)
		req.Actor = actor()
		h, err := a.Jobs.Submit(ctx, req)
		if err != nil {
			return err
		}
		if !wait {
			if viper.GetBool("json") {
				return printJSON(h)
			}
			fmt.Printf("queued %s %s (poll with: hubline job get %s)\n", h.Kind, h.JobID, h.JobID)
			return nil
		}
		job, err := pollJob(ctx, a.Jobs, hub, h)
		if err != nil {
			return err
		}
		return printJob(job)
	})
}

// pollJob stops at the handle's expiry; an expired job is not found.
func pollJob(ctx context.Context, e *jobs.Engine, hub string, h jobs.Handle) (domain.Job, error) {
	interval := time.Duration(h.PollIntervalHint) * time.Millisecond
	if interval <= 0 {
		interval = jobs.DefaultPollInterval
	}
	if !time.Now().Before(h.ExpiresAt) {
		return domain.Job{}, domain.NotFound("job", h.JobID)
	}
	pollCtx, cancel := context.WithDeadline(ctx, h.ExpiresAt)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return domain.Job{}, ctx.Err()
			}
			return domain.Job{}, domain.NotFound("job", h.JobID)
		case <-ticker.C:
		}
		job, err := e.Get(pollCtx, hub, h.JobID)
		if err != nil {
			return domain.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
	}
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{Use: "job", Short: "Inspect async jobs"}
	j.AddCommand(&cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				hub, err := hubID()
				if err != nil {
					return err
				}
				job, err := a.Jobs.Get(ctx, hub, args[0])
				if err != nil {
					return err
				}
				return printJob(job)
			})
		},
	})
	var kind string
	var limit int
	latest := &cobra.Command{
		Use:   "latest",
		Short: "List ready jobs, most recently completed first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				hub, err := hubID()
				if err != nil {
					return err
				}
				items, err := a.Jobs.ListRecent(ctx, hub, domain.JobKind(kind), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Completed", "Expires"})
				for _, job := range items {
					completed := ""
					if job.CompletedAt != nil {
						completed = humanize.Time(*job.CompletedAt)
					}
					tw.AppendRow(table.Row{job.ID, job.Kind, job.Status, completed, humanize.Time(job.ExpiresAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	latest.Flags().StringVar(&kind, "kind", string(domain.JobInstantAnswer), "job kind")
	latest.Flags().IntVar(&limit, "limit", 10, "max jobs")
	j.AddCommand(latest)
	return j
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Read the event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				latest, err := a.Store.LatestEventID(ctx)
				if err != nil {
					return err
				}
				evts, err := a.Store.EventsAfter(ctx, max(latest-int64(n), 0), n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Hub", "Entity", "Actor"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, humanize.Time(e.TS), e.Type, e.HubID, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	l.AddCommand(tail)
	return l
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect service config",
		Long:  "Config is read from hubline.yml in the workspace (or --config) and overridden by HUBLINE_* variables, e.g. HUBLINE_AUTH_JWT_SECRET.",
	}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config with secrets hidden",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Redacted())
			}
			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default hubline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	c.AddCommand(initCmd)
	return c
}

func tokenCmd() *cobra.Command {
	var hubs []string
	var staff bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p := auth.Principal{
				ActorID: viper.GetString("actor-id"),
				Name:    viper.GetString("actor-name"),
				Hubs:    hubs,
				Staff:   staff,
			}
			token, expires, err := server.SignToken(server.AuthConfig{
				JWTSecret: cfg.Auth.JWTSecret,
				Issuer:    cfg.Auth.Issuer,
				TokenTTL:  cfg.Auth.TokenTTL,
			}, p, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "expires_at": expires})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&hubs, "grant", nil, `hub ids the token opens ("*" for all)`)
	cmd.Flags().BoolVar(&staff, "staff", false, "mint a staff token")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("workspace"), viper.GetString("config"), config.NewEnv())
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level := "warn"
	if viper.GetBool("verbose") {
		level = cfg.Log.Level
	}
	log, err := logging.New(logging.Config{Level: level, Format: "text"})
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, app.Options{Workspace: viper.GetString("workspace"), Version: version, Log: log})
	if err != nil {
		return err
	}
	defer closeApp(a)
	return fn(ctx, a)
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.Log.WithError(err).Warn("shutdown incomplete")
	}
}

func hubID() (string, error) {
	hub := strings.TrimSpace(viper.GetString("hub"))
	if hub == "" {
		return "", fmt.Errorf("--hub required (or set %s_HUB)", config.EnvPrefix)
	}
	return hub, nil
}

func actor() domain.Actor {
	return domain.Actor{ID: viper.GetString("actor-id"), Name: viper.GetString("actor-name")}
}

var dueParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDue accepts RFC3339, a bare date (end of that day, UTC) or English text.
func parseDue(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.Add(24*time.Hour - time.Second).UTC(), nil
	}
	r, err := dueParser.Parse(s, now)
	if err != nil {
		return time.Time{}, err
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot understand due date %q", s)
	}
	return r.Time.UTC(), nil
}

func dueText(due *time.Time) string {
	if due == nil {
		return "-"
	}
	return humanize.Time(*due)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printDecisions(items []domain.DecisionItem) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Due", "Updated"})
	for _, d := range items {
		tw.AppendRow(table.Row{d.ID, d.Title, d.Status, d.Assignee, dueText(d.DueDate), humanize.Time(d.UpdatedAt)})
	}
	tw.Render()
}

func printJob(job domain.Job) error {
	if viper.GetBool("json") {
		return printJSON(job)
	}
	fmt.Printf("%s %s: %s\n", job.Kind, job.ID, job.Status)
	switch job.Status {
	case domain.JobReady:
		var out any
		if err := json.Unmarshal(job.Result, &out); err != nil {
			return err
		}
		return printJSON(out)
	case domain.JobError:
		fmt.Println("error:", job.Error)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
