package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"postpilot/internal/app"
	"postpilot/internal/config"
	"postpilot/internal/csvio"
	"postpilot/internal/domain"
)

// exitCode maps a command error to the process status: 1 for configuration
// problems, 2 for anything else that stopped the command.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, config.ErrConfiguration):
		return 1
	default:
		return 2
	}
}

var stdout io.Writer = os.Stdout

func newCLI(ctx context.Context) *cli.App {
	c := cli.NewApp()
	c.Name = "postpilot"
	c.Usage = "publish scheduled posts at most once"
	c.UsageText = "postpilot [--config FILE] <command> [arguments...]"
	c.Version = version
	if commit != "" {
		c.Version += " (" + commit + ")"
	}
	c.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  "./config.yaml",
			Usage:  "path to the JSON or YAML config file",
			EnvVar: "POSTPILOT_CONFIG",
		},
	}
	c.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run one invocation: publish what the current slot makes due",
			Action: withApp(ctx, runCmd),
		},
		{
			Name:   "serve",
			Usage:  "run invocations on serve.spec until interrupted",
			Action: withApp(ctx, serveCmd),
		},
		{
			Name:    "list",
			Aliases: []string{"ls"},
			Usage:   "list scheduled posts",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "status, s", Usage: "pending, posted or failed"},
				cli.BoolFlag{Name: "today", Usage: "only posts scheduled today"},
				cli.BoolFlag{Name: "tomorrow", Usage: "only posts scheduled tomorrow"},
				cli.IntFlag{Name: "limit, n", Usage: "show at most n posts"},
			},
			Action: withApp(ctx, listCmd),
		},
		{
			Name:      "add",
			Usage:     "schedule one post",
			ArgsUsage: "TEXT",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "at", Usage: `scheduled time, "2006-01-02 15:04" in schedule.timezone or RFC3339`},
				cli.StringFlag{Name: "id", Usage: "post id (generated when empty)"},
				cli.StringFlag{Name: "followup, f", Usage: "reply text posted under the main post"},
				cli.StringSliceFlag{Name: "topic, t", Usage: "topic tag (repeatable; the first one is sent)"},
			},
			Action: withApp(ctx, addCmd),
		},
		{
			Name:      "import",
			Usage:     "import posts from a CSV file (id,datetime,text,thread_text,category)",
			ArgsUsage: "FILE",
			Action:    withApp(ctx, importCmd),
		},
		{
			Name:      "export",
			Usage:     "export posts to a CSV file",
			ArgsUsage: "FILE",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "status, s", Usage: "pending, posted or failed"},
			},
			Action: withApp(ctx, exportCmd),
		},
		{
			Name:      "reset",
			Usage:     "return failed posts to pending",
			ArgsUsage: "[ID...]",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "force", Usage: "also reset permanent failures"},
				cli.StringFlag{Name: "at", Usage: "new scheduled time (default: now)"},
				cli.BoolFlag{Name: "keep-time", Usage: "keep the original scheduled time"},
			},
			Action: withApp(ctx, resetCmd),
		},
		{
			Name:  "history",
			Usage: "show what the history log recorded as published recently",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "since", Value: 24 * time.Hour, Usage: "how far back to look"},
			},
			Action: withApp(ctx, historyCmd),
		},
		{
			Name:  "archive",
			Usage: "write posted rows older than N days to CSV",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "days, d", Usage: "age in days (default: retention.archive_after_days)"},
				cli.BoolFlag{Name: "delete", Usage: "remove archived rows from the store"},
			},
			Action: withApp(ctx, archiveCmd),
		},
		{
			Name:  "token",
			Usage: "manage the platform access token",
			Subcommands: []cli.Command{
				{
					Name:  "refresh",
					Usage: "exchange the long-lived token for a new one",
					Flags: []cli.Flag{
						cli.BoolFlag{Name: "store", Usage: "save the new token to the OS keyring"},
					},
					Action: withApp(ctx, tokenRefreshCmd),
				},
				{
					Name:  "store",
					Usage: "save credentials to the OS keyring",
					Flags: []cli.Flag{
						cli.StringFlag{Name: "user-id", Usage: "platform user id"},
						cli.StringFlag{Name: "token", Usage: "access token", EnvVar: "THREADS_ACCESS_TOKEN"},
					},
					Action: withApp(ctx, tokenStoreCmd),
				},
				{
					Name:   "forget",
					Usage:  "remove credentials from the OS keyring",
					Action: withApp(ctx, tokenForgetCmd),
				},
			},
		},
	}
	return c
}

func execute(ctx context.Context, args []string) error {
	return newCLI(ctx).Run(args)
}

type command func(ctx context.Context, c *cli.Context, a *app.App) error

// withApp loads the config named by --config and hands the App to fn.
func withApp(ctx context.Context, fn command) func(c *cli.Context) error {
	return func(c *cli.Context) error {
		a, err := app.New(c.GlobalString("config"))
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, c, a)
	}
}

func runCmd(ctx context.Context, _ *cli.Context, a *app.App) error {
	rep, err := a.RunOnce(ctx)
	if err != nil {
		return err
	}
	if !rep.Active {
		fmt.Fprintln(stdout, "no active slot")
		return nil
	}
	fmt.Fprintf(stdout, "slot %s: published %d, failed %d, reconciled %d, deferred %d, held %d\n",
		rep.Tick.In(a.Settings().Location).Format("2006-01-02 15:04"),
		len(rep.Published), len(rep.Failed), rep.Reconciled, rep.Deferred, rep.Held)
	return nil
}

func serveCmd(ctx context.Context, _ *cli.Context, a *app.App) error {
	return a.Serve(ctx)
}

func parseStatus(raw string) (domain.Status, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	st, ok := domain.ParseStatus(raw)
	if !ok {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return st, nil
}

func listCmd(ctx context.Context, c *cli.Context, a *app.App) error {
	st, err := parseStatus(c.String("status"))
	if err != nil {
		return err
	}
	posts, err := a.List(ctx, app.ListQuery{
		Status:   st,
		Today:    c.Bool("today"),
		Tomorrow: c.Bool("tomorrow"),
		Limit:    c.Int("limit"),
	})
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		fmt.Fprintln(stdout, "no posts")
		return nil
	}
	loc := a.Settings().Location
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCHEDULED\tSTATUS\tTEXT")
	for _, p := range posts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.ScheduledAt.In(loc).Format(csvio.Layout), p.Status, p.Preview(40))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if c.String("status") == "" && !c.Bool("today") && !c.Bool("tomorrow") {
		counts, err := a.Counts(ctx)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(counts))
		for s, n := range counts {
			keys = append(keys, fmt.Sprintf("%s=%d", s, n))
		}
		sort.Strings(keys)
		fmt.Fprintln(stdout, strings.Join(keys, " "))
	}
	return nil
}

func addCmd(ctx context.Context, c *cli.Context, a *app.App) error {
	text := strings.Join(c.Args(), " ")
	if strings.TrimSpace(text) == "" {
		return errors.New("post text is required")
	}
	if c.String("at") == "" {
		return errors.New("--at is required")
	}
	p, err := a.Add(ctx, app.NewPost{
		ID:       c.String("id"),
		At:       c.String("at"),
		Text:     text,
		Followup: c.String("followup"),
		Topics:   c.StringSlice("topic"),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "added %s at %s\n", p.ID, p.ScheduledAt.In(a.Settings().Location).Format(csvio.Layout))
	return nil
}

func importCmd(ctx context.Context, c *cli.Context, a *app.App) error {
	path := c.Args().First()
	if path == "" {
		return errors.New("csv file is required")
	}
	res, err := a.Import(ctx, path)
	if err != nil {
		return err
	}
	for _, re := range res.RowErrors {
		fmt.Fprintln(stdout, "skipped:", re.Error())
	}
	fmt.Fprintf(stdout, "imported %d, already present %d, invalid %d\n", res.Inserted, len(res.Skipped), len(res.RowErrors))
	return nil
}

func exportCmd(ctx context.Context, c *cli.Context, a *app.App) error {
	path := c.Args().First()
	if path == "" {
		return errors.New("csv file is required")
	}
	st, err := parseStatus(c.String("status"))
	if err != nil {
		return err
	}
	n, err := a.Export(ctx, path, app.ListQuery{Status: st})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported %d posts to %s\n", n, path)
	return nil
}

func resetCmd(ctx context.Context, c *cli.Context, a *app.App) error {
	loc := a.Settings().Location
	at := time.Now().In(loc)
	switch {
	case c.Bool("keep-time"):
		at = time.Time{}
	case c.String("at") != "":
		var err error
		if at, err = csvio.ParseTime(c.String("at"), loc); err != nil {
			return err
		}
	}
	n, err := a.Reset(ctx, c.Args(), c.Bool("force"), at)
	fmt.Fprintf(stdout, "reset %d posts\n", n)
	return err
}

func historyCmd(_ context.Context, c *cli.Context, a *app.App) error {
	recs, err := a.History(c.Duration("since"))
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(stdout, "nothing published")
		return nil
	}
	loc := a.Settings().Location
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POSTED\tID\tSOURCE\tPUBLISHED ID")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.PostedAt.In(loc).Format(csvio.Layout), r.ID, r.Source, r.PublishedID)
	}
	return tw.Flush()
}

func archiveCmd(ctx context.Context, c *cli.Context, a *app.App) error {
	res, err := a.Archive(ctx, c.Int("days"), c.Bool("delete"))
	if err != nil {
		return err
	}
	if res.Count == 0 {
		fmt.Fprintln(stdout, "nothing to archive")
		return nil
	}
	fmt.Fprintf(stdout, "archived %d posts to %s\n", res.Count, res.Path)
	return nil
}

func tokenRefreshCmd(ctx context.Context, c *cli.Context, a *app.App) error {
	tok, err := a.RefreshToken(ctx, c.Bool("store"))
	if err != nil {
		return err
	}
	days := int(tok.ExpiresIn / (24 * time.Hour))
	if c.Bool("store") {
		fmt.Fprintf(stdout, "token refreshed and stored; expires in %d days\n", days)
		return nil
	}
	fmt.Fprintf(stdout, "%s\nexpires in %d days\n", tok.AccessToken, days)
	return nil
}

func tokenStoreCmd(_ context.Context, c *cli.Context, a *app.App) error {
	if err := a.StoreCredentials(c.String("user-id"), c.String("token")); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "credentials stored")
	return nil
}

func tokenForgetCmd(_ context.Context, _ *cli.Context, a *app.App) error {
	if err := a.ForgetCredentials(); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "credentials removed")
	return nil
}
