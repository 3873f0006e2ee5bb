package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"smartcal/internal/config"
	"smartcal/internal/feed"
	"smartcal/internal/googlecal"
	"smartcal/internal/interval"
	"smartcal/internal/log"
	"smartcal/internal/materialize"
	"smartcal/internal/model"
	"smartcal/internal/session"
	"smartcal/internal/slots"
	"smartcal/internal/timezone"
	"smartcal/internal/web"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "smartcal",
		Usage: "Personal scheduling assistant backed by Google Calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "smartcal.yaml",
				Usage:   "Path to the YAML config file (created with defaults if missing).",
				EnvVars: []string{"SMARTCAL_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "cache-dir",
				Value:   "./var/feed-cache",
				Usage:   "Directory for the feed HTTP cache.",
				EnvVars: []string{"SMARTCAL_CACHE_DIR"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			ingestCommand(),
			proposeCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error("smartcal failed", err)
		os.Exit(1)
	}
}

// runtime bundles everything a command needs after bootstrapping.
type runtime struct {
	cfg      *config.Config
	loc      *time.Location
	store    materialize.Store
	mat      *materialize.Materializer
	ingestor *feed.Ingestor
}

func bootstrap(c *cli.Context) (*runtime, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	log.SetLevel(log.ParseLevel(cfg.LogLevel))

	loc, err := timezone.Resolve(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	store, err := googlecal.New(c.Context, cfg.Google, loc)
	if err != nil {
		return nil, fmt.Errorf("connecting to Google Calendar: %w", err)
	}
	mat := materialize.New(store)
	fetcher := feed.NewFetcher(c.String("cache-dir"))

	return &runtime{
		cfg:      cfg,
		loc:      loc,
		store:    store,
		mat:      mat,
		ingestor: feed.NewIngestor(fetcher, mat, loc),
	}, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API with scheduled feed refreshes.",
		Action: func(c *cli.Context) error {
			rt, err := bootstrap(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sessions := session.NewStore(rt.cfg.SessionTTL(), nil)
			server := web.NewServer(rt.cfg, rt.loc, rt.store, rt.mat, sessions, rt.ingestor)

			// Periodic feed refresh and session janitor run alongside the
			// HTTP server and stop with it.
			sched := cron.New()
			if len(rt.cfg.Feeds) > 0 {
				_, err := sched.AddFunc(rt.cfg.RefreshCron, func() {
					sum := rt.ingestor.Run(ctx, rt.cfg.Feeds)
					log.Info("scheduled ingestion finished",
						"feeds", sum.Feeds, "mirrored", sum.Mirrored, "errors", len(sum.Errors))
				})
				if err != nil {
					return fmt.Errorf("invalid refresh schedule %q: %w", rt.cfg.RefreshCron, err)
				}
			}
			sched.Start()
			defer sched.Stop()

			go func() {
				ticker := time.NewTicker(time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if n := sessions.Sweep(); n > 0 {
							log.Debug("swept expired sessions", "count", n)
						}
					}
				}
			}()

			return server.Serve(ctx)
		},
	}
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Fetch all configured feeds once and mirror them into the calendar.",
		Action: func(c *cli.Context) error {
			rt, err := bootstrap(c)
			if err != nil {
				return err
			}
			if len(rt.cfg.Feeds) == 0 {
				return fmt.Errorf("no feeds configured")
			}
			sum := rt.ingestor.Run(c.Context, rt.cfg.Feeds)
			fmt.Printf("feeds: %d  mirrored: %d  skipped: %d  errors: %d\n",
				sum.Feeds, sum.Mirrored, sum.Skipped, len(sum.Errors))
			for _, e := range sum.Errors {
				fmt.Fprintf(os.Stderr, "  %v\n", e)
			}
			if len(sum.Errors) > 0 {
				return fmt.Errorf("%d feed(s) failed", len(sum.Errors))
			}
			return nil
		},
	}
}

func proposeCommand() *cli.Command {
	return &cli.Command{
		Name:  "propose",
		Usage: "Search the live calendar for free slots and print ranked proposals.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "title", Value: "untitled", Usage: "Activity title."},
			&cli.IntFlag{Name: "duration", Value: 30, Usage: "Duration in minutes."},
			&cli.IntFlag{Name: "count", Value: 1, Usage: "How many separate slots to find."},
			&cli.IntFlag{Name: "days", Value: 7, Usage: "How many days ahead to search."},
			&cli.StringFlag{Name: "preference", Value: "none", Usage: "morning, afternoon, evening or none."},
			&cli.BoolFlag{Name: "allow-split", Usage: "Allow splitting a slot into two same-day chunks."},
		},
		Action: func(c *cli.Context) error {
			rt, err := bootstrap(c)
			if err != nil {
				return err
			}

			now := time.Now().In(rt.loc)
			req := model.SlotRequest{
				Title:           c.String("title"),
				DurationMinutes: c.Int("duration"),
				Count:           c.Int("count"),
				RangeStart:      now,
				RangeEnd:        timezone.DayStart(now.AddDate(0, 0, c.Int("days")+1), rt.loc),
				Preference:      model.TimePreference(c.String("preference")),
				AllowSplit:      c.Bool("allow-split"),
			}
			if err := req.Validate(); err != nil {
				return err
			}

			records, err := rt.store.List(c.Context, req.RangeStart.AddDate(0, 0, -1), req.RangeEnd.AddDate(0, 0, 8))
			if err != nil {
				return err
			}
			raw := make([]model.RawEvent, 0, len(records))
			for _, rec := range records {
				raw = append(raw, model.RawEvent{
					ID: rec.ExternalID, Title: rec.Title,
					Start: rec.Start, End: rec.End,
					AllDay: rec.AllDay, Source: rec.Source, SourceName: rec.SourceName,
				})
			}

			searcher := slots.NewSearcher(rt.cfg.Scheduling, rt.cfg.Scoring, rt.loc)
			result, err := searcher.Search(req, interval.Normalize(raw, rt.loc))
			if err != nil {
				return err
			}

			if result.Relax {
				fmt.Println("note: fewer slots than requested; consider relaxing the constraints")
			}
			for i, p := range result.Candidates {
				line := fmt.Sprintf("%2d. %s - %s  (score %d)",
					i+1,
					p.Start.Format("Mon Jan 2 15:04"),
					p.End.Format("15:04"),
					p.Score)
				if p.IsSplit() {
					line += fmt.Sprintf("  + %s - %s",
						p.SecondChunk.Start.Format("15:04"),
						p.SecondChunk.End.Format("15:04"))
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}
