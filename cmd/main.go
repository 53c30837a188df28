package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"schedcache/internal/cache"
	"schedcache/internal/caldav"
	"schedcache/internal/google"
	"schedcache/internal/httpapi"
	"schedcache/internal/models"
	"schedcache/internal/warmer"
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:  "schedcache",
		Usage: "Cache and sync scheduled events from a rate-limited scheduling provider.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Path to a YAML config file."},
			&cli.StringFlag{Name: "log-level", Usage: "Override log.level (debug, info, warn, error)."},
		},
		Commands: []*cli.Command{
			authCommand(),
			calendarsCommand(),
			syncCommand(),
			eventsCommand(),
			statusCommand(),
			exportCommand(),
			serveCommand(),
		},
	}
}

func rangeFlags(required bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "start", Required: required, Usage: "Range start, YYYY-MM-DD or RFC3339."},
		&cli.StringFlag{Name: "end", Required: required, Usage: "Range end (exclusive), YYYY-MM-DD or RFC3339."},
		&cli.StringFlag{Name: "scope", Value: "all", Usage: "all, user:REF or team:REF."},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c, false)
			if err != nil {
				return err
			}
			logger.Info("Starting Google authentication flow.")

			config, err := google.GetOAuthConfigForAuthFlow(cfg.Google.ClientID, cfg.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, config, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Print("Enter a name for this account (e.g., 'personal', 'work'): ")
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			tokenFile := "token-" + accountName + ".json"

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the Google calendars visible to the configured account.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c, false)
			if err != nil {
				return err
			}
			client, err := google.NewClient(c.Context, logger, cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.Account, nil)
			if err != nil {
				return err
			}
			ids, err := client.DiscoverGoogleCalendars(c.Context)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Warm the cache for a range, once or on a schedule.",
		Flags: append(rangeFlags(false),
			&cli.StringFlag{Name: "schedule", Usage: "Cron spec; warms the rolling warm.* window until interrupted."},
		),
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			if c.IsSet("schedule") {
				ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				scopeArg := a.cfg.Warm.Scope
				if c.IsSet("scope") {
					scopeArg = c.String("scope")
				}
				runner, err := a.newWarmer(ctx, scopeArg)
				if err != nil {
					return err
				}
				if _, err := runner.Schedule(c.String("schedule")); err != nil {
					return fmt.Errorf("invalid schedule %q: %w", c.String("schedule"), err)
				}
				_ = runner.RunOnce(ctx)
				runner.Start()
				<-ctx.Done()
				runner.Stop()
				return nil
			}

			r, scope, err := queryArgs(c)
			if err != nil {
				return err
			}
			a.logger.Info("Running a single sync cycle.", "scope", scope.String(), "range", r.String())
			if err := a.service.Warm(c.Context, r, scope); err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			st, err := a.service.GetCacheStatus(c.Context, r, scope)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, st)
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Print the events of a range as JSON, syncing what is stale.",
		Flags: rangeFlags(true),
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			r, scope, err := queryArgs(c)
			if err != nil {
				return err
			}
			events, err := a.service.GetEvents(c.Context, r, scope)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, map[string]any{"events": events})
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show cache coverage for a range and the recent sync history.",
		Flags: append(rangeFlags(true),
			&cli.IntFlag{Name: "recent", Value: 10, Usage: "Number of ledger entries to show."},
		),
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			r, scope, err := queryArgs(c)
			if err != nil {
				return err
			}
			st, err := a.service.GetCacheStatus(c.Context, r, scope)
			if err != nil {
				return err
			}
			attempts, err := a.service.Recent(c.Context, c.Int("recent"))
			if err != nil {
				return err
			}
			recent := make([]*cache.SyncSummary, 0, len(attempts))
			for i := range attempts {
				recent = append(recent, cache.Summarize(&attempts[i]))
			}
			return printJSON(os.Stdout, map[string]any{"status": st, "recent": recent})
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write the events of a range as an iCalendar file.",
		Flags: append(rangeFlags(true),
			&cli.StringFlag{Name: "out", Value: "-", Usage: "Output file, - for stdout."},
		),
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			r, scope, err := queryArgs(c)
			if err != nil {
				return err
			}
			events, err := a.service.GetEvents(c.Context, r, scope)
			if err != nil {
				return err
			}

			var w io.Writer = os.Stdout
			if out := c.String("out"); out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}
			if err := caldav.EncodeEvents(w, events, time.Now()); err != nil {
				return err
			}
			a.logger.Info("Exported events", "count", len(events), "out", c.String("out"))
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API and keep the rolling window warm.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address, overrides server.http_addr."},
			&cli.BoolFlag{Name: "warm", Value: true, Usage: "Run the warm.schedule job."},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if c.Bool("warm") && a.cfg.Warm.Schedule != "" {
				runner, err := a.newWarmer(ctx, a.cfg.Warm.Scope)
				if err != nil {
					return err
				}
				if _, err := runner.Schedule(a.cfg.Warm.Schedule); err != nil {
					return fmt.Errorf("invalid warm.schedule %q: %w", a.cfg.Warm.Schedule, err)
				}
				runner.Start()
				defer runner.Stop()
			}

			addr := a.cfg.Server.HTTPAddr
			if c.IsSet("addr") {
				addr = c.String("addr")
			}
			gin.SetMode(gin.ReleaseMode)
			srv := &http.Server{
				Addr:              addr,
				Handler:           httpapi.NewEngine(&httpapi.Handler{Service: a.service, Store: a.store, Logger: a.logger}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("HTTP server listening", "addr", addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.logger.Info("Shutting down HTTP server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func (a *app) newWarmer(ctx context.Context, scopeArg string) (*warmer.Runner, error) {
	scope, err := models.ParseScope(scopeArg)
	if err != nil {
		return nil, err
	}
	return warmer.New(ctx, a.logger, a.service, scope, a.cfg.Warm.DaysBack, a.cfg.Warm.DaysAhead), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
