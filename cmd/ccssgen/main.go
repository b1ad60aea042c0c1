package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/ccssgen/internal/auth"
	"github.com/yourorg/ccssgen/internal/config"
	"github.com/yourorg/ccssgen/internal/generator"
	"github.com/yourorg/ccssgen/internal/har"
	"github.com/yourorg/ccssgen/internal/server"
	"github.com/yourorg/ccssgen/internal/store"
	"github.com/yourorg/ccssgen/pkg/types"
)

const defaultConfigContent = `site:
  url: "https://example.com"
  doc_root: ""
  multi_tenant: false
  separate_mobile: false
  role_groups: {}
  vary_cookie: "_ccss_vary"
  cookie_prefix: "ccss"

remote:
  base_url: ""
  api_key: ""
  ccss_timeout: 30s
  ucss_timeout: 180s
  max_retries: 2
  daily_quota: 0

generator:
  cooldown: 300s
  interval: 1m
  debug: false
  ucss_enabled: false
  ucss_whitelist: []
  font_cdn_patterns:
    - fonts.googleapis.com
  default_ccss: ""
  exclude_paths:
    - /wp-admin/
    - /cart
  exclude_extensions:
    - .xml
    - .json
    - .txt
    - .css
    - .js
  exclude_query_keys:
    - preview

render:
  bypass_param: "ccss_ctrl"
  bypass_value: "before_optm"
  timeout: 30s
  browser: false

cache:
  dir: "./static"

store:
  dsn: ""

server:
  host: "127.0.0.1"
  port: 3000

auth:
  secret: ""
  token_ttl: 24h

telemetry:
  otlp_endpoint: ""
  service_name: "ccssgen"

log:
  level: "info"
  format: "text"
`

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "ccssgen",
		Short:         "Critical and unused CSS generator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.cfgPath, "config", "", "config file path")
	root.PersistentFlags().BoolVar(&flags.verbose, "verbose", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "ignore the generation cooldown")

	root.AddCommand(newInitCmd())
	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newGenerateCmd(flags))
	root.AddCommand(newClearQueueCmd(flags))
	root.AddCommand(newPurgeCmd(flags))
	root.AddCommand(newQueueCmd(flags))
	root.AddCommand(newStatusCmd(flags))
	root.AddCommand(newTestURLCmd(flags))
	root.AddCommand(newTokenCmd(flags))
	root.AddCommand(newWarmCmd(flags))

	return root
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize ~/.ccssgen directory and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseDir, err := config.BaseDir()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(baseDir, 0o755); err != nil {
				return err
			}

			cfgFile := filepath.Join(baseDir, "config.yaml")
			if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgFile, []byte(defaultConfigContent), 0o600); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "created", cfgFile)
			} else if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "exists", cfgFile)
			} else {
				return err
			}

			dbPath := filepath.Join(baseDir, "ccssgen.db")
			s, err := store.NewSQLiteStore(dbPath)
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "database ready", dbPath)
			fmt.Fprintln(cmd.OutOrStdout(), "please update remote.base_url, remote.api_key and auth.secret in", cfgFile)
			return nil
		},
	}
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{Use: "serve", Short: "Start HTTP service and scheduler", RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, flags, cmd.ErrOrStderr(), (*config.Config).ValidateServe)
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(ctx))

		if cmd.Flags().Changed("host") {
			a.cfg.Server.Host = host
		}
		if cmd.Flags().Changed("port") {
			a.cfg.Server.Port = port
		}
		srv, err := server.New(server.Deps{
			Generator:   a.gen,
			PageViews:   a.pages,
			Cache:       a.cache,
			Store:       a.store,
			Signer:      a.signer,
			Gate:        a.gate,
			AllowOrigin: a.cfg.Site.URL,
			Logger:      a.logger,
		})
		if err != nil {
			return err
		}

		addr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))
		a.logger.Info("listening", "addr", addr)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.ListenAndServe(gctx, addr) })
		g.Go(func() error { return a.gen.Loop(gctx, a.cfg.Generator.Interval, a.cfg.Generator.UCSSEnabled) })
		return g.Wait()
	}}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "server host")
	cmd.Flags().IntVar(&port, "port", 3000, "server port")
	return cmd
}

func newGenerateCmd(flags *globalFlags) *cobra.Command {
	var kind string
	var all bool
	cmd := &cobra.Command{Use: "generate", Short: "Process the generation queue", RunE: func(cmd *cobra.Command, args []string) error {
		k, err := parseKind(kind)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr(), (*config.Config).ValidateGenerate)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		outcomes, err := a.gen.Run(cmd.Context(), k, all)
		if err != nil {
			return err
		}
		printOutcomes(cmd.OutOrStdout(), outcomes)
		return nil
	}}
	cmd.Flags().StringVar(&kind, "kind", "ccss", "artifact kind: ccss or ucss")
	cmd.Flags().BoolVar(&all, "all", false, "process every queued entry and ignore the cooldown")
	return cmd
}

func newClearQueueCmd(flags *globalFlags) *cobra.Command {
	var kind string
	cmd := &cobra.Command{Use: "clear-queue", Short: "Drop every pending request", RunE: func(cmd *cobra.Command, args []string) error {
		k, err := parseKind(kind)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr(), (*config.Config).Validate)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		if err := a.gen.Queue(k).Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Queue cleared successfully.")
		return nil
	}}
	cmd.Flags().StringVar(&kind, "kind", "ccss", "artifact kind: ccss or ucss")
	return cmd
}

func newPurgeCmd(flags *globalFlags) *cobra.Command {
	var kind, tenant string
	cmd := &cobra.Command{Use: "purge", Short: "Delete generated artifacts and reset the queue", RunE: func(cmd *cobra.Command, args []string) error {
		k, err := parseKind(kind)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr(), (*config.Config).Validate)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		if err := a.cache.Purge(cmd.Context(), k, tenant); err != nil {
			return err
		}
		scope := "all tenants"
		if tenant != "" {
			scope = "tenant " + tenant
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %s artifacts of %s\n", k, scope)
		return nil
	}}
	cmd.Flags().StringVar(&kind, "kind", "ccss", "artifact kind: ccss or ucss")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id, empty for all")
	return cmd
}

func newQueueCmd(flags *globalFlags) *cobra.Command {
	var kind string
	cmd := &cobra.Command{Use: "queue", Short: "List pending requests", RunE: func(cmd *cobra.Command, args []string) error {
		k, err := parseKind(kind)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr(), (*config.Config).Validate)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		entries, err := a.gen.Queue(k).PeekAll(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "queue is empty")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s\t%s\t%s\n", e.Key, e.URL, e.CreatedAt.Format(time.RFC3339))
		}
		return nil
	}}
	cmd.Flags().StringVar(&kind, "kind", "ccss", "artifact kind: ccss or ucss")
	return cmd
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{Use: "status", Short: "Show queue, run metrics and history", RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr(), (*config.Config).Validate)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		sum, err := a.store.Summary(cmd.Context())
		if err != nil {
			return err
		}
		remaining := make(map[string]int, len(types.Kinds))
		for _, k := range types.Kinds {
			if remaining[k.Service()], err = a.gate.Remaining(cmd.Context(), k.Service()); err != nil {
				return err
			}
		}
		return printJSON(cmd.OutOrStdout(), struct {
			*types.Summary
			Remaining map[string]int `json:"quota_remaining"`
		}{sum, remaining})
	}}
}

func newTestURLCmd(flags *globalFlags) *cobra.Command {
	var userAgent string
	var mobile, submit bool
	cmd := &cobra.Command{
		Use:   "test-url <url>",
		Short: "Render one page, show the extracted CSS and optionally submit it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			validate := (*config.Config).Validate
			if submit {
				validate = (*config.Config).ValidateGenerate
			}
			a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr(), validate)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			p, err := a.gen.Preview(cmd.Context(), types.GenerationJob{
				Kind:      types.KindCCSS,
				Key:       "test",
				URL:       args[0],
				UserAgent: userAgent,
				IsMobile:  mobile,
			}, submit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	cmd.Flags().StringVar(&userAgent, "user-agent", "Mozilla/5.0 (ccssgen)", "user agent to render with")
	cmd.Flags().BoolVar(&mobile, "mobile", false, "mark the request as mobile")
	cmd.Flags().BoolVar(&submit, "submit", false, "send the payload to the remote service")
	return cmd
}

func newTokenCmd(flags *globalFlags) *cobra.Command {
	var subject, user, role string
	var ttl time.Duration
	cmd := &cobra.Command{Use: "token", Short: "Issue an admin API token or a page-view identity token", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flags.cfgPath)
		if err != nil {
			return err
		}
		signer, err := auth.NewSigner(cfg.Auth.Secret)
		if err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = cfg.Auth.TokenTTL
		}
		var token string
		if user != "" {
			token, err = signer.IssueIdentity(user, role, ttl)
		} else {
			token, err = signer.Issue(subject, auth.AudienceAdmin, ttl)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	}}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().StringVar(&user, "user", "", "issue a page-view identity token for this user id")
	cmd.Flags().StringVar(&role, "role", "", "role carried by the identity token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, defaults to auth.token_ttl")
	return cmd
}

func newWarmCmd(flags *globalFlags) *cobra.Command {
	var harPath string
	cmd := &cobra.Command{Use: "warm", Short: "Queue the pages of a HAR capture", RunE: func(cmd *cobra.Command, args []string) error {
		views, err := har.PageViews(harPath)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr(), (*config.Config).Validate)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		queued, err := a.pages.Warm(cmd.Context(), views)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d pages read, %d queued\n", len(views), queued)
		return nil
	}}
	cmd.Flags().StringVar(&harPath, "har", "", "HAR file path")
	_ = cmd.MarkFlagRequired("har")
	return cmd
}

func printOutcomes(w io.Writer, outcomes []generator.Outcome) {
	for _, o := range outcomes {
		line := fmt.Sprintf("%s\t%s\t%s", o.Kind, o.Status, o.Key)
		if o.URL != "" {
			line += "\t" + o.URL
		}
		if o.Message != "" {
			line += "\t" + o.Message
		}
		fmt.Fprintln(w, line)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
