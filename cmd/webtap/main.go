package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-webtap/webtap/pkg/accounts"
	"github.com/go-webtap/webtap/pkg/browser"
	"github.com/go-webtap/webtap/pkg/config"
	"github.com/go-webtap/webtap/pkg/eventbus"
	"github.com/go-webtap/webtap/pkg/httpapi"
	"github.com/go-webtap/webtap/pkg/login"
	"github.com/go-webtap/webtap/pkg/provider"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "webtap",
		Short: "Expose UI-only chat services as a streaming API",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return setupLogging()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "trace|debug|info|warn|error")

	root.AddCommand(serveCmd(), loginCmd(), accountsCmd())

	if err := root.Execute(); err != nil {
		zlog.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setupLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	if logLevel == "" {
		return nil
	}
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return errors.Wrap(err, "parse log level")
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// runtime bundles the collaborators every command wires the same way.
type runtime struct {
	cfg       *config.Config
	store     accounts.Store
	pool      *browser.Pool
	providers *provider.Registry
	flow      *login.Flow
	bus       *eventbus.Bus
}

func buildRuntime(ctx context.Context) (*runtime, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel == "" && cfg.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, errors.Wrap(err, "create data dir")
	}
	store, err := accounts.NewSQLiteStore(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	pool, err := browser.NewPool(browser.PoolConfig{
		Engine:          browser.NewRodEngine(),
		Store:           store,
		DataDir:         cfg.DataDir,
		HeadlessDefault: cfg.Headless,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	bus, err := eventbus.New(cfg.Redis)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	providers := provider.Builtin()
	for name, o := range cfg.Providers {
		if err := providers.Override(name, o); err != nil {
			_ = store.Close()
			_ = bus.Close()
			return nil, nil, err
		}
	}
	flow, err := login.NewFlow(store, pool, func(name string) (login.ProviderOps, error) {
		prof, err := providers.Get(name)
		if err != nil {
			return nil, err
		}
		return provider.NewDriver(prof)
	})
	if err != nil {
		_ = store.Close()
		_ = bus.Close()
		return nil, nil, err
	}

	pool.StartEngine(ctx)
	if err := pool.Sweep(ctx); err != nil {
		zlog.Warn().Err(err).Msg("session artifact sweep failed")
	}

	rt := &runtime{cfg: cfg, store: store, pool: pool, providers: providers, flow: flow, bus: bus}
	cleanup := func() {
		if err := rt.pool.Close(); err != nil {
			zlog.Debug().Err(err).Msg("closing pool")
		}
		_ = rt.bus.Close()
		_ = rt.store.Close()
	}
	return rt, cleanup, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, cleanup, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			service, err := httpapi.NewService(httpapi.ServiceConfig{
				BaseCtx:   ctx,
				Pool:      rt.pool,
				Store:     rt.store,
				Providers: rt.providers,
				Bus:       rt.bus,
				Monitor:   rt.cfg.MonitorOptions(),
			})
			if err != nil {
				return err
			}
			handlers, err := httpapi.NewHandlers(service, rt.flow, rt.store)
			if err != nil {
				return err
			}
			server, err := httpapi.NewServer(rt.cfg.Listen, handlers)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- server.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			zlog.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func loginCmd() *cobra.Command {
	var (
		providerName string
		account      string
		conversation string
		method       string
		loginAccount string
		secret       string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Drive an identity's login flow from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, cleanup, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			id := accounts.Identity{Provider: providerName, AccountID: account}
			if err := id.Validate(); err != nil {
				return err
			}
			if _, err := rt.flow.Start(ctx, id, conversation); err != nil {
				return err
			}
			m := accounts.LoginMethod(method)
			if _, err := rt.flow.SelectMethod(ctx, id, conversation, m); err != nil {
				return err
			}

			switch m {
			case accounts.MethodCredentials:
				if _, err := rt.flow.SubmitAccount(ctx, id, conversation, loginAccount); err != nil {
					return err
				}
				rec, err := rt.flow.SubmitSecret(ctx, id, conversation, secret)
				if err != nil {
					return err
				}
				fmt.Printf("login state: %s\n", rec.State)
				return nil
			case accounts.MethodQRCode:
				fmt.Println("scan the QR code in the opened browser window...")
				for {
					scanned, err := rt.flow.QRState(ctx, id, conversation)
					if err != nil {
						return err
					}
					if scanned {
						break
					}
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(2 * time.Second):
					}
				}
			case accounts.MethodManual:
				fmt.Println("complete login in the opened browser window, then press enter")
				_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
			default:
				return errors.Errorf("unknown login method %q", method)
			}

			label, err := rt.flow.Verify(ctx, id, conversation)
			if err != nil {
				return err
			}
			fmt.Printf("logged in as %s\n", label)
			return nil
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "", "provider profile name")
	cmd.Flags().StringVar(&account, "account", "default", "account id of the identity")
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation the login is bound to")
	cmd.Flags().StringVar(&method, "method", "qrcode", "manual|credentials|qrcode")
	cmd.Flags().StringVar(&loginAccount, "login-account", "", "account name for the credentials method")
	cmd.Flags().StringVar(&secret, "secret", "", "secret for the credentials method")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect and edit persisted identities",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List known identities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, cleanup, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			recs, err := rt.store.ListRecords(cmd.Context())
			if err != nil {
				return err
			}
			for _, rec := range recs {
				headless := "-"
				if rec.HeadlessPreference != nil {
					headless = fmt.Sprintf("%v", *rec.HeadlessPreference)
				}
				fmt.Printf("%-30s verified=%-5v label=%-20s headless=%s\n",
					rec.Identity.Key(), rec.LoginVerified, rec.AccountLabel, headless)
			}
			return nil
		},
	}

	var headless bool
	set := &cobra.Command{
		Use:   "set <provider/account>",
		Short: "Set per-identity preferences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			id, err := accounts.ParseKey(args[0])
			if err != nil {
				return err
			}
			rec, err := rt.store.GetRecord(cmd.Context(), id)
			if err != nil {
				if !errors.Is(err, accounts.ErrNotFound) {
					return err
				}
				rec = &accounts.Record{Identity: id}
			}
			if cmd.Flags().Changed("headless") {
				v := headless
				rec.HeadlessPreference = &v
			}
			return rt.store.PutRecord(cmd.Context(), rec)
		},
	}
	set.Flags().BoolVar(&headless, "headless", true, "headless preference for this identity")

	cmd.AddCommand(list, set)
	return cmd
}
