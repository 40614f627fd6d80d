// Command chatsync is a terminal chat client: it logs in, opens one direct or
// group conversation (or a thread in it) and keeps the rendered timeline in
// sync with the gateway.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mahaj/chatsync/pkg/auth"
	"github.com/mahaj/chatsync/pkg/backend/scylla"
	"github.com/mahaj/chatsync/pkg/cache"
	"github.com/mahaj/chatsync/pkg/config"
	"github.com/mahaj/chatsync/pkg/db"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/presence"
	"github.com/mahaj/chatsync/pkg/session"
	"github.com/mahaj/chatsync/pkg/transport/kafka"
	"github.com/mahaj/chatsync/pkg/transport/ws"
	"github.com/mahaj/chatsync/pkg/typing"
)

type options struct {
	configFile  string
	userID      string
	dmUser      string
	groupID     string
	threadID    string
	useKafka    bool
	metricsAddr string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "Terminal chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			err = run(cmd.Context(), cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				logging.Logger.Error().Err(err).Msg("chatsync stopped")
			}
			return err
		},
	}
	f := cmd.PersistentFlags()
	f.StringVar(&opts.configFile, "config", "", "config file (default is $HOME/.config/chatsync/config.yaml)")
	f.StringVar(&opts.userID, "user", "user1", "user id to log in as")
	cmd.Flags().StringVar(&opts.dmUser, "dm", "", "user id to chat with directly")
	cmd.Flags().StringVar(&opts.groupID, "group", "", "group id to open")
	cmd.Flags().StringVar(&opts.threadID, "thread", "", "open the thread under this message id")
	cmd.Flags().BoolVar(&opts.useKafka, "kafka", false, "read push events from the kafka fan-out topic")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	cmd.MarkFlagsMutuallyExclusive("dm", "group")

	cmd.AddCommand(newMigrateCmd(opts))
	return cmd
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the scylla history tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger := logging.Component("migrate")
			sess, err := db.NewSession(cfg.Scylla, logger)
			if err != nil {
				return fmt.Errorf("connect to scylla: %w", err)
			}
			defer sess.Close()
			if err := scylla.Migrate(cmd.Context(), sess); err != nil {
				return err
			}
			logger.Info().Msg("history tables ready")
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	_ = godotenv.Load(".env")

	loader := config.NewLoader()
	if opts.configFile != "" {
		loader.SetConfigFile(opts.configFile)
	}
	v := loader.Viper()
	if fl := cmd.Flags().Lookup("kafka"); fl != nil {
		_ = v.BindPFlag("kafka.enabled", fl)
	}
	if fl := cmd.Flags().Lookup("metrics-addr"); fl != nil {
		_ = v.BindPFlag("metrics.addr", fl)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return nil, err
	}

	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	if used := loader.ConfigFileUsed(); used != "" {
		logger := logging.Component("client")
		logger.Debug().Str("config_file", used).Msg("loaded config file")
	}
	return cfg, nil
}

func conversation(opts *options) (model.Conversation, error) {
	switch {
	case opts.dmUser != "":
		return model.Direct(opts.dmUser), nil
	case opts.groupID != "":
		return model.Group(opts.groupID), nil
	}
	return model.Conversation{}, errors.New("one of --dm or --group is required")
}

func run(ctx context.Context, cfg *config.Config, opts *options, in io.Reader, out io.Writer) error {
	conv, err := conversation(opts)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := logging.Component("client")

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, logger)
	}

	logger.Info().Str("user_id", opts.userID).Msg("logging in")
	token, err := ws.Login(ctx, &http.Client{Timeout: cfg.Gateway.RequestTimeout}, cfg.Gateway.APIAddr, opts.userID)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	me, err := auth.LocalUserID([]byte(cfg.Auth.Secret), token)
	if err != nil {
		return err
	}

	client, err := ws.Dial(ctx, cfg.Gateway, token, conv, me)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	backend := session.Backend{
		History:    client,
		Push:       client,
		Messenger:  client,
		Typing:     client,
		Membership: client,
		Acks:       client,
	}

	if cfg.Kafka.Enabled {
		src, err := kafka.NewSource(cfg.Kafka, kafka.WithChannel(conv.ChannelID(me)))
		if err != nil {
			return err
		}
		defer src.Close()
		go func() {
			if err := src.Run(ctx); err != nil {
				logger.Warn().Err(err).Msg("kafka source stopped")
			}
		}()
		backend.Push = src
	}

	if cfg.Scylla.Enabled {
		sess, err := db.NewSession(cfg.Scylla, logging.Component("scylla"))
		if err != nil {
			return fmt.Errorf("connect to scylla: %w", err)
		}
		defer sess.Close()
		backend.History = scylla.NewHistory(sess)
	}

	var who *presence.Client
	if cfg.Redis.Addr != "" {
		who = presence.New(cfg.Redis, conv.ChannelID(me))
		defer who.Close()
		backend.Presence = who
	}

	if cfg.Cache.Path != "" {
		store, err := cache.NewSQLiteStore(cfg.Cache.Path)
		if err != nil {
			logger.Warn().Err(err).Msg("snapshot cache disabled")
		} else {
			defer store.Close()
			backend.Store = store
		}
	}

	pageSize := cfg.Session.PageSize
	if opts.threadID != "" {
		pageSize = cfg.Session.ThreadPageSize
	}
	s, err := session.Open(ctx, session.Config{
		Conversation:   conv,
		LocalUserID:    me,
		ThreadParentID: opts.threadID,
		PageSize:       pageSize,
		SnowflakeNode:  cfg.Session.SnowflakeNode,
		Typing: typing.Config{
			QuietInterval: cfg.Session.TypingQuietInterval,
			RemoteTimeout: cfg.Session.RemoteTypingTimeout,
			StartThrottle: cfg.Session.TypingStartThrottle,
		},
	}, backend)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.FetchOlder(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial history fetch failed")
	}

	go func() {
		for range s.Changes() {
			render(out, s)
		}
	}()
	render(out, s)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sh := &shell{s: s, who: who, out: out}
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("interrupt")
			return nil
		case <-client.Done():
			return errors.New("gateway connection closed")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseLine(line)
			if errors.Is(err, errEmpty) {
				fmt.Fprint(out, "> ")
				continue
			}
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			opCtx, cancel := context.WithTimeout(ctx, cfg.Gateway.RequestTimeout)
			quit, err := sh.exec(opCtx, cmd)
			cancel()
			if err != nil {
				fmt.Fprintf(out, "! %s: %v\n", cmd.name, err)
			}
			if quit {
				return nil
			}
		}
	}
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn().Err(err).Msg("metrics server stopped")
	}
}
