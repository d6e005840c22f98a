package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aerth/folio/config"
	"github.com/aerth/folio/i/mailer"
	"github.com/aerth/folio/system"
)

var info = "folio personal site and contact relay"
var logo = "" +
	"    ____      ___\n   / __/___  / (_)___\n  / /_/ __ \\/ / / __ \\   " + info + "\n" +
	" / __/ /_/ / / / /_/ /\n/_/  \\____/_/_/\\____/\n\n"

type options struct {
	configpath  string
	addr        string
	devmode     bool
	sslCert     string
	sslKey      string
	sslAddr     string
	showVersion bool
	dumpConfig  bool
	envFile     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:          "folio",
		Short:        info,
		Long:         "folio serves the site shell and relays contact form posts to one mailbox over SMTP.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.configpath, "conf", "", "path to config.json or config.yaml (use - for stdin)")
	f.StringVar(&o.addr, "addr", config.DefaultListenAddr, "address to serve")
	f.BoolVar(&o.devmode, "dev", false, "development mode (insecure)")
	f.StringVar(&o.sslCert, "sslcert", "", "path to ssl cert")
	f.StringVar(&o.sslKey, "sslkey", "", "path to ssl key")
	f.StringVar(&o.sslAddr, "ssladdr", config.DefaultListenAddrTLS, "listen TLS if cert and key exist")
	f.BoolVar(&o.showVersion, "version", false, "show version and exit")
	f.BoolVar(&o.dumpConfig, "dumpconfig", false, "dump config and exit")
	f.StringVar(&o.envFile, "env", ".env", "dotenv file to load if present")
	return cmd
}

func newLogger(dev bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

func run(cmd *cobra.Command, o options) error {
	out := cmd.OutOrStdout()
	if o.showVersion {
		fmt.Fprintln(out, "folio", Version)
		return nil
	}

	if err := config.LoadDotEnv(o.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(o.configpath)
	if err != nil {
		return err
	}
	cfg.Meta.Version = "folio " + Version

	// flags override the config file, the environment overrides both
	flags := cmd.Flags()
	if o.devmode {
		cfg.Meta.DevelopmentMode = true
	}
	if flags.Changed("addr") || cfg.Meta.ListenAddr == "" {
		cfg.Meta.ListenAddr = o.addr
	}
	if flags.Changed("ssladdr") || cfg.Meta.ListenAddrTLS == "" {
		cfg.Meta.ListenAddrTLS = o.sslAddr
	}
	if o.sslCert != "" {
		cfg.Meta.SSLCert = o.sslCert
	}
	if o.sslKey != "" {
		cfg.Meta.SSLKey = o.sslKey
	}

	logger, err := newLogger(cfg.Meta.DevelopmentMode)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	if err := config.Check(cfg, logger); err != nil {
		logger.Error("boot error", zap.Error(err))
		return err
	}

	if o.dumpConfig {
		dump := *cfg
		if dump.Mail.Password != "" {
			dump.Mail.Password = "********"
		}
		enc := json.NewEncoder(out)
		enc.SetIndent(" ", " ")
		return enc.Encode(dump)
	}

	if !cfg.Meta.DevelopmentMode {
		fmt.Fprint(cmd.ErrOrStderr(), logo)
	}

	if cfg.Mail.OpportunisticTLS {
		logger.Warn("STARTTLS is optional, mail may be sent in plaintext", zap.String("host", cfg.Mail.Host))
	}
	mail, err := mailer.New(mailerConfig(cfg.Mail), logger.Named("mailer"))
	if err != nil {
		return err
	}

	s, err := system.New(cfg, mail, logger)
	if err != nil {
		logger.Error("boot error", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := s.Run(ctx, s.Router()); err != nil {
		logger.Error("server error", zap.Error(err))
		return err
	}
	return nil
}

func mailerConfig(c config.MailConfig) mailer.Config {
	return mailer.Config{
		Host:             c.Host,
		Port:             c.Port,
		Username:         c.Username,
		Password:         c.Password,
		From:             c.From,
		To:               c.To,
		Timeout:          time.Duration(c.TimeoutSeconds) * time.Second,
		OpportunisticTLS: c.OpportunisticTLS,
	}
}
