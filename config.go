package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bank         string
	bind         string
	clueDuration time.Duration
	corsOrigins  []string
	natsBucket   string
	natsURL      string
	port         int
	prefix       string
	profile      bool
	redisURL     string
	tlsCert      string
	tlsKey       string
	verbose      bool
	version      bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.redisURL != "" && c.natsURL != "" {
		return errors.New("--redis and --nats are mutually exclusive")
	}
	if c.clueDuration <= 0 {
		return fmt.Errorf("invalid clue duration (must be positive): %s", c.clueDuration)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func (c *Config) clueSeconds() int {
	return int(c.clueDuration / time.Second)
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BOOKCLUB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "bookclub-jeopardy",
		Short:         "A buzz-in trivia night for book clubs, served from a single binary.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.bank, "bank", "", `question bank to host at startup, "sample" for the built-in bank (env: BOOKCLUB_BANK)`)
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: BOOKCLUB_BIND)")
	fs.DurationVar(&cfg.clueDuration, "clue-duration", defaultClueSeconds*time.Second, "answer window once a clue opens (env: BOOKCLUB_CLUE_DURATION)")
	fs.StringSliceVar(&cfg.corsOrigins, "cors-origin", []string{"*"}, "origins allowed to call the room API (env: BOOKCLUB_CORS_ORIGIN)")
	fs.StringVar(&cfg.natsURL, "nats", "", "NATS server URL for shared room state (env: BOOKCLUB_NATS)")
	fs.StringVar(&cfg.natsBucket, "nats-bucket", "bookclub", "JetStream bucket holding room documents (env: BOOKCLUB_NATS_BUCKET)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: BOOKCLUB_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: BOOKCLUB_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: BOOKCLUB_PROFILE)")
	fs.StringVar(&cfg.redisURL, "redis", "", "Redis URL for shared room state (env: BOOKCLUB_REDIS)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: BOOKCLUB_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: BOOKCLUB_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: BOOKCLUB_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: BOOKCLUB_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("bookclub-jeopardy v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
