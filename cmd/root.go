// Package cmd is the feedgen command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Seklfreak/bluesky-topic-feed/internal/config"
	"github.com/Seklfreak/bluesky-topic-feed/internal/logging"
)

const rootLongDesc string = `feedgen indexes Bluesky posts about one topic and serves them as a custom feed.

  feedgen serve        Ingest the event stream and serve the feed
  feedgen publish      Create or update the feed generator record
  feedgen unpublish    Delete the feed generator record

Every setting can also come from a config file (--config) or a FEEDGEN_*
environment variable, e.g. FEEDGEN_TOPIC_TOKEN or FEEDGEN_DATABASE_URL.`

// flagKeys maps flag names to the config key they override.
var flagKeys = map[string]string{
	"debug":           "log.debug",
	"listen":          "listen_addr",
	"hostname":        "hostname",
	"publisher-did":   "publisher_did",
	"feed-name":       "feed_name",
	"topic":           "topic.token",
	"match":           "topic.match",
	"database-driver": "database.driver",
	"database-url":    "database.url",
	"source":          "source",
	"prefilter":       "queue.prefilter",
	"handle":          "publish.handle",
	"pds":             "publish.pds",
	"display-name":    "publish.display_name",
	"description":     "publish.description",
	"avatar":          "publish.avatar",
}

// commander carries what every subcommand resolves before running.
type commander struct {
	configFile string
	cfg        *config.Config
	logger     *zap.Logger
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	c := &commander{}

	cmd := &cobra.Command{
		Use:           "feedgen",
		Short:         "Bluesky topic feed generator",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd.Flags())
		},
	}

	cmd.PersistentFlags().StringVarP(&c.configFile, "config", "c", "", "Path to a config file (yaml, toml or json)")
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("feed-name", "", "Record key of the feed generator (default \"topic\")")

	cmd.AddCommand(newServeCmd(c))
	cmd.AddCommand(newPublishCmd(c))
	cmd.AddCommand(newUnpublishCmd(c))

	return cmd
}

func (c *commander) load(flags *pflag.FlagSet) error {
	v, err := config.InitViper(c.configFile)
	if err != nil {
		return err
	}
	if err := bindFlags(v, flags); err != nil {
		return err
	}

	c.cfg = config.Load(v)
	c.logger = logging.New(c.cfg.Log.Debug)
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("binding flag --%s: %w", f.Name, err)
		}
	})
	return bindErr
}

// Execute runs the command line and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
