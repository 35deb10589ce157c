package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Seklfreak/bluesky-topic-feed/internal/publish"
)

func addAccountFlags(flags *pflag.FlagSet) {
	flags.String("handle", "", "Handle of the publishing account")
	flags.String("pds", "", "PDS host of the publishing account (default \"https://bsky.social\")")
}

func newPublishCmd(c *commander) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Create or update the feed generator record",
		Long: `Create or update the app.bsky.feed.generator record for this feed.

The password is read from publish.password or FEEDGEN_PUBLISH_PASSWORD; use an
app password. Publishing again with the same feed name replaces the record.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer c.logger.Sync()

			cfg := c.cfg
			if err := cfg.ValidatePublish(true); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			client, err := publish.Login(cmd.Context(), cfg.Publish.PDS, cfg.Publish.Handle, cfg.Publish.Password, c.logger)
			if err != nil {
				return err
			}

			uri, err := client.Publish(cmd.Context(), cfg.FeedName, publish.Generator{
				ServiceDID:  cfg.DID(),
				DisplayName: cfg.Publish.DisplayName,
				Description: cfg.Publish.Description,
				AvatarPath:  cfg.Publish.Avatar,
			})
			if err != nil {
				return err
			}

			cmd.Printf("Feed published: %s\n", uri)
			if client.DID() != cfg.PublisherDID {
				cmd.Printf("Set publisher_did to %s to serve this feed.\n", client.DID())
			}
			return nil
		},
	}

	addAccountFlags(cmd.Flags())
	cmd.Flags().String("hostname", "", "Public hostname of the service, used for did:web")
	cmd.Flags().String("display-name", "", "Display name of the feed")
	cmd.Flags().String("description", "", "Description of the feed")
	cmd.Flags().String("avatar", "", "Path to a png or jpeg avatar")

	return cmd
}

func newUnpublishCmd(c *commander) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unpublish",
		Short: "Delete the feed generator record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer c.logger.Sync()

			cfg := c.cfg
			if err := cfg.ValidatePublish(false); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			client, err := publish.Login(cmd.Context(), cfg.Publish.PDS, cfg.Publish.Handle, cfg.Publish.Password, c.logger)
			if err != nil {
				return err
			}
			if err := client.Unpublish(cmd.Context(), cfg.FeedName); err != nil {
				return err
			}

			cmd.Printf("Feed unpublished: %s\n", publish.FeedURI(client.DID(), cfg.FeedName))
			return nil
		},
	}

	addAccountFlags(cmd.Flags())

	return cmd
}
