// Package publish manages the app.bsky.feed.generator record that announces
// the feed on the network.
package publish

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"go.uber.org/zap"
)

const (
	// GeneratorCollection is the collection of feed generator records.
	GeneratorCollection = "app.bsky.feed.generator"

	// DefaultPDS is used when no PDS host is configured.
	DefaultPDS = "https://bsky.social"

	// MaxShortName is the longest record key accepted for a feed.
	MaxShortName = 15

	userAgent = "github.com/Seklfreak/bluesky-topic-feed"
)

// Generator describes the feed generator record.
type Generator struct {
	// ServiceDID is the did of the service answering getFeedSkeleton.
	ServiceDID  string
	DisplayName string
	Description string

	// AvatarPath is an optional png or jpeg file.
	AvatarPath string
}

// Client is an authenticated session against a PDS.
type Client struct {
	xrpc   *xrpc.Client
	logger *zap.Logger
}

func newXRPCClient(host string, auth *xrpc.AuthInfo) *xrpc.Client {
	ua := userAgent
	return &xrpc.Client{
		Client:    &http.Client{Timeout: 30 * time.Second},
		Host:      host,
		UserAgent: &ua,
		Auth:      auth,
	}
}

// Login creates a session for identifier. Use an app password.
func Login(ctx context.Context, pds, identifier, password string, logger *zap.Logger) (*Client, error) {
	if pds == "" {
		pds = DefaultPDS
	}
	if identifier == "" || password == "" {
		return nil, fmt.Errorf("handle and password are required")
	}

	session, err := atproto.ServerCreateSession(ctx, newXRPCClient(pds, nil), &atproto.ServerCreateSession_Input{
		Identifier: identifier,
		Password:   password,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &Client{
		xrpc: newXRPCClient(pds, &xrpc.AuthInfo{
			AccessJwt:  session.AccessJwt,
			RefreshJwt: session.RefreshJwt,
			Handle:     session.Handle,
			Did:        session.Did,
		}),
		logger: logger.Named("publish"),
	}, nil
}

// DID is the did of the authenticated account.
func (c *Client) DID() string {
	return c.xrpc.Auth.Did
}

// FeedURI is the at:// uri of the generator record with key shortName.
func FeedURI(publisherDID, shortName string) string {
	return fmt.Sprintf("at://%s/%s/%s", publisherDID, GeneratorCollection, shortName)
}

// ValidateShortName checks a record key for a feed generator.
func ValidateShortName(name string) error {
	if name == "" {
		return fmt.Errorf("feed short name is required")
	}
	if len(name) > MaxShortName {
		return fmt.Errorf("feed short name %q is longer than %d characters", name, MaxShortName)
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
			return fmt.Errorf("feed short name %q may only contain letters, digits and dashes", name)
		}
	}
	return nil
}

// Publish creates or replaces the generator record keyed by shortName and
// returns its uri.
func (c *Client) Publish(ctx context.Context, shortName string, g Generator) (string, error) {
	if err := ValidateShortName(shortName); err != nil {
		return "", err
	}
	if g.ServiceDID == "" {
		return "", fmt.Errorf("service did is required")
	}
	if g.DisplayName == "" {
		return "", fmt.Errorf("display name is required")
	}

	record := &bsky.FeedGenerator{
		LexiconTypeID: GeneratorCollection,
		Did:           g.ServiceDID,
		DisplayName:   g.DisplayName,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if g.Description != "" {
		record.Description = &g.Description
	}

	if g.AvatarPath != "" {
		blob, err := c.uploadAvatar(ctx, g.AvatarPath)
		if err != nil {
			return "", err
		}
		record.Avatar = blob
	}

	out, err := atproto.RepoPutRecord(ctx, c.xrpc, &atproto.RepoPutRecord_Input{
		Repo:       c.DID(),
		Collection: GeneratorCollection,
		Rkey:       shortName,
		Record:     &util.LexiconTypeDecoder{Val: record},
	})
	if err != nil {
		return "", fmt.Errorf("put record: %w", err)
	}

	c.logger.Info("published feed generator", zap.String("uri", out.Uri), zap.String("cid", out.Cid))
	return out.Uri, nil
}

// Unpublish deletes the generator record keyed by shortName.
func (c *Client) Unpublish(ctx context.Context, shortName string) error {
	if err := ValidateShortName(shortName); err != nil {
		return err
	}

	err := atproto.RepoDeleteRecord(ctx, c.xrpc, &atproto.RepoDeleteRecord_Input{
		Repo:       c.DID(),
		Collection: GeneratorCollection,
		Rkey:       shortName,
	})
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}

	c.logger.Info("unpublished feed generator", zap.String("uri", FeedURI(c.DID(), shortName)))
	return nil
}

func avatarMimeType(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png", nil
	case ".jpg", ".jpeg":
		return "image/jpeg", nil
	default:
		return "", fmt.Errorf("avatar %s must be a png or jpeg file", path)
	}
}

func (c *Client) uploadAvatar(ctx context.Context, path string) (*util.LexBlob, error) {
	mimeType, err := avatarMimeType(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read avatar: %w", err)
	}

	out, err := atproto.RepoUploadBlob(ctx, c.xrpc, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("upload avatar: %w", err)
	}
	if out.Blob == nil {
		return nil, fmt.Errorf("upload avatar: empty blob reference")
	}
	if out.Blob.MimeType == "" {
		out.Blob.MimeType = mimeType
	}

	c.logger.Debug("uploaded avatar", zap.String("mime_type", out.Blob.MimeType), zap.Int64("size", out.Blob.Size))
	return out.Blob, nil
}
