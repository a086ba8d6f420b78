package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"crate/internal/cryptobox"
	"crate/internal/library"
	"crate/internal/sharegrant"
	"crate/internal/syncerr"
)

func newGrantCommand(ctx *commandContext) *cobra.Command {
	grantCmd := &cobra.Command{
		Use:   "grant",
		Short: "Share single releases with other libraries",
	}
	grantCmd.AddCommand(newGrantCreateCommand(ctx))
	grantCmd.AddCommand(newGrantAcceptCommand(ctx))
	grantCmd.AddCommand(newGrantListCommand(ctx))
	grantCmd.AddCommand(newGrantResolveCommand(ctx))
	grantCmd.AddCommand(newGrantRevokeCommand(ctx))
	return grantCmd
}

func (c *commandContext) withGrantStore(cmd *cobra.Command, fn func(*sharegrant.Store) error) error {
	ring, err := c.loadKeyring()
	if err != nil {
		return err
	}
	return c.withLibraryDB(cmd, func(store *library.Store, logger *slog.Logger) error {
		grants, err := sharegrant.NewStore(cmd.Context(), store.DB(), ring.Identity, sharegrant.WithLogger(logger))
		if err != nil {
			return err
		}
		return fn(grants)
	})
}

func newGrantCreateCommand(ctx *commandContext) *cobra.Command {
	var (
		recipient  string
		releaseKey string
		accessKey  string
		secretKey  string
		expiresIn  time.Duration
		req        sharegrant.Request
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Sign a grant and print its share string",
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, err := ctx.loadKeyring()
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if req.Recipient, err = cryptobox.ParsePublicKeyHex(recipient); err != nil {
				return err
			}
			if req.ReleaseKey, err = hex.DecodeString(strings.TrimSpace(releaseKey)); err != nil {
				return syncerr.Wrap(syncerr.ErrProtocol, "cli", "grant create", "release key must be hex", err)
			}
			if accessKey != "" || secretKey != "" {
				req.Credentials = &sharegrant.Credentials{AccessKey: accessKey, SecretKey: secretKey}
			}
			now := time.Now()
			if expiresIn > 0 {
				req.Expires = now.Add(expiresIn)
			}
			req.FromLibraryID = cfg.Library.ID
			g, err := sharegrant.Create(req, now, ring.Identity)
			if err != nil {
				return err
			}
			share, err := sharegrant.Encode(g)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), share)
			return nil
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "Recipient public key (hex)")
	cmd.Flags().StringVar(&req.ReleaseID, "release", "", "Release id")
	cmd.Flags().StringVar(&req.Bucket, "bucket", "", "Bucket holding the release objects")
	cmd.Flags().StringVar(&req.Region, "region", "", "Bucket region")
	cmd.Flags().StringVar(&req.Endpoint, "endpoint", "", "Bucket endpoint")
	cmd.Flags().StringVar(&releaseKey, "release-key", "", "32-byte release key (hex)")
	cmd.Flags().StringVar(&accessKey, "access-key", "", "Scoped access key to include")
	cmd.Flags().StringVar(&secretKey, "secret-key", "", "Scoped secret key to include")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Grant lifetime (0 means no expiry)")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("release")
	_ = cmd.MarkFlagRequired("bucket")
	_ = cmd.MarkFlagRequired("release-key")
	return cmd
}

func newGrantAcceptCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "accept <share>",
		Short: "Verify a share string and store the release it grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := sharegrant.Decode(args[0])
			if err != nil {
				return err
			}
			return ctx.withGrantStore(cmd, func(grants *sharegrant.Store) error {
				rel, err := grants.AcceptAndStoreGrant(cmd.Context(), g)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Accepted release %s from %s\nGrant id: %s\n",
					rel.ReleaseID, shortHex(rel.FromUserPubKey), rel.GrantID)
				return nil
			})
		},
	}
}

func newGrantListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unexpired shared releases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withGrantStore(cmd, func(grants *sharegrant.Store) error {
				releases, err := grants.ListSharedReleases(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, releases)
				}
				if len(releases) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No shared releases")
					return nil
				}
				rows := make([][]string, 0, len(releases))
				for _, r := range releases {
					expires := "never"
					if r.ExpiresAt != nil {
						expires = r.ExpiresAt.Local().Format(time.DateTime)
					}
					rows = append(rows, []string{r.GrantID, r.ReleaseID, shortHex(r.FromUserPubKey), r.Bucket, expires})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Grant", "Release", "From", "Bucket", "Expires"}, rows, nil))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}

func newGrantResolveCommand(ctx *commandContext) *cobra.Command {
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "resolve <grant-id>",
		Short: "Print where a shared release lives and how to read it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withGrantStore(cmd, func(grants *sharegrant.Store) error {
				rel, err := grants.ResolveRelease(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				pairs := [][2]string{
					{"Release", rel.ReleaseID},
					{"Library", rel.FromLibraryID},
					{"Bucket", rel.Bucket},
					{"Region", rel.Region},
					{"Endpoint", rel.Endpoint},
				}
				if showSecrets {
					pairs = append(pairs, [2]string{"Release key", hex.EncodeToString(rel.ReleaseKey)})
					if rel.Credentials != nil {
						pairs = append(pairs,
							[2]string{"Access key", rel.Credentials.AccessKey},
							[2]string{"Secret key", rel.Credentials.SecretKey})
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderKeyValues(pairs))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Include the release key and credentials")
	return cmd
}

func newGrantRevokeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <grant-id>",
		Short: "Delete an accepted grant from this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withGrantStore(cmd, func(grants *sharegrant.Store) error {
				if err := grants.RevokeGrant(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked grant %s\n", args[0])
				return nil
			})
		},
	}
}
