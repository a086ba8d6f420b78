package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"crate/internal/bucket/backends"
	"crate/internal/cryptobox"
	"crate/internal/invite"
	"crate/internal/membership"
	"crate/internal/syncerr"
)

func newLibraryCommand(ctx *commandContext) *cobra.Command {
	libraryCmd := &cobra.Command{
		Use:   "library",
		Short: "Create a shared library",
	}
	libraryCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Found a new library with this identity as its first owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, err := ctx.loadKeyring()
			if err != nil {
				return err
			}
			if len(ring.LibraryKey) > 0 {
				return syncerr.Wrap(syncerr.ErrConfiguration, "cli", "library init",
					"this identity already holds a library key", nil)
			}
			key, err := cryptobox.GenerateKey()
			if err != nil {
				return err
			}
			logger := ctx.logger(cmd)
			err = ctx.withBucket(cmd.Context(), ring.Identity, func(h *backends.Handle) error {
				mgr := invite.NewManager(h.Bucket, ring.Identity, invite.WithLogger(logger))
				_, err := mgr.Found(cmd.Context(), key)
				return err
			})
			if err != nil {
				return err
			}
			ring.LibraryKey = key
			if err := saveKeyring(ctx, ring); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Library founded; owner %s\n", ring.Identity.PublicHex())
			if cfg, err := ctx.ensureConfig(); err == nil && cfg.Library.ID == "" {
				fmt.Fprintf(out, "Suggested library.id: %s\n", uuid.NewString())
			}
			return nil
		},
	})
	return libraryCmd
}

func newAcceptCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "accept",
		Short: "Open the library key an owner sealed to this identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, err := ctx.loadKeyring()
			if err != nil {
				return err
			}
			var role membership.Role
			err = ctx.withBucket(cmd.Context(), ring.Identity, func(h *backends.Handle) error {
				key, err := invite.AcceptInvitation(cmd.Context(), h.Bucket, ring.Identity)
				if err != nil {
					return err
				}
				ring.LibraryKey = key
				chain, err := membership.LoadChain(cmd.Context(), h.Bucket)
				if err != nil {
					return err
				}
				role, _ = chain.RoleOf(ring.Identity.PublicHex())
				return nil
			})
			if err != nil {
				return err
			}
			if err := saveKeyring(ctx, ring); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Library key stored")
			if role == "" {
				fmt.Fprintln(out, "Warning: this identity is not on the membership chain; writes will be refused")
			} else {
				fmt.Fprintf(out, "Role: %s\n", displayRole(role))
			}
			return nil
		},
	}
}

func saveKeyring(ctx *commandContext, ring *cryptobox.Keyring) error {
	store, err := ctx.keyringStore()
	if err != nil {
		return err
	}
	return store.Save(ring)
}
