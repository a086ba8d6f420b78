package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"crate/internal/cryptobox"
	"crate/internal/syncerr"
)

func newIdentityCommand(ctx *commandContext) *cobra.Command {
	identityCmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage this device's signing identity",
	}
	identityCmd.AddCommand(newIdentityInitCommand(ctx))
	identityCmd.AddCommand(newIdentityShowCommand(ctx))
	return identityCmd
}

func newIdentityInitCommand(ctx *commandContext) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate an Ed25519 identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.keyringStore()
			if err != nil {
				return err
			}
			if existing, err := store.Load(); err == nil {
				if !overwrite {
					return fmt.Errorf("identity already exists at %s (public key %s); use --overwrite to replace it",
						store.Path(), existing.Identity.PublicHex())
				}
			} else if !errors.Is(err, syncerr.ErrNotFound) {
				return err
			}

			id, err := cryptobox.GenerateIdentity()
			if err != nil {
				return err
			}
			if err := store.Save(&cryptobox.Keyring{Identity: id, CreatedAt: time.Now().UTC()}); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Identity written to %s\n", store.Path())
			fmt.Fprintf(out, "Public key: %s\n", id.PublicHex())
			if cfg, err := ctx.ensureConfig(); err == nil && cfg.Library.DeviceID == "" {
				fmt.Fprintf(out, "Suggested library.device_id: %s\n", uuid.NewString())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing identity (the old key is lost)")
	return cmd
}

type identityView struct {
	PublicKey     string    `json:"public_key"`
	DeviceID      string    `json:"device_id,omitempty"`
	LibraryID     string    `json:"library_id,omitempty"`
	HasLibraryKey bool      `json:"has_library_key"`
	CreatedAt     time.Time `json:"created_at"`
	Path          string    `json:"path"`
}

func newIdentityShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the public key and library membership state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.keyringStore()
			if err != nil {
				return err
			}
			ring, err := ctx.loadKeyring()
			if err != nil {
				return err
			}
			cfg, _ := ctx.ensureConfig()
			view := identityView{
				PublicKey:     ring.Identity.PublicHex(),
				DeviceID:      cfg.Library.DeviceID,
				LibraryID:     cfg.Library.ID,
				HasLibraryKey: len(ring.LibraryKey) > 0,
				CreatedAt:     ring.CreatedAt,
				Path:          store.Path(),
			}
			if asJSON {
				return writeJSON(cmd, view)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderKeyValues([][2]string{
				{"Public key", view.PublicKey},
				{"Device", view.DeviceID},
				{"Library", view.LibraryID},
				{"Library key", yesNo(view.HasLibraryKey)},
				{"Created", view.CreatedAt.Format(time.RFC3339)},
				{"Keyring", view.Path},
			}))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}
