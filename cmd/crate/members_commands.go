package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"crate/internal/bucket/backends"
	"crate/internal/cryptobox"
	"crate/internal/invite"
	"crate/internal/membership"
)

var titleCaser = cases.Title(language.English)

func displayRole(role membership.Role) string {
	return titleCaser.String(string(role))
}

func newMembersCommand(ctx *commandContext) *cobra.Command {
	membersCmd := &cobra.Command{
		Use:   "members",
		Short: "Inspect and change library membership",
	}
	membersCmd.AddCommand(newMembersListCommand(ctx))
	membersCmd.AddCommand(newMembersInviteCommand(ctx))
	membersCmd.AddCommand(newMembersRemoveCommand(ctx))
	return membersCmd
}

func newMembersListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List current members from the membership chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, err := ctx.loadKeyring()
			if err != nil {
				return err
			}
			return ctx.withBucket(cmd.Context(), ring.Identity, func(h *backends.Handle) error {
				chain, err := membership.LoadChain(cmd.Context(), h.Bucket)
				if err != nil {
					return err
				}
				members := chain.CurrentMembers()
				if asJSON {
					return writeJSON(cmd, members)
				}
				if len(members) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No membership chain yet; run `crate library init`")
					return nil
				}
				self := ring.Identity.PublicHex()
				rows := make([][]string, 0, len(members))
				for _, m := range members {
					you := ""
					if m.PubKey == self {
						you = "you"
					}
					rows = append(rows, []string{m.PubKey, displayRole(m.Role), you})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Public Key", "Role", ""}, rows, nil))
				fmt.Fprintf(cmd.OutOrStdout(), "%d entries on the chain\n", chain.Len())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}

func newMembersInviteCommand(ctx *commandContext) *cobra.Command {
	var roleFlag string
	cmd := &cobra.Command{
		Use:   "invite <pubkey>",
		Short: "Seal the library key to a public key and add it to the chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invitee, err := cryptobox.ParsePublicKeyHex(args[0])
			if err != nil {
				return err
			}
			role, err := membership.ParseRole(roleFlag)
			if err != nil {
				return err
			}
			ring, err := ctx.loadLibraryKeyring()
			if err != nil {
				return err
			}
			logger := ctx.logger(cmd)
			return ctx.withBucket(cmd.Context(), ring.Identity, func(h *backends.Handle) error {
				chain, err := membership.LoadChain(cmd.Context(), h.Bucket)
				if err != nil {
					return err
				}
				mgr := invite.NewManager(h.Bucket, ring.Identity, invite.WithLogger(logger))
				inv, err := mgr.CreateInvitation(cmd.Context(), chain, ring.LibraryKey, invitee, role)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Invited %s as %s (membership seq %d)\n", inv.Invitee, displayRole(inv.Role), inv.Seq)
				fmt.Fprintf(out, "Sealed key stored at %s; the invitee runs `crate accept`\n", inv.KeyObject)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&roleFlag, "role", string(membership.RoleMember), "Role to grant (owner or member)")
	return cmd
}

func newMembersRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <pubkey>",
		Short: "Remove a member and delete its sealed library key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := cryptobox.ParsePublicKeyHex(args[0])
			if err != nil {
				return err
			}
			ring, err := ctx.loadKeyring()
			if err != nil {
				return err
			}
			logger := ctx.logger(cmd)
			return ctx.withBucket(cmd.Context(), ring.Identity, func(h *backends.Handle) error {
				chain, err := membership.LoadChain(cmd.Context(), h.Bucket)
				if err != nil {
					return err
				}
				mgr := invite.NewManager(h.Bucket, ring.Identity, invite.WithLogger(logger))
				entry, err := mgr.RemoveMember(cmd.Context(), chain, user)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (%s)\n", entry.UserPubKey, displayRole(entry.Role))
				return nil
			})
		},
	}
}
