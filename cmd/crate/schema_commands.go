package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"crate/internal/cryptobox"
	"crate/internal/fileutil"
	"crate/internal/library"
	"crate/internal/syncerr"
)

const snapshotKeyContext = "crate.snapshot.v1"

func newSchemaCommand(ctx *commandContext) *cobra.Command {
	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect or raise the library's minimum changeset schema",
	}
	schemaCmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the minimum schema version and this build's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSync(cmd, "schema get", func(s *syncSession) error {
				minimum, err := s.rep.GetMinSchemaVersion(s.ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Minimum schema version: %d\nLocal schema version: %d\n",
					minimum, library.SchemaVersion)
				return nil
			})
		},
	})
	schemaCmd.AddCommand(&cobra.Command{
		Use:   "set <version>",
		Short: "Raise the minimum schema version every device must write",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return syncerr.Wrap(syncerr.ErrProtocol, "cli", "schema set", "version must be a non-negative integer", err)
			}
			return ctx.withSync(cmd, "schema set", func(s *syncSession) error {
				if err := s.rep.SetMinSchemaVersion(s.ctx, uint32(version)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Minimum schema version set to %d\n", version)
				return nil
			})
		},
	})
	return schemaCmd
}

func newSnapshotCommand(ctx *commandContext) *cobra.Command {
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Upload or download an encrypted copy of the whole library",
	}
	snapshotCmd.AddCommand(&cobra.Command{
		Use:   "put",
		Short: "Upload a snapshot covering every changeset pushed so far",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSync(cmd, "snapshot put", func(s *syncSession) error {
				pending, err := s.store.PendingChanges(s.ctx)
				if err != nil {
					return err
				}
				if pending > 0 {
					return syncerr.Wrap(syncerr.ErrConfiguration, "cli", "snapshot put",
						fmt.Sprintf("%d local changes are not pushed yet; run `crate push` first", pending), nil)
				}
				seq, err := s.store.LocalSeq(s.ctx)
				if err != nil {
					return err
				}
				dir, err := os.MkdirTemp("", "crate-snapshot-")
				if err != nil {
					return fmt.Errorf("create temp dir: %w", err)
				}
				defer os.RemoveAll(dir)
				path := filepath.Join(dir, "library.db")
				if _, err := s.store.DB().ExecContext(s.ctx, "VACUUM INTO ?", path); err != nil {
					return fmt.Errorf("copy library database: %w", err)
				}
				plain, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read snapshot copy: %w", err)
				}
				cipher, err := snapshotCipher(s.ring.LibraryKey)
				if err != nil {
					return err
				}
				blob, err := cipher.Encrypt(plain)
				if err != nil {
					return err
				}
				if err := s.rep.PutSnapshot(s.ctx, blob, seq); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Snapshot of %d bytes stored; covers changesets through %d\n", len(plain), seq)
				return nil
			})
		},
	})

	var outPath string
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Download and decrypt the library snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				return syncerr.Wrap(syncerr.ErrConfiguration, "cli", "snapshot get", "--out is required", nil)
			}
			return ctx.withSync(cmd, "snapshot get", func(s *syncSession) error {
				blob, err := s.rep.GetSnapshot(s.ctx)
				if err != nil {
					return err
				}
				cipher, err := snapshotCipher(s.ring.LibraryKey)
				if err != nil {
					return err
				}
				plain, err := cipher.Decrypt(blob)
				if err != nil {
					return err
				}
				if err := fileutil.WriteAtomic(outPath, plain, 0o600); err != nil {
					return fmt.Errorf("write snapshot: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Snapshot written to %s\n", outPath)
				return nil
			})
		},
	}
	getCmd.Flags().StringVarP(&outPath, "out", "o", "", "Where to write the decrypted database")
	snapshotCmd.AddCommand(getCmd)
	return snapshotCmd
}

func snapshotCipher(libraryKey []byte) (*cryptobox.Cipher, error) {
	key, err := cryptobox.DeriveKey(libraryKey, snapshotKeyContext)
	if err != nil {
		return nil, err
	}
	return cryptobox.NewCipher(key)
}
