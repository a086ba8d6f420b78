package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"crate/internal/attest"
	"crate/internal/fileutil"
	"crate/internal/library"
	"crate/internal/lookup"
)

func newAttestCommand(ctx *commandContext) *cobra.Command {
	attestCmd := &cobra.Command{
		Use:   "attest",
		Short: "Sign, import and export release attestations",
	}
	attestCmd.AddCommand(newAttestCreateCommand(ctx))
	attestCmd.AddCommand(newAttestImportCommand(ctx))
	attestCmd.AddCommand(newAttestExportCommand(ctx))
	return attestCmd
}

func openCache(cmd *cobra.Command, store *library.Store, logger *slog.Logger) (*attest.Cache, error) {
	return attest.NewCache(cmd.Context(), store.DB(), attest.WithLogger(logger))
}

func newAttestCreateCommand(ctx *commandContext) *cobra.Command {
	var claim attest.Claim
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Sign a claim that an infohash carries a release",
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, err := ctx.loadKeyring()
			if err != nil {
				return err
			}
			a, err := attest.Sign(claim, time.Now(), ring.Identity)
			if err != nil {
				return err
			}
			return ctx.withLibraryDB(cmd, func(store *library.Store, logger *slog.Logger) error {
				cache, err := openCache(cmd, store, logger)
				if err != nil {
					return err
				}
				if err := cache.Store(cmd.Context(), a); err != nil {
					return err
				}
				line, err := attest.Serialize([]attest.Attestation{a})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(line))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&claim.MBID, "mbid", "", "MusicBrainz release id")
	cmd.Flags().StringVar(&claim.Infohash, "infohash", "", "Torrent infohash (40 or 64 hex characters)")
	cmd.Flags().StringVar(&claim.ContentHash, "content-hash", "", "SHA-256 of the release content")
	cmd.Flags().StringVar(&claim.Format, "format", "flac", "Audio format")
	_ = cmd.MarkFlagRequired("mbid")
	_ = cmd.MarkFlagRequired("infohash")
	_ = cmd.MarkFlagRequired("content-hash")
	return cmd
}

func newAttestImportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Verify and cache attestations from a JSONL file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			batch, err := attest.DecodeLines(data)
			if err != nil {
				return err
			}
			return ctx.withLibraryDB(cmd, func(store *library.Store, logger *slog.Logger) error {
				cache, err := openCache(cmd, store, logger)
				if err != nil {
					return err
				}
				res := cache.MergeRemote(cmd.Context(), batch)
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %d attestations, rejected %d\n", res.Stored, res.Rejected)
				return nil
			})
		},
	}
}

func newAttestExportCommand(ctx *commandContext) *cobra.Command {
	var infohash, outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write cached attestations as JSONL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLibraryDB(cmd, func(store *library.Store, logger *slog.Logger) error {
				cache, err := openCache(cmd, store, logger)
				if err != nil {
					return err
				}
				var atts []attest.Attestation
				if infohash != "" {
					atts, err = cache.ForInfohash(cmd.Context(), infohash)
				} else {
					atts, err = cache.All(cmd.Context())
				}
				if err != nil {
					return err
				}
				data, err := attest.Serialize(atts)
				if err != nil {
					return err
				}
				if outPath == "" {
					if len(data) > 0 {
						fmt.Fprintln(cmd.OutOrStdout(), string(data))
					}
					return nil
				}
				if err := fileutil.WriteAtomic(outPath, data, 0o644); err != nil {
					return fmt.Errorf("write attestations: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d attestations to %s\n", len(atts), outPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&infohash, "infohash", "", "Only export claims about this infohash")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write to a file instead of stdout")
	return cmd
}

func newLookupCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "lookup <infohash>",
		Short: "Rank the releases cached attestations claim for an infohash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLibraryDB(cmd, func(store *library.Store, logger *slog.Logger) error {
				cache, err := openCache(cmd, store, logger)
				if err != nil {
					return err
				}
				res, err := lookup.Infohash(cmd.Context(), cache, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, res)
				}
				out := cmd.OutOrStdout()
				if len(res.Candidates) == 0 {
					fmt.Fprintf(out, "No attestations for %s\n", res.Infohash)
					return nil
				}
				rows := make([][]string, 0, len(res.Candidates))
				for _, c := range res.Candidates {
					rows = append(rows, []string{c.MBID, strconv.Itoa(c.Confidence)})
				}
				fmt.Fprintln(out, renderTable([]string{"MBID", "Signers"}, rows,
					[]columnAlignment{alignLeft, alignRight}))
				fmt.Fprintf(out, "Best match: %s\n", res.Best)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
