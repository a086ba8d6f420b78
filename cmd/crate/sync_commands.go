package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"crate/internal/replication"
	"crate/internal/syncerr"
)

func newPushCommand(ctx *commandContext) *cobra.Command {
	var message string
	var reconcile bool
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload local catalog changes as the next changeset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSync(cmd, "push", func(s *syncSession) error {
				out := cmd.OutOrStdout()
				if reconcile {
					seq, moved, err := s.syncer.Reconcile(s.ctx)
					if err != nil {
						return err
					}
					if moved {
						fmt.Fprintf(out, "Local seq raised to %d\n", seq)
					}
				}
				res, err := s.syncer.Push(s.ctx, message)
				if errors.Is(err, syncerr.ErrSeqCollision) {
					return fmt.Errorf("%w (run `crate push --reconcile`)", err)
				}
				if err != nil {
					return err
				}
				switch res.Outcome {
				case replication.NothingToPush:
					fmt.Fprintln(out, "Nothing to push")
				default:
					fmt.Fprintf(out, "Pushed changeset %d to %s\n", res.Seq, res.Key)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Message recorded in the changeset envelope")
	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "Raise the local seq to this device's remote head before pushing")
	return cmd
}

type pullDeviceView struct {
	DeviceID       string `json:"device_id"`
	HeadSeq        uint64 `json:"head_seq"`
	AppliedThrough uint64 `json:"applied_through"`
	Applied        int    `json:"applied"`
	Quarantined    uint64 `json:"quarantined,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorKind      string `json:"error_kind,omitempty"`
}

func newPullCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Apply changesets from every other device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSync(cmd, "pull", func(s *syncSession) error {
				report, err := s.syncer.Pull(s.ctx)
				if err != nil {
					return err
				}
				views := make([]pullDeviceView, 0, len(report.Devices))
				for _, d := range report.Devices {
					v := pullDeviceView{
						DeviceID:       d.DeviceID,
						HeadSeq:        d.HeadSeq,
						AppliedThrough: d.AppliedThrough,
						Applied:        d.Applied,
						Quarantined:    d.Quarantined,
					}
					if d.Err != nil {
						v.Error = d.Err.Error()
						v.ErrorKind = syncerr.Kind(d.Err)
					}
					views = append(views, v)
				}
				if asJSON {
					if err := writeJSON(cmd, views); err != nil {
						return err
					}
					return report.Err()
				}

				out := cmd.OutOrStdout()
				if len(views) == 0 {
					fmt.Fprintln(out, "No other devices have pushed yet")
					return nil
				}
				rows := make([][]string, 0, len(views))
				for _, v := range views {
					quarantined := ""
					if v.Quarantined > 0 {
						quarantined = strconv.FormatUint(v.Quarantined, 10)
					}
					rows = append(rows, []string{
						v.DeviceID,
						strconv.FormatUint(v.HeadSeq, 10),
						strconv.FormatUint(v.AppliedThrough, 10),
						strconv.Itoa(v.Applied),
						quarantined,
						v.ErrorKind,
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Device", "Head", "Applied Through", "New", "Quarantined", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
				))
				fmt.Fprintf(out, "Applied %d changesets\n", report.Applied())
				return report.Err()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync position against every device head",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSync(cmd, "status", func(s *syncSession) error {
				st, err := s.syncer.Status(s.ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, st)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, renderKeyValues([][2]string{
					{"Device", st.DeviceID},
					{"Local seq", strconv.FormatUint(st.LocalSeq, 10)},
					{"Pending changes", strconv.Itoa(st.PendingChanges)},
					{"Schema version", fmt.Sprintf("%d (library minimum %d)", st.SchemaVersion, st.MinSchemaVersion)},
				}))
				if len(st.Devices) > 0 {
					rows := make([][]string, 0, len(st.Devices))
					for _, d := range st.Devices {
						snapshot, lastSync := "", ""
						if d.SnapshotSeq != nil {
							snapshot = strconv.FormatUint(*d.SnapshotSeq, 10)
						}
						if d.LastSync != nil {
							lastSync = d.LastSync.Local().Format(time.DateTime)
						}
						name := d.DeviceID
						if d.Local {
							name += " (this device)"
						}
						rows = append(rows, []string{
							name,
							strconv.FormatUint(d.HeadSeq, 10),
							strconv.FormatUint(d.AppliedSeq, 10),
							strconv.FormatUint(d.Behind, 10),
							snapshot,
							lastSync,
						})
					}
					fmt.Fprintln(out, renderTable(
						[]string{"Device", "Head", "Applied", "Behind", "Snapshot", "Last Sync"},
						rows,
						[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
					))
				}
				for _, q := range st.Quarantined {
					fmt.Fprintf(out, "Quarantined: %s seq %d (schema %d): %s\n", q.DeviceID, q.Seq, q.SchemaVersion, q.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}
