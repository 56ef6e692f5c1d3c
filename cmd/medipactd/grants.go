package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/najuna-brian/medipact-sub000/internal/domain/grant"
)

func grantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grants",
		Short: "Request, decide and list cross-tenant access grants",
	}

	requestCmd := &cobra.Command{
		Use:   "request",
		Short: "Request access to a patient's records held by another hospital",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			in := grant.RequestInput{}
			in.PatientID, _ = f.GetString("patient")
			in.RequestingTenantID, _ = f.GetString("requester")
			in.OriginTenantID, _ = f.GetString("origin")
			in.AccessType, _ = f.GetString("access-type")
			in.DurationMinutes, _ = f.GetInt("minutes")
			in.Purpose, _ = f.GetString("purpose")

			return withApp(cmd, func(ctx context.Context, a *app) error {
				g, err := a.engine.Request(ctx, in)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), g)
			})
		},
	}
	requestCmd.Flags().String("patient", "", "Patient id")
	requestCmd.Flags().String("requester", "", "Requesting hospital id")
	requestCmd.Flags().String("origin", "", "Hospital currently holding the records")
	requestCmd.Flags().String("access-type", "", "Purpose tag, e.g. telemedicine")
	requestCmd.Flags().Int("minutes", 60, "Requested duration in minutes (15-1440)")
	requestCmd.Flags().String("purpose", "", "Free-text notes for the patient")
	for _, name := range []string{"patient", "requester", "origin", "access-type"} {
		_ = requestCmd.MarkFlagRequired(name)
	}
	cmd.AddCommand(requestCmd)

	type decideFn func(*grant.Engine, context.Context, uuid.UUID, string) (*grant.AccessGrant, error)
	decisions := []struct {
		use   string
		short string
		fn    decideFn
	}{
		{"approve <grant-id>", "Approve a pending grant as the patient", (*grant.Engine).Approve},
		{"reject <grant-id>", "Reject a pending grant as the patient", (*grant.Engine).Reject},
		{"revoke <grant-id>", "Revoke a pending or active grant as the patient", (*grant.Engine).Revoke},
	}
	for _, d := range decisions {
		decide := d.fn
		decideCmd := &cobra.Command{
			Use:   d.use,
			Short: d.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid grant id %q: %w", args[0], err)
				}
				patient, _ := cmd.Flags().GetString("patient")
				return withApp(cmd, func(ctx context.Context, a *app) error {
					g, err := decide(a.engine, ctx, id, patient)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), g)
				})
			},
		}
		decideCmd.Flags().String("patient", "", "Patient id that owns the grant")
		_ = decideCmd.MarkFlagRequired("patient")
		cmd.AddCommand(decideCmd)
	}

	showCmd := &cobra.Command{
		Use:   "show <grant-id>",
		Short: "Show one grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid grant id %q: %w", args[0], err)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				g, err := a.engine.Get(ctx, id)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), g)
			})
		},
	}
	cmd.AddCommand(showCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List grants for a patient, or a hospital's active grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetString("patient")
			requester, _ := cmd.Flags().GetString("requester")
			pending, _ := cmd.Flags().GetBool("pending")
			if (patient == "") == (requester == "") {
				return fmt.Errorf("exactly one of --patient or --requester is required")
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				var (
					list []*grant.AccessGrant
					err  error
				)
				switch {
				case requester != "":
					list, err = a.engine.ListActiveForRequester(ctx, requester)
				case pending:
					list, err = a.engine.ListPendingForPatient(ctx, patient)
				default:
					list, err = a.engine.ListForPatient(ctx, patient)
				}
				if err != nil {
					return err
				}
				if list == nil {
					list = []*grant.AccessGrant{}
				}
				return writeJSON(cmd.OutOrStdout(), list)
			})
		},
	}
	listCmd.Flags().String("patient", "", "List this patient's grants")
	listCmd.Flags().Bool("pending", false, "With --patient, only grants awaiting a decision")
	listCmd.Flags().String("requester", "", "List this hospital's currently active grants")
	cmd.AddCommand(listCmd)

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
