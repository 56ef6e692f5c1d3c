package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/najuna-brian/medipact-sub000/internal/domain/sharing"
	"github.com/najuna-brian/medipact-sub000/internal/platform/auth"
	"github.com/najuna-brian/medipact-sub000/internal/platform/hipaa"
	"github.com/najuna-brian/medipact-sub000/internal/platform/keys"
)

// recordsCmd exposes the record codec and re-encryption bridge over JSON
// lines on stdin/stdout, one record object per line.
func recordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Encrypt, read and re-encrypt records (JSON lines on stdin)",
	}
	cmd.PersistentFlags().String("type", "", "Record type, selects the field allow-list")
	_ = cmd.MarkPersistentFlagRequired("type")

	encryptCmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt allow-listed fields under a tenant key",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				policy, err := recordPolicy(cmd, a)
				if err != nil {
					return err
				}
				scope, holder, err := parsePrincipal(owner)
				if err != nil {
					return err
				}
				return eachRecord(cmd.InOrStdin(), cmd.OutOrStdout(), func(_ int, rec hipaa.Record) (hipaa.Record, error) {
					return a.codec.EncryptFields(rec, policy, scope, holder)
				})
			})
		},
	}
	encryptCmd.Flags().String("owner", "", "Key owner as hospital:<id> or patient:<id>")
	_ = encryptCmd.MarkFlagRequired("owner")
	cmd.AddCommand(encryptCmd)

	readCmd := &cobra.Command{
		Use:   "read",
		Short: "Read records as a caller; fields are decrypted only for the key owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			as, _ := cmd.Flags().GetString("as")
			ownerFlag, _ := cmd.Flags().GetString("owner")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				policy, err := recordPolicy(cmd, a)
				if err != nil {
					return err
				}
				caller, err := parseCaller(as)
				if err != nil {
					return err
				}
				scope, holder, err := parsePrincipal(ownerFlag)
				if err != nil {
					return err
				}
				owner := auth.RecordOwner{Scope: scope, HolderID: holder}
				ctx = auth.WithCaller(ctx, caller)

				return eachRecord(cmd.InOrStdin(), cmd.OutOrStdout(), func(i int, rec hipaa.Record) (hipaa.Record, error) {
					out, diags, err := a.reader.Read(ctx, caller, rec, owner, policy)
					for _, d := range diags {
						fmt.Fprintf(cmd.ErrOrStderr(), "record %d: field %s kept as stored (legacy=%t)\n", i, d.Field, d.Legacy)
					}
					return out, err
				})
			})
		},
	}
	readCmd.Flags().String("as", "platform", "Caller as platform, hospital:<id> or patient:<id>")
	readCmd.Flags().String("owner", "", "Record owner as hospital:<id> or patient:<id>")
	_ = readCmd.MarkFlagRequired("owner")
	cmd.AddCommand(readCmd)

	reencryptCmd := &cobra.Command{
		Use:   "reencrypt",
		Short: "Re-seal records for a hospital holding an active grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetString("patient")
			origin, _ := cmd.Flags().GetString("origin")
			requester, _ := cmd.Flags().GetString("requester")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				policy, err := recordPolicy(cmd, a)
				if err != nil {
					return err
				}
				recs, err := readRecords(cmd.InOrStdin())
				if err != nil {
					return err
				}
				reqs := make([]sharing.Request, len(recs))
				for i, rec := range recs {
					reqs[i] = sharing.Request{
						Record:             rec,
						Policy:             policy,
						PatientID:          patient,
						OriginTenantID:     origin,
						RequestingTenantID: requester,
					}
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				var failed int
				for _, item := range a.bridge.ReencryptBatch(ctx, reqs) {
					switch {
					case item.Err != nil:
						failed++
						fmt.Fprintf(cmd.ErrOrStderr(), "record %d: %v\n", item.Index, item.Err)
					case item.Result.Denied != nil:
						failed++
						fmt.Fprintf(cmd.ErrOrStderr(), "record %d: %s\n", item.Index, item.Result.Denied.Reason())
					default:
						if err := enc.Encode(item.Result.Record); err != nil {
							return err
						}
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d record(s) not re-encrypted", failed, len(reqs))
				}
				return nil
			})
		},
	}
	reencryptCmd.Flags().String("patient", "", "Patient the records belong to")
	reencryptCmd.Flags().String("origin", "", "Hospital whose key protects the input")
	reencryptCmd.Flags().String("requester", "", "Hospital to re-seal for")
	for _, name := range []string{"patient", "origin", "requester"} {
		_ = reencryptCmd.MarkFlagRequired(name)
	}
	cmd.AddCommand(reencryptCmd)

	return cmd
}

func recordPolicy(cmd *cobra.Command, a *app) (hipaa.FieldPolicy, error) {
	recordType, _ := cmd.Flags().GetString("type")
	return a.policies.For(recordType)
}

// parsePrincipal splits "hospital:HOSP-A" into its scope and id.
func parsePrincipal(s string) (keys.Scope, string, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("expected <hospital|patient>:<id>, got %q", s)
	}
	scope, err := keys.ParseScope(kind)
	if err != nil {
		return "", "", err
	}
	return scope, id, nil
}

func parseCaller(s string) (auth.Caller, error) {
	if s == string(auth.KindPlatform) {
		return auth.Platform(), nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return auth.Caller{}, fmt.Errorf("expected platform, hospital:<id> or patient:<id>, got %q", s)
	}
	switch auth.ParseKind(kind) {
	case auth.KindHospital:
		return auth.Hospital(id), nil
	case auth.KindPatient:
		return auth.Patient(id), nil
	}
	return auth.Caller{}, fmt.Errorf("unknown caller kind %q", kind)
}

func readRecords(r io.Reader) ([]hipaa.Record, error) {
	dec := json.NewDecoder(r)
	var out []hipaa.Record
	for {
		var rec hipaa.Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}

func eachRecord(r io.Reader, w io.Writer, fn func(i int, rec hipaa.Record) (hipaa.Record, error)) error {
	recs, err := readRecords(r)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for i, rec := range recs {
		out, err := fn(i, rec)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return nil
}
