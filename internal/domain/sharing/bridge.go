// Package sharing moves patient records between tenants. A record sealed
// under the origin hospital's key is re-sealed under the requesting
// hospital's key, but only while the patient has an active grant in place.
package sharing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/najuna-brian/medipact-sub000/internal/platform/audit"
	"github.com/najuna-brian/medipact-sub000/internal/platform/hipaa"
	"github.com/najuna-brian/medipact-sub000/internal/platform/keys"
)

// ErrInvalidRequest is returned when a request does not name two distinct
// tenants and a patient.
var ErrInvalidRequest = errors.New("invalid re-encryption request")

// AccessChecker answers whether a requesting tenant currently holds an active
// grant. Implemented by *grant.Engine.
type AccessChecker interface {
	HasActiveAccess(ctx context.Context, requestingTenantID, patientID, originTenantID string) (bool, error)
}

// Request describes one record to move from the origin tenant's key to the
// requesting tenant's key.
type Request struct {
	Record             hipaa.Record
	Policy             hipaa.FieldPolicy
	PatientID          string
	OriginTenantID     string
	RequestingTenantID string
}

// AccessDenied is returned in a Result when no active grant covers the
// request. It is an outcome, not a failure.
type AccessDenied struct {
	PatientID          string
	OriginTenantID     string
	RequestingTenantID string
}

// Reason is the caller-facing explanation.
func (d *AccessDenied) Reason() string { return "access not currently granted" }

func (d *AccessDenied) Error() string { return d.Reason() }

// Result is the outcome of a single re-encryption. Exactly one of Record and
// Denied is set.
type Result struct {
	Record hipaa.Record
	Denied *AccessDenied
	// Fields counts the allow-listed fields re-sealed for the requester.
	Fields int
	// Legacy counts fields that were stored as plaintext and sealed directly.
	Legacy int
}

// BatchItem is the outcome for one entry of ReencryptBatch.
type BatchItem struct {
	Index  int
	Result Result
	Err    error
}

// Bridge re-encrypts records across tenants, gated by the grant engine.
type Bridge struct {
	access AccessChecker
	codec  *hipaa.Codec
	audit  *audit.Emitter
	logger zerolog.Logger
}

// NewBridge creates a Bridge. A nil emitter disables auditing.
func NewBridge(access AccessChecker, codec *hipaa.Codec, emitter *audit.Emitter, logger zerolog.Logger) *Bridge {
	return &Bridge{
		access: access,
		codec:  codec,
		audit:  emitter,
		logger: logger.With().Str("component", "reencryption-bridge").Logger(),
	}
}

// Reencrypt checks for an active grant and, when one exists, re-seals every
// allow-listed field of req.Record under the requesting tenant's key. Without
// a grant the record is not touched and Result.Denied is set.
//
// A field that carries the encrypted marker but does not open under the
// origin key fails the whole record with hipaa.ErrDecryptionFailed; no partly
// converted record is returned.
func (b *Bridge) Reencrypt(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	ok, err := b.access.HasActiveAccess(ctx, req.RequestingTenantID, req.PatientID, req.OriginTenantID)
	if err != nil {
		return Result{}, fmt.Errorf("check access: %w", err)
	}
	if !ok {
		denied := &AccessDenied{
			PatientID:          req.PatientID,
			OriginTenantID:     req.OriginTenantID,
			RequestingTenantID: req.RequestingTenantID,
		}
		b.emit(ctx, audit.TypeAccessDenied, req, fmt.Sprintf("record_type=%s", req.Policy.RecordType))
		b.logger.Info().
			Str("patient_id", req.PatientID).
			Str("origin_tenant_id", req.OriginTenantID).
			Str("requesting_tenant_id", req.RequestingTenantID).
			Msg("re-encryption denied: no active grant")
		return Result{Denied: denied}, nil
	}

	from, err := b.codec.Cipher(keys.ScopeHospital, req.OriginTenantID)
	if err != nil {
		return Result{}, err
	}
	to, err := b.codec.Cipher(keys.ScopeHospital, req.RequestingTenantID)
	if err != nil {
		return Result{}, err
	}

	out := req.Record.Clone()
	res := Result{}
	for _, field := range req.Policy.Fields {
		v, present := out[field]
		if !present || v == nil {
			continue
		}
		s, isString := v.(string)
		if !isString {
			return Result{}, fmt.Errorf("%w: %s.%s is %T", hipaa.ErrUnsupportedValue, req.Policy.RecordType, field, v)
		}
		if s == "" {
			continue
		}

		legacy := !hipaa.IsEncrypted(s)
		sealed, err := reseal(from, to, s, legacy)
		if err != nil {
			b.logger.Warn().
				Str("record_type", req.Policy.RecordType).
				Str("field", field).
				Str("origin_tenant_id", req.OriginTenantID).
				Msg("re-encryption failed: field does not open under origin key")
			return Result{}, fmt.Errorf("reencrypt %s.%s: %w", req.Policy.RecordType, field, err)
		}
		out[field] = sealed
		res.Fields++
		if legacy {
			res.Legacy++
		}
	}
	res.Record = out

	b.emit(ctx, audit.TypeReencrypted, req,
		fmt.Sprintf("record_type=%s fields=%d legacy=%d", req.Policy.RecordType, res.Fields, res.Legacy))
	return res, nil
}

// ReencryptBatch applies Reencrypt to each request independently. A failure
// or denial on one entry never stops the others; every outcome is reported on
// its own item.
func (b *Bridge) ReencryptBatch(ctx context.Context, reqs []Request) []BatchItem {
	items := make([]BatchItem, len(reqs))
	failed := 0
	for i, req := range reqs {
		res, err := b.Reencrypt(ctx, req)
		items[i] = BatchItem{Index: i, Result: res, Err: err}
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		b.logger.Warn().Int("records", len(reqs)).Int("failed", failed).Msg("re-encryption batch finished with failures")
	}
	return items
}

// reseal opens stored under from and seals it under to. The intermediate
// plaintext lives only in a byte slice that is cleared before returning.
func reseal(from, to *hipaa.FieldCipher, stored string, legacy bool) (string, error) {
	var pt []byte
	if legacy {
		pt = []byte(stored)
	} else {
		var err error
		pt, err = from.OpenField(stored)
		if err != nil {
			return "", err
		}
	}
	defer clear(pt)
	return to.SealField(pt)
}

func validate(req Request) error {
	switch {
	case req.PatientID == "":
		return fmt.Errorf("%w: patient id is required", ErrInvalidRequest)
	case req.OriginTenantID == "" || req.RequestingTenantID == "":
		return fmt.Errorf("%w: origin and requesting tenant ids are required", ErrInvalidRequest)
	case req.OriginTenantID == req.RequestingTenantID:
		return fmt.Errorf("%w: origin and requesting tenant must differ", ErrInvalidRequest)
	}
	return nil
}

func (b *Bridge) emit(ctx context.Context, typ audit.Type, req Request, detail string) {
	b.audit.Emit(ctx, &audit.Event{
		Type:               typ,
		PatientID:          req.PatientID,
		RequestingTenantID: req.RequestingTenantID,
		OriginTenantID:     req.OriginTenantID,
		ActorKind:          audit.ActorHospital,
		ActorID:            req.RequestingTenantID,
		Detail:             detail,
	})
}
