package auth

import (
	"context"
	"fmt"

	"github.com/najuna-brian/medipact-sub000/internal/platform/audit"
	"github.com/najuna-brian/medipact-sub000/internal/platform/hipaa"
	"github.com/najuna-brian/medipact-sub000/internal/platform/keys"
)

// Reader is the read chokepoint for persisted records: every path from stored
// ciphertext to plaintext goes through Read.
type Reader struct {
	codec *hipaa.Codec
	audit *audit.Emitter
}

// NewReader creates a Reader. A nil emitter disables auditing.
func NewReader(codec *hipaa.Codec, emitter *audit.Emitter) *Reader {
	return &Reader{codec: codec, audit: emitter}
}

// Read returns record as caller is entitled to see it. Without a capability
// the stored values come back unchanged, ciphertext included. With one, the
// allow-listed fields are decrypted under the resolved key; fields that cannot
// be decrypted keep their stored value and are reported in the diagnostics.
func (r *Reader) Read(ctx context.Context, caller Caller, record hipaa.Record, owner RecordOwner, policy hipaa.FieldPolicy) (hipaa.Record, []hipaa.FieldDiagnostic, error) {
	capability := Resolve(caller, owner)
	if capability.IsNone() {
		return record.Clone(), nil, nil
	}

	out, diags, err := r.codec.DecryptFields(record, policy, capability.Scope, capability.HolderID)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s record: %w", policy.RecordType, err)
	}

	e := &audit.Event{
		Type:      audit.TypeDecrypted,
		ActorKind: string(caller.Kind),
		ActorID:   caller.ID,
		Detail:    fmt.Sprintf("record_type=%s fields=%d kept=%d", policy.RecordType, decryptedCount(record, out, policy), len(diags)),
	}
	if capability.Scope == keys.ScopePatient {
		e.PatientID = capability.HolderID
	} else {
		e.OriginTenantID = capability.HolderID
	}
	r.audit.Emit(ctx, e)

	return out, diags, nil
}

// decryptedCount counts the allow-listed fields whose value changed between
// the stored and the returned record. Kept values come back unchanged.
func decryptedCount(stored, out hipaa.Record, policy hipaa.FieldPolicy) int {
	n := 0
	for _, f := range policy.Fields {
		before, ok := stored[f].(string)
		if !ok {
			continue
		}
		if after, _ := out[f].(string); after != before {
			n++
		}
	}
	return n
}
