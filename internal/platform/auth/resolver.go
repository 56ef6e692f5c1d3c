package auth

import (
	"github.com/najuna-brian/medipact-sub000/internal/platform/keys"
)

// RecordOwner identifies whose key currently protects a stored record: the
// hospital that wrote it, or the patient it was sealed for.
type RecordOwner struct {
	Scope    keys.Scope
	HolderID string
}

// Capability is the decryption right a caller holds for one record. The zero
// value is no capability.
type Capability struct {
	Scope    keys.Scope
	HolderID string
}

// None is the absence of any decryption right.
var None = Capability{}

// HospitalKey is the right to use the given hospital tenant's key.
func HospitalKey(tenantID string) Capability {
	return Capability{Scope: keys.ScopeHospital, HolderID: tenantID}
}

// PatientKey is the right to use the given patient's key.
func PatientKey(patientID string) Capability {
	return Capability{Scope: keys.ScopePatient, HolderID: patientID}
}

// IsNone reports whether c grants nothing.
func (c Capability) IsNone() bool { return c == None }

// Resolve decides which key, if any, caller may use to read a record owned by
// owner. Only a hospital reading its own tenant's records or a patient reading
// records sealed under their own key gets a capability. Every other
// combination, including the platform and any unrecognized kind, gets None.
func Resolve(caller Caller, owner RecordOwner) Capability {
	if caller.ID == "" || owner.HolderID == "" || caller.ID != owner.HolderID {
		return None
	}
	switch caller.Kind {
	case KindHospital:
		if owner.Scope == keys.ScopeHospital {
			return HospitalKey(caller.ID)
		}
	case KindPatient:
		if owner.Scope == keys.ScopePatient {
			return PatientKey(caller.ID)
		}
	}
	return None
}
