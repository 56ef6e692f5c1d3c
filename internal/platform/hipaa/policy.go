package hipaa

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownRecordType is returned when no field policy exists for a record type.
var ErrUnknownRecordType = errors.New("unknown record type")

// FieldPolicy is the explicit allow-list of fields that hold patient-identifiable
// data for one record type. Only these fields are ever encrypted or decrypted;
// the list is never inferred from the shape of a record.
type FieldPolicy struct {
	// RecordType names the business record (e.g. "patient", "condition").
	RecordType string `yaml:"record_type"`
	// Fields lists the top-level record keys to protect.
	Fields []string `yaml:"fields"`
}

// Has reports whether field is in the allow-list.
func (p FieldPolicy) Has(field string) bool {
	for _, f := range p.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// DefaultFieldPolicies returns the built-in allow-lists for the records the
// platform stores.
func DefaultFieldPolicies() []FieldPolicy {
	return []FieldPolicy{
		{
			RecordType: "patient",
			Fields: []string{
				"full_name",
				"national_id",
				"date_of_birth",
				"phone",
				"email",
				"address",
			},
		},
		{
			RecordType: "condition",
			Fields: []string{
				"diagnosis",
				"notes",
			},
		},
		{
			RecordType: "observation",
			Fields: []string{
				"value",
				"notes",
			},
		},
		{
			RecordType: "medication",
			Fields: []string{
				"medication_name",
				"dosage_instructions",
			},
		},
	}
}

// Policies indexes field policies by record type.
type Policies map[string]FieldPolicy

// NewPolicies builds an index from a list. Later entries replace earlier ones
// with the same record type.
func NewPolicies(list []FieldPolicy) Policies {
	p := make(Policies, len(list))
	for _, fp := range list {
		p[fp.RecordType] = fp
	}
	return p
}

// For returns the policy for recordType.
func (p Policies) For(recordType string) (FieldPolicy, error) {
	fp, ok := p[recordType]
	if !ok {
		return FieldPolicy{}, fmt.Errorf("%w: %q", ErrUnknownRecordType, recordType)
	}
	return fp, nil
}

// RecordTypes returns the configured record types in sorted order.
func (p Policies) RecordTypes() []string {
	out := make([]string, 0, len(p))
	for rt := range p {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}

type policyFile struct {
	Policies []FieldPolicy `yaml:"policies"`
}

// LoadFieldPolicies reads allow-lists from a YAML file and layers them over the
// defaults. An empty path returns the defaults.
//
//	policies:
//	  - record_type: patient
//	    fields: [full_name, national_id, phone]
func LoadFieldPolicies(path string) (Policies, error) {
	policies := NewPolicies(DefaultFieldPolicies())
	if path == "" {
		return policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read field policies %s: %w", path, err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse field policies %s: %w", path, err)
	}

	for i, fp := range file.Policies {
		if fp.RecordType == "" {
			return nil, fmt.Errorf("field policies %s: entry %d has no record_type", path, i)
		}
		if len(fp.Fields) == 0 {
			return nil, fmt.Errorf("field policies %s: %q lists no fields", path, fp.RecordType)
		}
		policies[fp.RecordType] = fp
	}
	return policies, nil
}
