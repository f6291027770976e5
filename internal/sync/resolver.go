package sync

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResolvePatient applies the policy to diverged copies of one patient.
// Exactly one return value is non-nil: the resolved record, or a conflict
// record for manual resolution.
//
// Marker equality with differing content cannot be ordered by recency and is
// itself a conflict, regardless of policy.
func ResolvePatient(local, remote *PatientRecord, policy ResolutionPolicy) (*PatientRecord, *ConflictRecord) {
	diff := patientDiff(local, remote)
	if len(diff) == 0 {
		// Same content, nothing to resolve; prefer the newer marker.
		if remote.Version > local.Version {
			return remote.Clone(), nil
		}
		return local.Clone(), nil
	}
	if local.Version == remote.Version {
		return nil, newPatientConflict(local, remote, diff)
	}

	switch policy {
	case PolicyLocalWins:
		return local.Clone(), nil
	case PolicyRemoteWins:
		return remote.Clone(), nil
	case PolicyMerge:
		merged, disputed := mergePatients(local, remote)
		if len(disputed) > 0 {
			return nil, newPatientConflict(local, remote, disputed)
		}
		return merged, nil
	default: // PolicyManual and anything unknown
		return nil, newPatientConflict(local, remote, diff)
	}
}

// ResolveRecord is the medical-record counterpart of ResolvePatient.
func ResolveRecord(local, remote *MedicalRecordEntry, policy ResolutionPolicy) (*MedicalRecordEntry, *ConflictRecord) {
	diff := recordDiff(local, remote)
	if len(diff) == 0 {
		if remote.Version > local.Version {
			return remote.Clone(), nil
		}
		return local.Clone(), nil
	}
	if local.Version == remote.Version {
		return nil, newRecordConflict(local, remote, diff)
	}

	switch policy {
	case PolicyLocalWins:
		return local.Clone(), nil
	case PolicyRemoteWins:
		return remote.Clone(), nil
	case PolicyMerge:
		merged, disputed := mergeRecords(local, remote)
		if len(disputed) > 0 {
			return nil, newRecordConflict(local, remote, disputed)
		}
		return merged, nil
	default:
		return nil, newRecordConflict(local, remote, diff)
	}
}

// MergePatients produces a field-level union of the two copies, based on the
// side with the newer version marker. It fails when any field disagrees with
// both sides non-empty, since there is no merge rule to prefer one.
func MergePatients(local, remote *PatientRecord) (*PatientRecord, error) {
	merged, disputed := mergePatients(local, remote)
	if len(disputed) > 0 {
		return nil, fmt.Errorf("patient %s: unmergeable fields %v", local.ID, disputed)
	}
	return merged, nil
}

// MergeRecords is the medical-record counterpart of MergePatients.
func MergeRecords(local, remote *MedicalRecordEntry) (*MedicalRecordEntry, error) {
	merged, disputed := mergeRecords(local, remote)
	if len(disputed) > 0 {
		return nil, fmt.Errorf("medical record %s: unmergeable fields %v", local.ID, disputed)
	}
	return merged, nil
}

type fieldPair struct {
	name          string
	local, remote string
}

func patientFields(local, remote *PatientRecord) []fieldPair {
	return []fieldPair{
		{"emirates_id", local.EmiratesID, remote.EmiratesID},
		{"first_name", local.FirstName, remote.FirstName},
		{"last_name", local.LastName, remote.LastName},
		{"gender", local.Gender, remote.Gender},
		{"phone", local.Phone, remote.Phone},
		{"email", local.Email, remote.Email},
		{"address_line1", local.AddressLine1, remote.AddressLine1},
		{"city", local.City, remote.City},
	}
}

func patientDiff(local, remote *PatientRecord) []string {
	var diff []string
	for _, f := range patientFields(local, remote) {
		if f.local != f.remote {
			diff = append(diff, f.name)
		}
	}
	if !equalBirthDates(local.BirthDate, remote.BirthDate) {
		diff = append(diff, "birth_date")
	}
	return diff
}

func mergePatients(local, remote *PatientRecord) (*PatientRecord, []string) {
	base := local
	if remote.Version > local.Version {
		base = remote
	}
	merged := base.Clone()

	var disputed []string
	for _, f := range patientFields(local, remote) {
		switch {
		case f.local == f.remote:
		case f.local == "":
			setPatientField(merged, f.name, f.remote)
		case f.remote == "":
			setPatientField(merged, f.name, f.local)
		default:
			disputed = append(disputed, f.name)
		}
	}

	switch {
	case equalBirthDates(local.BirthDate, remote.BirthDate):
	case local.BirthDate == nil:
		merged.BirthDate = remote.Clone().BirthDate
	case remote.BirthDate == nil:
		merged.BirthDate = local.Clone().BirthDate
	default:
		disputed = append(disputed, "birth_date")
	}

	if len(disputed) > 0 {
		return nil, disputed
	}

	merged.Version = maxVersion(local.Version, remote.Version) + 1
	merged.Provenance = ProvenanceLocalOnly
	merged.UpdatedAt = time.Now()
	return merged, nil
}

func setPatientField(p *PatientRecord, name, value string) {
	switch name {
	case "emirates_id":
		p.EmiratesID = value
	case "first_name":
		p.FirstName = value
	case "last_name":
		p.LastName = value
	case "gender":
		p.Gender = value
	case "phone":
		p.Phone = value
	case "email":
		p.Email = value
	case "address_line1":
		p.AddressLine1 = value
	case "city":
		p.City = value
	}
}

func recordFields(local, remote *MedicalRecordEntry) []fieldPair {
	return []fieldPair{
		{"record_type", string(local.RecordType), string(remote.RecordType)},
		{"title", local.Title, remote.Title},
		{"summary", local.Summary, remote.Summary},
		{"details", local.Details, remote.Details},
	}
}

func recordDiff(local, remote *MedicalRecordEntry) []string {
	var diff []string
	for _, f := range recordFields(local, remote) {
		if f.local != f.remote {
			diff = append(diff, f.name)
		}
	}
	if local.Superseded != remote.Superseded {
		diff = append(diff, "superseded")
	}
	return diff
}

func mergeRecords(local, remote *MedicalRecordEntry) (*MedicalRecordEntry, []string) {
	base := local
	if remote.Version > local.Version {
		base = remote
	}
	merged := base.Clone()

	var disputed []string
	for _, f := range recordFields(local, remote) {
		switch {
		case f.local == f.remote:
		case f.local == "":
			setRecordField(merged, f.name, f.remote)
		case f.remote == "":
			setRecordField(merged, f.name, f.local)
		default:
			disputed = append(disputed, f.name)
		}
	}

	if len(disputed) > 0 {
		return nil, disputed
	}

	// A record marked superseded on either side stays superseded.
	merged.Superseded = local.Superseded || remote.Superseded
	merged.Version = maxVersion(local.Version, remote.Version) + 1
	merged.UpdatedAt = time.Now()
	return merged, nil
}

func setRecordField(r *MedicalRecordEntry, name, value string) {
	switch name {
	case "record_type":
		r.RecordType = RecordType(value)
	case "title":
		r.Title = value
	case "summary":
		r.Summary = value
	case "details":
		r.Details = value
	}
}

func newPatientConflict(local, remote *PatientRecord, fields []string) *ConflictRecord {
	return &ConflictRecord{
		ID:            uuid.New(),
		Entity:        EntityRef{Type: EntityPatient, ID: local.ID},
		Fields:        fields,
		LocalPatient:  local.Clone(),
		RemotePatient: remote.Clone(),
		State:         ConflictUnresolved,
		DetectedAt:    time.Now(),
	}
}

func newRecordConflict(local, remote *MedicalRecordEntry, fields []string) *ConflictRecord {
	return &ConflictRecord{
		ID:           uuid.New(),
		Entity:       EntityRef{Type: EntityRecord, ID: local.ID},
		Fields:       fields,
		LocalRecord:  local.Clone(),
		RemoteRecord: remote.Clone(),
		State:        ConflictUnresolved,
		DetectedAt:   time.Now(),
	}
}

func equalBirthDates(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
