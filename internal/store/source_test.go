package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinops/clinops/internal/sync"
)

func savePatient(t *testing.T, s Store, p *sync.PatientRecord) uuid.UUID {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.SaveAdministrativeData(context.Background(), CategoryPatient, data)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestSource_PendingPatients(t *testing.T) {
	mem := NewMemoryStore()
	src := NewSource(mem, zerolog.Nop())
	ctx := context.Background()

	p1 := &sync.PatientRecord{ID: uuid.New(), FirstName: "Mariam", Version: 1}
	p2 := &sync.PatientRecord{ID: uuid.New(), FirstName: "Omar", Version: 1}
	savePatient(t, mem, p1)
	recID2 := savePatient(t, mem, p2)

	// Conflicted records wait for manual resolution and stay out of the pass.
	if err := mem.UpdateStatus(ctx, CategoryPatient, recID2, StatusConflicted); err != nil {
		t.Fatal(err)
	}

	patients, err := src.PendingPatients(ctx)
	if err != nil {
		t.Fatalf("pending patients: %v", err)
	}
	if len(patients) != 1 || patients[0].ID != p1.ID {
		t.Fatalf("patients = %+v, want only the pending one", patients)
	}
}

func TestSource_FailedRecordsReenterPass(t *testing.T) {
	mem := NewMemoryStore()
	src := NewSource(mem, zerolog.Nop())
	ctx := context.Background()

	p := &sync.PatientRecord{ID: uuid.New(), FirstName: "Mariam", Version: 1}
	recID := savePatient(t, mem, p)
	if err := mem.UpdateStatus(ctx, CategoryPatient, recID, StatusFailed); err != nil {
		t.Fatal(err)
	}

	patients, err := src.PendingPatients(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(patients) != 1 {
		t.Fatalf("patients = %d, want failed records back in the pass", len(patients))
	}
}

func TestSource_SkipsUndecodablePayload(t *testing.T) {
	mem := NewMemoryStore()
	src := NewSource(mem, zerolog.Nop())
	ctx := context.Background()

	if _, err := mem.SaveAdministrativeData(ctx, CategoryPatient, json.RawMessage(`not json`)); err != nil {
		t.Fatal(err)
	}
	p := &sync.PatientRecord{ID: uuid.New(), FirstName: "Mariam", Version: 1}
	savePatient(t, mem, p)

	patients, err := src.PendingPatients(ctx)
	if err != nil {
		t.Fatalf("a bad payload must not fail the load: %v", err)
	}
	if len(patients) != 1 || patients[0].ID != p.ID {
		t.Errorf("patients = %+v, want only the decodable one", patients)
	}
}

func TestSource_UpdateEntityStatusMapsToOrigin(t *testing.T) {
	mem := NewMemoryStore()
	src := NewSource(mem, zerolog.Nop())
	ctx := context.Background()

	p := &sync.PatientRecord{ID: uuid.New(), FirstName: "Mariam", Version: 1}
	recID := savePatient(t, mem, p)

	// Loading populates the entity-to-record mapping.
	if _, err := src.PendingPatients(ctx); err != nil {
		t.Fatal(err)
	}

	ref := sync.EntityRef{Type: sync.EntityPatient, ID: p.ID}
	if err := src.UpdateEntityStatus(ctx, ref, StatusSynced); err != nil {
		t.Fatalf("update status: %v", err)
	}
	recs, _ := mem.GetAdministrativeData(ctx, CategoryPatient)
	if recs[0].ID != recID || recs[0].Status != StatusSynced {
		t.Errorf("record = %+v, want synced", recs[0])
	}
}

func TestSource_PendingMedicalRecords(t *testing.T) {
	mem := NewMemoryStore()
	src := NewSource(mem, zerolog.Nop())
	ctx := context.Background()

	entry := &sync.MedicalRecordEntry{
		ID:         uuid.New(),
		PatientID:  uuid.New(),
		RecordType: sync.RecordTypeLabResult,
		Title:      "CBC panel",
		Version:    1,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.SaveAdministrativeData(ctx, CategoryMedicalRecord, data); err != nil {
		t.Fatal(err)
	}

	records, err := src.PendingRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Title != "CBC panel" {
		t.Fatalf("records = %+v", records)
	}

	ref := sync.EntityRef{Type: sync.EntityRecord, ID: entry.ID}
	if err := src.UpdateEntityStatus(ctx, ref, StatusSynced); err != nil {
		t.Fatalf("update status: %v", err)
	}
	recs, _ := mem.GetAdministrativeData(ctx, CategoryMedicalRecord)
	if recs[0].Status != StatusSynced {
		t.Errorf("status = %q, want synced", recs[0].Status)
	}
}
