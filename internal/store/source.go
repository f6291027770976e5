package store

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinops/clinops/internal/sync"
)

// Source adapts a Store to the sync engine's local-source interface. It
// decodes category payloads into sync entities and remembers which store
// record each entity came from so statuses can be written back after a pass.
type Source struct {
	store  Store
	logger zerolog.Logger

	mu      stdsync.Mutex
	origins map[uuid.UUID]uuid.UUID // entity ID -> store record ID
}

var _ sync.LocalSource = (*Source)(nil)

func NewSource(store Store, logger zerolog.Logger) *Source {
	return &Source{
		store:   store,
		logger:  logger,
		origins: make(map[uuid.UUID]uuid.UUID),
	}
}

// syncable reports whether a record should enter the next sync pass.
// Conflicted records wait for manual resolution.
func syncable(status string) bool {
	return status == StatusPending || status == StatusFailed
}

func (s *Source) PendingPatients(ctx context.Context) ([]*sync.PatientRecord, error) {
	recs, err := s.store.GetAdministrativeData(ctx, CategoryPatient)
	if err != nil {
		return nil, fmt.Errorf("load pending patients: %w", err)
	}

	var out []*sync.PatientRecord
	for _, rec := range recs {
		if !syncable(rec.Status) {
			continue
		}
		var p sync.PatientRecord
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			s.logger.Warn().Err(err).Str("record_id", rec.ID.String()).Msg("skipping undecodable patient payload")
			continue
		}
		s.remember(p.ID, rec.ID)
		out = append(out, &p)
	}
	return out, nil
}

func (s *Source) PendingRecords(ctx context.Context) ([]*sync.MedicalRecordEntry, error) {
	recs, err := s.store.GetAdministrativeData(ctx, CategoryMedicalRecord)
	if err != nil {
		return nil, fmt.Errorf("load pending records: %w", err)
	}

	var out []*sync.MedicalRecordEntry
	for _, rec := range recs {
		if !syncable(rec.Status) {
			continue
		}
		var m sync.MedicalRecordEntry
		if err := json.Unmarshal(rec.Data, &m); err != nil {
			s.logger.Warn().Err(err).Str("record_id", rec.ID.String()).Msg("skipping undecodable medical record payload")
			continue
		}
		s.remember(m.ID, rec.ID)
		out = append(out, &m)
	}
	return out, nil
}

func (s *Source) UpdateEntityStatus(ctx context.Context, entity sync.EntityRef, status string) error {
	category := CategoryPatient
	if entity.Type == sync.EntityRecord {
		category = CategoryMedicalRecord
	}
	return s.store.UpdateStatus(ctx, category, s.origin(entity.ID), status)
}

func (s *Source) remember(entityID, recordID uuid.UUID) {
	s.mu.Lock()
	s.origins[entityID] = recordID
	s.mu.Unlock()
}

// origin maps an entity back to its store record. Entities never loaded
// through this source fall back to their own ID.
func (s *Source) origin(entityID uuid.UUID) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if recordID, ok := s.origins[entityID]; ok {
		return recordID
	}
	return entityID
}
