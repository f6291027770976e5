package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinops/clinops/internal/sync"
)

// registryStub is a minimal in-process registry. Handlers other than the token
// endpoint require the bearer token it issues.
type registryStub struct {
	mux        *http.ServeMux
	authCalls  int
	lastBearer string
}

func newRegistryStub() *registryStub {
	s := &registryStub{mux: http.NewServeMux()}
	s.mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		s.authCalls++
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["api_key"] != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"access_token": "session-token"})
	})
	return s
}

func (s *registryStub) handle(pattern string, h func(w http.ResponseWriter, r *http.Request)) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		s.lastBearer = r.Header.Get("Authorization")
		h(w, r)
	})
}

func newTestClient(t *testing.T, stub *registryStub) *Client {
	t.Helper()
	srv := httptest.NewServer(stub.mux)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, APIKey: "test-key", Timeout: 5 * time.Second}, zerolog.Nop())
}

func TestAuthenticate(t *testing.T) {
	stub := newRegistryStub()
	c := newTestClient(t, stub)

	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if stub.authCalls != 1 {
		t.Errorf("auth calls = %d, want 1", stub.authCalls)
	}
}

func TestAuthenticate_RejectedKeyIsUnauthorized(t *testing.T) {
	stub := newRegistryStub()
	srv := httptest.NewServer(stub.mux)
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "wrong-key"}, zerolog.Nop())

	err := c.Authenticate(context.Background())
	if !errors.Is(err, sync.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestBearer_AuthenticatesOnceAndReuses(t *testing.T) {
	stub := newRegistryStub()
	stub.handle("/sync/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sync.RegistryStatus{Available: true})
	})
	c := newTestClient(t, stub)

	for i := 0; i < 3; i++ {
		if _, err := c.GetSyncStatus(context.Background()); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if stub.authCalls != 1 {
		t.Errorf("auth calls = %d, want the session reused", stub.authCalls)
	}
	if stub.lastBearer != "Bearer session-token" {
		t.Errorf("authorization header = %q", stub.lastBearer)
	}
}

func TestSyncPatient_Success(t *testing.T) {
	stub := newRegistryStub()
	patient := &sync.PatientRecord{ID: uuid.New(), FirstName: "Mariam", Version: 3}
	stub.handle("/patients/"+patient.ID.String()+"/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		var got sync.PatientRecord
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode push body: %v", err)
		}
		got.Version = 4
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(got)
	})
	c := newTestClient(t, stub)

	accepted, err := c.SyncPatient(context.Background(), patient)
	if err != nil {
		t.Fatalf("sync patient: %v", err)
	}
	if accepted.Version != 4 {
		t.Errorf("accepted version = %d, want the registry marker", accepted.Version)
	}
}

func TestSyncPatient_ConflictCarriesRemoteCopy(t *testing.T) {
	stub := newRegistryStub()
	patient := &sync.PatientRecord{ID: uuid.New(), FirstName: "Mariam", Version: 3}
	remoteCopy := &sync.PatientRecord{ID: patient.ID, FirstName: "Maryam", Version: 3}
	stub.handle("/patients/"+patient.ID.String()+"/sync", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{"remote_patient": remoteCopy})
	})
	c := newTestClient(t, stub)

	_, err := c.SyncPatient(context.Background(), patient)
	var ce *sync.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if ce.Entity.Type != sync.EntityPatient || ce.Entity.ID != patient.ID {
		t.Errorf("entity = %+v", ce.Entity)
	}
	if ce.RemotePatient == nil || ce.RemotePatient.FirstName != "Maryam" {
		t.Errorf("remote copy = %+v, want the registry version", ce.RemotePatient)
	}
}

func TestSyncPatient_ExpiredSessionIsUnauthorized(t *testing.T) {
	stub := newRegistryStub()
	patient := &sync.PatientRecord{ID: uuid.New(), Version: 1}
	stub.handle("/patients/"+patient.ID.String()+"/sync", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newTestClient(t, stub)

	_, err := c.SyncPatient(context.Background(), patient)
	if !errors.Is(err, sync.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestCreateMedicalRecord(t *testing.T) {
	stub := newRegistryStub()
	entry := &sync.MedicalRecordEntry{ID: uuid.New(), Title: "CBC panel", Version: 1}
	stub.handle("/records", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var got sync.MedicalRecordEntry
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode push body: %v", err)
		}
		got.Version = 2
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(got)
	})
	c := newTestClient(t, stub)

	accepted, err := c.CreateMedicalRecord(context.Background(), entry)
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if accepted.Version != 2 || accepted.Title != "CBC panel" {
		t.Errorf("accepted = %+v", accepted)
	}
}

func TestGetPatientByIdentifier_NotFoundIsNil(t *testing.T) {
	stub := newRegistryStub()
	stub.handle("/patients/identifier/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(t, stub)

	p, err := c.GetPatientByIdentifier(context.Background(), "784-1990-0000000-0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Errorf("patient = %+v, want nil for an unknown identifier", p)
	}
}

func TestSearchPatients(t *testing.T) {
	stub := newRegistryStub()
	stub.handle("/patients", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("city") != "Abu Dhabi" {
			t.Errorf("query = %v, want the criteria forwarded", r.URL.Query())
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]*sync.PatientRecord{
			{ID: uuid.New(), FirstName: "Mariam"},
		})
	})
	c := newTestClient(t, stub)

	patients, err := c.SearchPatients(context.Background(), map[string]string{"city": "Abu Dhabi"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(patients) != 1 {
		t.Errorf("patients = %d, want 1", len(patients))
	}
}

func TestResolveConflict(t *testing.T) {
	stub := newRegistryStub()
	conflictID := uuid.New()
	var gotResolution string
	stub.handle("/conflicts/"+conflictID.String()+"/resolve", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		gotResolution = body["resolution"]
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(t, stub)

	if err := c.ResolveConflict(context.Background(), conflictID, sync.ResolveMerge); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if gotResolution != "merge" {
		t.Errorf("resolution = %q, want merge", gotResolution)
	}
}

func TestGetSyncStatus_ServerErrorSurfaces(t *testing.T) {
	stub := newRegistryStub()
	stub.handle("/sync/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestClient(t, stub)

	_, err := c.GetSyncStatus(context.Background())
	if err == nil {
		t.Fatal("expected an error for a 502 response")
	}
}
