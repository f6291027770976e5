// Package remote implements the HTTP adapter against the remote EMR registry.
package remote

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinops/clinops/internal/sync"
)

// tokenSkew is how early a session token is considered expired, to avoid
// racing the registry's own clock.
const tokenSkew = 30 * time.Second

// Config holds the registry connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the remote registry over HTTP. It maintains a bearer-token
// session, re-authenticating when the token is missing or about to expire.
type Client struct {
	http   *resty.Client
	apiKey string
	logger zerolog.Logger

	mu     stdsync.Mutex
	token  string
	expiry time.Time
}

var _ sync.RemoteClient = (*Client)(nil)

// NewClient creates a registry client. Timeout applies per call; a timed-out
// call surfaces as a plain transport error.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: httpc, apiKey: cfg.APIKey, logger: logger}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Authenticate exchanges the API key for a session token. The token's expiry
// claim is read without signature verification; the registry remains the
// authority on validity.
func (c *Client) Authenticate(ctx context.Context) error {
	var tok tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"api_key": c.apiKey}).
		SetResult(&tok).
		Post("/auth/token")
	if err != nil {
		return fmt.Errorf("registry: authenticate: %w", err)
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return fmt.Errorf("%w: authentication rejected", sync.ErrUnauthorized)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("registry: authenticate: unexpected status %d", resp.StatusCode())
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("registry: authenticate: empty token")
	}

	expiry := time.Now().Add(5 * time.Minute)
	if parsed, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, jwt.MapClaims{}); err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			expiry = exp.Time
		}
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	c.expiry = expiry
	c.mu.Unlock()
	c.logger.Debug().Time("expiry", expiry).Msg("registry session established")
	return nil
}

// bearer returns a valid session token, authenticating first when needed.
func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, expiry := c.token, c.expiry
	c.mu.Unlock()
	if token != "" && time.Until(expiry) > tokenSkew {
		return token, nil
	}
	if err := c.Authenticate(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	token = c.token
	c.mu.Unlock()
	return token, nil
}

// conflictBody is the registry's 409 payload carrying its copy of the entity.
type conflictBody struct {
	RemotePatient *sync.PatientRecord      `json:"remote_patient,omitempty"`
	RemoteRecord  *sync.MedicalRecordEntry `json:"remote_record,omitempty"`
}

// checkStatus maps a non-success response to the engine's error taxonomy.
func checkStatus(resp *resty.Response, entity sync.EntityRef, conflict *conflictBody) error {
	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() == 401 || resp.StatusCode() == 403:
		return sync.ErrUnauthorized
	case resp.StatusCode() == 409 && conflict != nil:
		return &sync.ConflictError{
			Entity:        entity,
			RemotePatient: conflict.RemotePatient,
			RemoteRecord:  conflict.RemoteRecord,
		}
	default:
		return fmt.Errorf("registry: %s %s returned %d", resp.Request.Method, resp.Request.URL, resp.StatusCode())
	}
}

// SearchPatients queries the registry patient index.
func (c *Client) SearchPatients(ctx context.Context, criteria map[string]string) ([]*sync.PatientRecord, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	var out []*sync.PatientRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParams(criteria).
		SetResult(&out).
		Get("/patients")
	if err != nil {
		return nil, fmt.Errorf("registry: search patients: %w", err)
	}
	if err := checkStatus(resp, sync.EntityRef{}, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPatientByIdentifier fetches one patient by Emirates ID.
func (c *Client) GetPatientByIdentifier(ctx context.Context, emiratesID string) (*sync.PatientRecord, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	var out sync.PatientRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		Get("/patients/identifier/" + emiratesID)
	if err != nil {
		return nil, fmt.Errorf("registry: get patient: %w", err)
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if err := checkStatus(resp, sync.EntityRef{}, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMedicalRecords lists a patient's records on the registry side.
func (c *Client) GetMedicalRecords(ctx context.Context, patientID uuid.UUID, criteria map[string]string) ([]*sync.MedicalRecordEntry, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	var out []*sync.MedicalRecordEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParams(criteria).
		SetResult(&out).
		Get("/patients/" + patientID.String() + "/records")
	if err != nil {
		return nil, fmt.Errorf("registry: get medical records: %w", err)
	}
	if err := checkStatus(resp, sync.EntityRef{}, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// SyncPatient pushes one patient. A 409 maps to a ConflictError carrying the
// registry's copy.
func (c *Client) SyncPatient(ctx context.Context, patient *sync.PatientRecord) (*sync.PatientRecord, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	var out sync.PatientRecord
	var conflict conflictBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(patient).
		SetResult(&out).
		SetError(&conflict).
		Put("/patients/" + patient.ID.String() + "/sync")
	if err != nil {
		return nil, fmt.Errorf("registry: sync patient: %w", err)
	}
	entity := sync.EntityRef{Type: sync.EntityPatient, ID: patient.ID}
	if err := checkStatus(resp, entity, &conflict); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateMedicalRecord pushes one medical record entry.
func (c *Client) CreateMedicalRecord(ctx context.Context, record *sync.MedicalRecordEntry) (*sync.MedicalRecordEntry, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	var out sync.MedicalRecordEntry
	var conflict conflictBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(record).
		SetResult(&out).
		SetError(&conflict).
		Post("/records")
	if err != nil {
		return nil, fmt.Errorf("registry: create medical record: %w", err)
	}
	entity := sync.EntityRef{Type: sync.EntityRecord, ID: record.ID}
	if err := checkStatus(resp, entity, &conflict); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveConflict acknowledges a resolution on the registry side.
func (c *Client) ResolveConflict(ctx context.Context, conflictID uuid.UUID, resolution sync.ConflictResolution) error {
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]string{"resolution": string(resolution)}).
		Post("/conflicts/" + conflictID.String() + "/resolve")
	if err != nil {
		return fmt.Errorf("registry: resolve conflict: %w", err)
	}
	return checkStatus(resp, sync.EntityRef{}, nil)
}

// GetSyncStatus reads the registry-side sync status; also used as the health
// monitor's probe.
func (c *Client) GetSyncStatus(ctx context.Context) (*sync.RegistryStatus, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	var out sync.RegistryStatus
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		Get("/sync/status")
	if err != nil {
		return nil, fmt.Errorf("registry: sync status: %w", err)
	}
	if err := checkStatus(resp, sync.EntityRef{}, nil); err != nil {
		return nil, err
	}
	return &out, nil
}
