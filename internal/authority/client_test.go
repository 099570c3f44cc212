package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"dtesync/internal/dte/models"
	id "dtesync/pkg/domain"
)

type ClientSuite struct {
	suite.Suite
	server     *httptest.Server
	mux        *http.ServeMux
	client     *Client
	authCalls  atomic.Int32
	now        time.Time
	tokenValid time.Duration
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.tokenValid = time.Hour
	s.authCalls.Store(0)
	s.mux = http.NewServeMux()
	s.mux.HandleFunc(authPath, func(w http.ResponseWriter, r *http.Request) {
		s.authCalls.Add(1)
		s.Require().NoError(r.ParseForm())
		if r.PostForm.Get("user") != "06141234567890" || r.PostForm.Get("pwd") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "OK",
			"body":   map[string]string{"token": "Bearer " + s.signedToken(s.now.Add(s.tokenValid))},
		})
	})
	s.server = httptest.NewServer(s.mux)

	client, err := New(Config{
		BaseURL:   s.server.URL + "/",
		User:      "06141234567890",
		Password:  "secret",
		Timeout:   2 * time.Second,
		TokenSkew: time.Minute,
	}, WithClock(func() time.Time { return s.now }))
	s.Require().NoError(err)
	s.client = client
}

func (s *ClientSuite) TearDownTest() {
	s.server.Close()
}

func (s *ClientSuite) signedToken(exp time.Time) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "emitter", "exp": exp.Unix()})
	signed, err := tok.SignedString([]byte("authority-key"))
	s.Require().NoError(err)
	return signed
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sampleDocument() (models.Document, models.SubmissionContext) {
	doc := models.Document{
		ID:      "INV-0001",
		Number:  "DTE-01-00000001-000000000000001",
		Type:    id.DocumentTypeInvoice,
		Payload: json.RawMessage(`{"identificacion":{"codigoGeneracion":"A1B2C3","numeroControl":"DTE-01-00000001-000000000000001"}}`),
	}
	sc := models.SubmissionContext{CompanyID: "acme", TaxID: "06141234567890", Environment: id.EnvironmentTest}
	return doc, sc
}

// =============================================================================
// Submit
// =============================================================================

func (s *ClientSuite) TestSubmit() {
	s.Run("processed document returns acceptance", func() {
		s.mux.HandleFunc(receptionPath, func(w http.ResponseWriter, r *http.Request) {
			s.True(len(r.Header.Get("Authorization")) > len("Bearer "))
			var body receptionRequest
			s.Require().NoError(json.NewDecoder(r.Body).Decode(&body))
			s.Equal("00", body.Ambiente)
			s.Equal("01", body.TipoDte)
			s.Equal(1, body.Version)
			s.Equal("A1B2C3", body.CodigoGeneracion)
			s.NotEmpty(body.IDEnvio)

			writeJSON(w, http.StatusOK, map[string]any{
				"estado":           "PROCESADO",
				"codigoGeneracion": "A1B2C3",
				"selloRecibido":    "2026SEAL",
				"fhProcesamiento":  "01/03/2026 10:00:05",
			})
		})

		doc, sc := sampleDocument()
		acc, err := s.client.Submit(context.Background(), doc, sc)
		s.Require().NoError(err)
		s.Equal("A1B2C3", acc.GenerationCode)
		s.Equal("2026SEAL", acc.ReceptionSeal)
		s.Equal(doc.Number, acc.ControlNumber, "falls back to the payload control number")
		s.Equal(time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC), acc.ProcessedAt)
	})
}

func (s *ClientSuite) TestSubmitUnreadableIdentification() {
	var logs bytes.Buffer
	client, err := New(Config{
		BaseURL:  s.server.URL,
		User:     "06141234567890",
		Password: "secret",
		Timeout:  2 * time.Second,
	},
		WithClock(func() time.Time { return s.now }),
		WithLogger(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))),
	)
	s.Require().NoError(err)

	s.mux.HandleFunc(receptionPath, func(w http.ResponseWriter, r *http.Request) {
		var body receptionRequest
		s.Require().NoError(json.NewDecoder(r.Body).Decode(&body))
		s.Empty(body.CodigoGeneracion)
		writeJSON(w, http.StatusOK, map[string]any{
			"estado":           "PROCESADO",
			"codigoGeneracion": "X9",
			"selloRecibido":    "2026SEAL",
		})
	})

	doc, sc := sampleDocument()
	doc.Payload = json.RawMessage(`{"identificacion":"flat"}`)
	acc, err := client.Submit(context.Background(), doc, sc)
	s.Require().NoError(err)
	s.Equal("X9", acc.GenerationCode)
	s.Equal(doc.Number, acc.ControlNumber)
	s.Contains(logs.String(), "payload identification unreadable")
	s.Contains(logs.String(), "document_id=INV-0001")
}

func (s *ClientSuite) TestSubmitRejected() {
	s.mux.HandleFunc(receptionPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"estado":         "RECHAZADO",
			"codigoMsg":      "096",
			"descripcionMsg": "NIT EMISOR NO VALIDO",
			"observaciones":  []string{"campo nit"},
		})
	})

	doc, sc := sampleDocument()
	_, err := s.client.Submit(context.Background(), doc, sc)
	s.Require().Error(err)
	s.True(IsRejection(err))
	s.False(IsRetryable(err))

	var ae *Error
	s.Require().ErrorAs(err, &ae)
	s.Equal([]string{"campo nit"}, ae.Observations)
	s.Contains(ae.Message, "NIT EMISOR NO VALIDO")
}

func (s *ClientSuite) TestSubmitUnavailable() {
	s.mux.HandleFunc(receptionPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	doc, sc := sampleDocument()
	_, err := s.client.Submit(context.Background(), doc, sc)
	s.Equal(CategoryUnavailable, CategoryOf(err))
	s.True(IsRetryable(err))
}

func (s *ClientSuite) TestSubmitTimeout() {
	s.mux.HandleFunc(receptionPath, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	doc, sc := sampleDocument()
	_, err := s.client.Submit(ctx, doc, sc)
	s.Equal(CategoryTimeout, CategoryOf(err))
}

// =============================================================================
// Token handling
// =============================================================================

func (s *ClientSuite) TestTokenCachedUntilExpiry() {
	s.mux.HandleFunc(statusQueryPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"estado": "RECIBIDO", "codigoGeneracion": "A1B2C3"})
	})
	target := models.TrackingTarget{GenerationCode: "A1B2C3", DocumentType: id.DocumentTypeInvoice}

	for range 3 {
		_, err := s.client.GetStatus(context.Background(), target)
		s.Require().NoError(err)
	}
	s.Equal(int32(1), s.authCalls.Load())

	s.now = s.now.Add(59*time.Minute + 30*time.Second)
	_, err := s.client.GetStatus(context.Background(), target)
	s.Require().NoError(err)
	s.Equal(int32(2), s.authCalls.Load(), "refreshes inside the skew window")
}

func (s *ClientSuite) TestUnauthorizedRefreshesOnce() {
	var calls atomic.Int32
	s.mux.HandleFunc(statusQueryPath, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"estado": "PROCESADO", "codigoGeneracion": "A1B2C3"})
	})

	status, err := s.client.GetStatus(context.Background(), models.TrackingTarget{GenerationCode: "A1B2C3"})
	s.Require().NoError(err)
	s.Equal(models.StatusAccepted, status.Status)
	s.Equal(int32(2), s.authCalls.Load())
}

func (s *ClientSuite) TestBadCredentials() {
	client, err := New(Config{BaseURL: s.server.URL, User: "x", Password: "y"})
	s.Require().NoError(err)

	_, err = client.GetStatus(context.Background(), models.TrackingTarget{GenerationCode: "A1B2C3"})
	s.Equal(CategoryUnauthorized, CategoryOf(err))
}

// =============================================================================
// Status queries
// =============================================================================

func (s *ClientSuite) TestGetStatusMapping() {
	var estado atomic.Value
	estado.Store("")
	s.mux.HandleFunc(statusQueryPath, func(w http.ResponseWriter, r *http.Request) {
		var body statusRequest
		s.Require().NoError(json.NewDecoder(r.Body).Decode(&body))
		s.Equal("A1B2C3", body.CodigoGeneracion)
		s.Equal("06141234567890", body.NitEmisor)
		writeJSON(w, http.StatusOK, map[string]any{"estado": estado.Load(), "codigoGeneracion": "A1B2C3", "descripcionMsg": "ok"})
	})
	target := models.TrackingTarget{
		GenerationCode: "A1B2C3",
		DocumentType:   id.DocumentTypeInvoice,
		Context:        models.SubmissionContext{TaxID: "06141234567890"},
	}

	cases := map[string]models.AuthorityStatusCode{
		"RECIBIDO":  models.StatusProcessing,
		"PROCESADO": models.StatusAccepted,
		"RECHAZADO": models.StatusRejected,
	}
	for in, want := range cases {
		s.Run(in, func() {
			estado.Store(in)
			status, err := s.client.GetStatus(context.Background(), target)
			s.Require().NoError(err)
			s.Equal(want, status.Status)
		})
	}

	s.Run("unknown state is a bad response", func() {
		estado.Store("ANULADO")
		_, err := s.client.GetStatus(context.Background(), target)
		s.Equal(CategoryBadResponse, CategoryOf(err))
	})
}

// =============================================================================
// Health
// =============================================================================

func (s *ClientSuite) TestHealthCheck() {
	var healthy atomic.Bool
	healthy.Store(true)
	s.mux.HandleFunc(healthPath, func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})

	s.True(s.client.HealthCheck(context.Background()))
	healthy.Store(false)
	s.False(s.client.HealthCheck(context.Background()))
}

func TestHealthCheckUnreachable(t *testing.T) {
	client, err := New(Config{BaseURL: "http://127.0.0.1:1", HealthTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, client.HealthCheck(context.Background()))
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(defaultTokenTTL), tokenExpiry("not-a-jwt", now))

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": now.Add(2 * time.Hour).Unix()})
	signed, err := tok.SignedString([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, now.Add(2*time.Hour), tokenExpiry("Bearer "+signed, now).UTC())
	assert.Equal(t, "Bearer abc", bearer("abc"))
	assert.Equal(t, "Bearer abc", bearer("Bearer abc"))
}
