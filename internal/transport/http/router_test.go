package httptransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"dtesync/internal/authority"
	cservice "dtesync/internal/contingency/service"
	cstore "dtesync/internal/contingency/store"
	"dtesync/internal/coordinator"
	"dtesync/internal/dte/models"
	"dtesync/internal/dte/ports/mocks"
	"dtesync/internal/invoice"
	"dtesync/internal/platform/kvstore"
	tservice "dtesync/internal/tracking/service"
	tstore "dtesync/internal/tracking/store"
	id "dtesync/pkg/domain"
	"dtesync/pkg/testutil"
)

const adminToken = "ops-secret"

type RouterSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	client   *mocks.MockSubmissionClient
	queue    *cservice.Service
	tracker  *tservice.Service
	invoices *invoice.Service
	router   http.Handler
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.client = mocks.NewMockSubmissionClient(s.ctrl)
	kv := kvstore.NewMemory()

	outbox, err := cstore.New(kv)
	s.Require().NoError(err)
	s.queue, err = cservice.New(s.client, outbox, cservice.Config{SweepInterval: time.Hour})
	s.Require().NoError(err)

	bookkeeping, err := tstore.New(kv)
	s.Require().NoError(err)
	s.invoices, err = invoice.New(kv)
	s.Require().NoError(err)
	s.tracker, err = tservice.New(s.client, bookkeeping, s.invoices,
		tservice.WithDefaults(models.TrackingOptions{PollingInterval: time.Hour}))
	s.Require().NoError(err)

	coord, err := coordinator.New(s.client, s.queue, s.tracker, s.invoices)
	s.Require().NoError(err)

	h, err := New(coord, s.invoices, s.queue, s.tracker,
		WithAdminToken(adminToken),
		WithHealthChecker(s.client),
		WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		})),
	)
	s.Require().NoError(err)
	s.router = NewRouter(h)

	s.client.EXPECT().GetStatus(gomock.Any(), gomock.Any()).
		Return(&models.AuthorityStatus{Status: models.StatusProcessing}, nil).AnyTimes()
}

func (s *RouterSuite) TearDownTest() {
	s.tracker.StopAllTracking()
	s.queue.StopAutoSubmission()
	s.ctrl.Finish()
}

func (s *RouterSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	return testutil.Serve(s.router, testutil.JSONRequest(s.T(), method, path, body, adminToken))
}

func (s *RouterSuite) healthy(ok bool) {
	s.client.EXPECT().HealthCheck(gomock.Any()).Return(ok).AnyTimes()
}

func (s *RouterSuite) queueDocument(docID string) id.RequestID {
	res, err := s.queue.CreateContingencyRequest(context.Background(),
		testutil.Document(docID), testutil.SubmissionContext(), models.ReasonNetworkFailure)
	s.Require().NoError(err)
	return res.Request.ID
}

func (s *RouterSuite) TestNew() {
	_, err := New(nil, s.invoices, s.queue, s.tracker)
	s.Error(err)
	_, err = New(&coordinator.Coordinator{}, nil, s.queue, s.tracker)
	s.Error(err)
	_, err = New(&coordinator.Coordinator{}, s.invoices, nil, s.tracker)
	s.Error(err)
	_, err = New(&coordinator.Coordinator{}, s.invoices, s.queue, nil)
	s.Error(err)
}

// =============================================================================
// Service endpoints
// =============================================================================

func (s *RouterSuite) TestHealthzAndMetrics() {
	res := s.do(http.MethodGet, "/healthz", nil)
	s.Equal(http.StatusOK, res.Code)

	res = s.do(http.MethodGet, "/metrics", nil)
	s.Equal(http.StatusOK, res.Code)
	s.Contains(res.Body.String(), "# metrics")
}

func (s *RouterSuite) TestStatus() {
	s.healthy(false)
	s.queueDocument("S1")

	res := s.do(http.MethodGet, "/status", nil)
	s.Require().Equal(http.StatusOK, res.Code)
	st := testutil.Decode[StatusResponse](s.T(), res)
	s.Require().NotNil(st.AuthorityHealthy)
	s.False(*st.AuthorityHealthy)
	s.Equal(1, st.Queue.Pending)
	s.False(st.AutoSubmission)
}

func (s *RouterSuite) TestMutatingRoutesRequireAdminToken() {
	routes := []struct{ method, path string }{
		{http.MethodPost, "/documents"},
		{http.MethodPost, "/contingency/sweep"},
		{http.MethodPost, "/contingency/cleanup"},
		{http.MethodDelete, "/tracking"},
	}
	for _, rt := range routes {
		s.Run(rt.method+" "+rt.path, func() {
			rr := testutil.Serve(s.router, testutil.JSONRequest(s.T(), rt.method, rt.path, nil, ""))
			testutil.AssertError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
		})
	}

	rr := testutil.Serve(s.router, testutil.JSONRequest(s.T(), http.MethodGet, "/contingency/stats", nil, ""))
	s.Equal(http.StatusOK, rr.Code, "reads stay open")
}

// =============================================================================
// Documents
// =============================================================================

func (s *RouterSuite) TestSubmitDocumentLive() {
	s.healthy(true)
	acc := testutil.Acceptance("A1")
	s.client.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(&acc, nil)

	res := s.do(http.MethodPost, "/documents", SubmitDocumentRequest{
		Document: testutil.Document("A1"),
		Context:  testutil.SubmissionContext(),
	})
	s.Require().Equal(http.StatusOK, res.Code, res.Body.String())
	out := testutil.Decode[coordinator.Outcome](s.T(), res)
	s.Equal(invoice.StatusSubmitting, out.Status)
	s.False(out.Queued)

	res = s.do(http.MethodGet, "/documents/A1", nil)
	s.Require().Equal(http.StatusOK, res.Code)
	rec := testutil.Decode[invoice.Record](s.T(), res)
	s.Equal("GC-A1", rec.GenerationCode)

	res = s.do(http.MethodGet, "/tracking/A1", nil)
	s.Require().Equal(http.StatusOK, res.Code)
	entry := testutil.Decode[models.TrackingEntry](s.T(), res)
	s.Equal(models.TrackingPolling, entry.State)
}

func (s *RouterSuite) TestSubmitDocumentQueuedWhenUnhealthy() {
	s.healthy(false)

	res := s.do(http.MethodPost, "/documents", SubmitDocumentRequest{
		Document: testutil.Document("Q1"),
		Context:  testutil.SubmissionContext(),
	})
	s.Require().Equal(http.StatusAccepted, res.Code, res.Body.String())
	out := testutil.Decode[coordinator.Outcome](s.T(), res)
	s.True(out.Queued)
	s.Equal(models.ReasonAPIUnavailable, out.Reason)

	res = s.do(http.MethodGet, "/documents", nil)
	s.Require().Equal(http.StatusOK, res.Code)
	recs := testutil.Decode[[]invoice.Record](s.T(), res)
	s.Require().Len(recs, 1)
	s.Equal(invoice.StatusContingency, recs[0].Status)
}

func (s *RouterSuite) TestSubmitDocumentBadBody() {
	rr := testutil.Serve(s.router, testutil.JSONRequest(s.T(), http.MethodPost, "/documents",
		map[string]any{"unexpected": true}, adminToken))
	testutil.AssertError(s.T(), rr, http.StatusBadRequest, "bad_request")

	res := s.do(http.MethodPost, "/documents", SubmitDocumentRequest{Document: testutil.Document("A1")})
	s.Equal(http.StatusBadRequest, res.Code)
}

func (s *RouterSuite) TestGetUnknownDocument() {
	rr := testutil.Serve(s.router, testutil.JSONRequest(s.T(), http.MethodGet, "/documents/nope", nil, ""))
	testutil.AssertError(s.T(), rr, http.StatusNotFound, "not_found")
}

// =============================================================================
// Contingency outbox
// =============================================================================

func (s *RouterSuite) TestCreateRequestIsIdempotentPerDocument() {
	body := CreateRequestBody{
		Document: testutil.Document("C1"),
		Context:  testutil.SubmissionContext(),
		Reason:   models.ReasonNetworkFailure,
	}
	res := s.do(http.MethodPost, "/contingency/requests", body)
	s.Require().Equal(http.StatusCreated, res.Code, res.Body.String())
	first := testutil.Decode[cservice.CreateResult](s.T(), res)
	s.True(first.Success)

	res = s.do(http.MethodPost, "/contingency/requests", body)
	s.Require().Equal(http.StatusOK, res.Code)
	second := testutil.Decode[cservice.CreateResult](s.T(), res)
	s.False(second.Success)
	s.Equal(first.Request.ID, second.Request.ID)

	res = s.do(http.MethodGet, "/contingency/requests?state=pending", nil)
	s.Require().Equal(http.StatusOK, res.Code)
	s.Len(testutil.Decode[[]models.ContingencyRequest](s.T(), res), 1)

	res = s.do(http.MethodGet, "/contingency/requests/"+first.Request.ID.String(), nil)
	s.Require().Equal(http.StatusOK, res.Code)
	got := testutil.Decode[models.ContingencyRequest](s.T(), res)
	s.Equal(id.DocumentID("C1"), got.DocumentID())
}

func (s *RouterSuite) TestCreateRequestUnknownReason() {
	res := s.do(http.MethodPost, "/contingency/requests", CreateRequestBody{
		Document: testutil.Document("C1"),
		Context:  testutil.SubmissionContext(),
		Reason:   "coffee_break",
	})
	s.Equal(http.StatusBadRequest, res.Code)
}

func (s *RouterSuite) TestListRequestsRejectsUnknownState() {
	res := s.do(http.MethodGet, "/contingency/requests?state=lost", nil)
	s.Equal(http.StatusBadRequest, res.Code)
}

func (s *RouterSuite) TestSweepSubmitsAndHandsOff() {
	s.queueDocument("W1")
	acc := testutil.Acceptance("W1")
	s.client.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(&acc, nil)

	res := s.do(http.MethodPost, "/contingency/sweep", nil)
	s.Require().Equal(http.StatusOK, res.Code)
	out := testutil.Decode[cservice.SubmitResult](s.T(), res)
	s.Equal(1, out.Submitted)
	s.True(out.Success)
	s.True(s.tracker.IsTracking("W1"))
}

func (s *RouterSuite) TestRetryRequest() {
	reqID := s.queueDocument("R1")
	s.client.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, authority.NewError(authority.CategoryUnavailable, "503", nil))

	res := s.do(http.MethodPost, "/contingency/requests/"+reqID.String()+"/retry", nil)
	s.Require().Equal(http.StatusOK, res.Code)
	out := testutil.Decode[cservice.SubmitResult](s.T(), res)
	s.Equal(1, out.Failed)
	s.Equal(1, out.Results[0].Attempts)

	res = s.do(http.MethodPost, "/contingency/requests/"+id.NewRequestID().String()+"/retry", nil)
	s.Equal(http.StatusNotFound, res.Code)

	res = s.do(http.MethodPost, "/contingency/requests/not-a-uuid/retry", nil)
	s.Equal(http.StatusBadRequest, res.Code)
}

func (s *RouterSuite) TestRemoveRequest() {
	reqID := s.queueDocument("X1")

	res := s.do(http.MethodDelete, "/contingency/requests/"+reqID.String()+"?force=maybe", nil)
	s.Equal(http.StatusBadRequest, res.Code)

	res = s.do(http.MethodDelete, "/contingency/requests/"+reqID.String(), nil)
	s.Equal(http.StatusNoContent, res.Code)

	res = s.do(http.MethodGet, "/contingency/requests/"+reqID.String(), nil)
	s.Equal(http.StatusNotFound, res.Code)
}

func (s *RouterSuite) TestRemoveSubmittedRequestNeedsForce() {
	reqID := s.queueDocument("F1")
	acc := testutil.Acceptance("F1")
	s.client.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return(&acc, nil)
	_, err := s.queue.SubmitPendingRequests(context.Background())
	s.Require().NoError(err)

	res := s.do(http.MethodDelete, "/contingency/requests/"+reqID.String(), nil)
	s.Equal(http.StatusConflict, res.Code)

	res = s.do(http.MethodDelete, "/contingency/requests/"+reqID.String()+"?force=true", nil)
	s.Equal(http.StatusNoContent, res.Code)
}

func (s *RouterSuite) TestCleanup() {
	s.queueDocument("K1")
	res := s.do(http.MethodPost, "/contingency/cleanup", nil)
	s.Require().Equal(http.StatusOK, res.Code)
	s.Equal(map[string]int{"removed": 0}, testutil.Decode[map[string]int](s.T(), res))
}

func (s *RouterSuite) TestAutoSubmissionToggle() {
	res := s.do(http.MethodPost, "/contingency/auto-submission", nil)
	s.Require().Equal(http.StatusOK, res.Code)
	s.Equal(AutoSubmissionResponse{Changed: true, Running: true}, testutil.Decode[AutoSubmissionResponse](s.T(), res))

	res = s.do(http.MethodPost, "/contingency/auto-submission", nil)
	s.Equal(AutoSubmissionResponse{Changed: false, Running: true}, testutil.Decode[AutoSubmissionResponse](s.T(), res))

	res = s.do(http.MethodDelete, "/contingency/auto-submission", nil)
	s.Equal(AutoSubmissionResponse{Changed: true, Running: false}, testutil.Decode[AutoSubmissionResponse](s.T(), res))
}

// =============================================================================
// Tracking
// =============================================================================

func (s *RouterSuite) TestTrackingLifecycle() {
	t := s.T()
	target := models.TrackingTarget{
		DocumentID:     "T1",
		DocumentNumber: "DTE-01-M001P001-T1",
		DocumentType:   id.DocumentTypeInvoice,
		GenerationCode: "GC-T1",
		Context:        testutil.SubmissionContext(),
	}

	testutil.Given(t, "a document started over HTTP", func(t *testing.T) {
		rr := testutil.Serve(s.router, testutil.JSONRequest(t, http.MethodPost, "/tracking",
			StartTrackingRequest{Target: target, PollingInterval: "1h", MaxRetries: 3}, adminToken))
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

		testutil.When(t, "listing tracked documents", func(t *testing.T) {
			rr := testutil.Serve(s.router, testutil.JSONRequest(t, http.MethodGet, "/tracking", nil, ""))
			entries := testutil.Decode[[]models.TrackingEntry](t, rr)
			testutil.Then(t, "the entry carries its options", func(t *testing.T) {
				require.Len(t, entries, 1)
				assert.Equal(t, 3, entries[0].Options.MaxRetries)
				assert.Equal(t, time.Hour, entries[0].Options.PollingInterval)
			})
		})

		testutil.When(t, "checking it now", func(t *testing.T) {
			rr := testutil.Serve(s.router, testutil.JSONRequest(t, http.MethodPost, "/tracking/T1/check", nil, adminToken))
			testutil.Then(t, "the check is answered", func(t *testing.T) {
				assert.Equal(t, http.StatusOK, rr.Code)
				assert.Contains(t, testutil.Decode[map[string]bool](t, rr), "polled")
			})
		})

		testutil.When(t, "stopping it", func(t *testing.T) {
			rr := testutil.Serve(s.router, testutil.JSONRequest(t, http.MethodDelete, "/tracking/T1", nil, adminToken))
			assert.Equal(t, http.StatusNoContent, rr.Code)
			testutil.And(t, "a second stop reports not found", func(t *testing.T) {
				rr := testutil.Serve(s.router, testutil.JSONRequest(t, http.MethodDelete, "/tracking/T1", nil, adminToken))
				testutil.AssertError(t, rr, http.StatusNotFound, "not_found")
			})
		})
	})
}

func (s *RouterSuite) TestStartTrackingRejectsBadOptions() {
	res := s.do(http.MethodPost, "/tracking", StartTrackingRequest{
		Target:  models.TrackingTarget{DocumentID: "T1", GenerationCode: "GC"},
		Timeout: "soon",
	})
	s.Equal(http.StatusBadRequest, res.Code)

	res = s.do(http.MethodPost, "/tracking", StartTrackingRequest{Target: models.TrackingTarget{DocumentID: "T1"}})
	s.Equal(http.StatusBadRequest, res.Code)

	res = s.do(http.MethodPost, "/tracking", StartTrackingRequest{
		Target:     models.TrackingTarget{DocumentID: "T1", GenerationCode: "GC"},
		MaxRetries: -2,
	})
	s.Equal(http.StatusBadRequest, res.Code)
}

func (s *RouterSuite) TestCheckUntrackedDocument() {
	res := s.do(http.MethodPost, "/tracking/ghost/check", nil)
	s.Equal(http.StatusNotFound, res.Code)
	res = s.do(http.MethodGet, "/tracking/ghost", nil)
	s.Equal(http.StatusNotFound, res.Code)
}

func (s *RouterSuite) TestStopAllTracking() {
	for _, docID := range []id.DocumentID{"T1", "T2"} {
		s.Require().NoError(s.tracker.StartTracking(context.Background(), models.TrackingTarget{
			DocumentID: docID, GenerationCode: "GC-" + string(docID), Context: testutil.SubmissionContext(),
		}))
	}
	res := s.do(http.MethodDelete, "/tracking", nil)
	s.Require().Equal(http.StatusOK, res.Code)
	s.Equal(map[string]int{"stopped": 2}, testutil.Decode[map[string]int](s.T(), res))
	s.Empty(s.tracker.TrackedDocumentIDs())
}
