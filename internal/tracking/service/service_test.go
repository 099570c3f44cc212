package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"dtesync/internal/authority"
	"dtesync/internal/dte/models"
	"dtesync/internal/dte/ports/mocks"
	"dtesync/internal/events"
	"dtesync/internal/platform/kvstore"
	"dtesync/internal/tracking/store"
	id "dtesync/pkg/domain"
	dErrors "dtesync/pkg/domain-errors"
	"dtesync/pkg/testutil"
)

type recorder struct {
	events.NopObserver
	mu       sync.Mutex
	updates  []events.StatusUpdate
	errs     []events.StatusError
	timeouts []events.TrackingTimeout
	failed   []events.TrackingFailed
	stopped  []events.AllTrackingStopped
	timedAt  time.Time
}

func (r *recorder) OnStatusUpdate(_ context.Context, e events.StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, e)
}

func (r *recorder) OnStatusError(_ context.Context, e events.StatusError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, e)
}

func (r *recorder) OnTrackingTimeout(_ context.Context, e events.TrackingTimeout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts = append(r.timeouts, e)
	r.timedAt = time.Now()
}

func (r *recorder) OnTrackingFailed(_ context.Context, e events.TrackingFailed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, e)
}

func (r *recorder) OnAllTrackingStopped(_ context.Context, e events.AllTrackingStopped) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, e)
}

func (r *recorder) counts() (updates, errs, timeouts, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates), len(r.errs), len(r.timeouts), len(r.failed)
}

type TrackingServiceSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	client  *mocks.MockSubmissionClient
	kv      kvstore.Store
	store   *store.Store
	events  *recorder
	service *Service
}

func TestTrackingServiceSuite(t *testing.T) {
	suite.Run(t, new(TrackingServiceSuite))
}

func (s *TrackingServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.client = mocks.NewMockSubmissionClient(s.ctrl)
	s.kv = kvstore.NewMemory()
	st, err := store.New(s.kv)
	s.Require().NoError(err)
	s.store = st
	s.events = &recorder{}
	svc, err := New(s.client, s.store, s.events)
	s.Require().NoError(err)
	s.service = svc
}

func (s *TrackingServiceSuite) TearDownTest() {
	s.service.StopAllTracking()
	s.ctrl.Finish()
}

func target(docID string) models.TrackingTarget {
	return models.TrackingTarget{
		DocumentID:     id.DocumentID(docID),
		DocumentNumber: "DTE-01-M001P001-" + docID,
		DocumentType:   id.DocumentTypeInvoice,
		GenerationCode: "GC-" + docID,
		Context:        testutil.SubmissionContext(),
	}
}

func fast(maxRetries int) models.TrackingOptions {
	return models.TrackingOptions{
		PollingInterval: 10 * time.Millisecond,
		MaxRetries:      maxRetries,
		Timeout:         5 * time.Second,
		RequestTimeout:  time.Second,
	}
}

func processing() (*models.AuthorityStatus, error) {
	return &models.AuthorityStatus{Status: models.StatusProcessing}, nil
}

// =============================================================================
// Construction and validation
// =============================================================================

func (s *TrackingServiceSuite) TestNew() {
	_, err := New(nil, s.store, nil)
	s.Error(err)
	_, err = New(s.client, nil, nil)
	s.Error(err)

	svc, err := New(s.client, s.store, nil, WithDefaults(models.TrackingOptions{MaxRetries: 3}))
	s.Require().NoError(err)
	d := svc.Defaults()
	s.Equal(3, d.MaxRetries)
	s.Equal(models.DefaultPollingInterval, d.PollingInterval)
	s.Equal(models.DefaultTrackingTimeout, d.Timeout)
}

func (s *TrackingServiceSuite) TestStartTrackingRejectsIncompleteTarget() {
	err := s.service.StartTracking(context.Background(), models.TrackingTarget{DocumentID: "A"})
	s.Equal(dErrors.CodeInvalidInput, dErrors.CodeOf(err))

	err = s.service.StartTracking(context.Background(), models.TrackingTarget{GenerationCode: "GC"})
	s.Equal(dErrors.CodeInvalidInput, dErrors.CodeOf(err))
	s.Empty(s.service.TrackedDocumentIDs())
}

// =============================================================================
// Polling outcomes
// =============================================================================

func (s *TrackingServiceSuite) TestAcceptedCompletesTracking() {
	t := target("A")
	s.client.EXPECT().GetStatus(gomock.Any(), t).Return(&models.AuthorityStatus{
		Status:        models.StatusAccepted,
		ReceptionSeal: "SEAL-A",
		ControlNumber: "CN-A",
	}, nil).Times(1)

	s.Require().NoError(s.service.StartTracking(context.Background(), t, fast(2)))

	s.Eventually(func() bool {
		u, _, _, _ := s.events.counts()
		return u == 1
	}, time.Second, 5*time.Millisecond)
	s.False(s.service.IsTracking("A"))

	s.events.mu.Lock()
	update := s.events.updates[0]
	s.events.mu.Unlock()
	s.Equal(models.StatusAccepted, update.NewStatus)
	s.Equal("SEAL-A", update.ReceptionSeal)
	s.Equal("GC-A", update.GenerationCode, "falls back to the target generation code")
	s.Equal(t.DocumentNumber, update.DocumentNumber)

	recs, err := s.store.List(context.Background())
	s.Require().NoError(err)
	s.Empty(recs, "terminal entries drop their bookkeeping")
}

func (s *TrackingServiceSuite) TestProcessingKeepsPolling() {
	var (
		mu    sync.Mutex
		calls int
	)
	s.client.EXPECT().GetStatus(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, models.TrackingTarget) (*models.AuthorityStatus, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return processing()
			}
			return &models.AuthorityStatus{Status: models.StatusRejected, Observations: []string{"obs"}}, nil
		}).Times(3)

	s.Require().NoError(s.service.StartTracking(context.Background(), target("A"), fast(2)))

	s.Eventually(func() bool {
		u, _, _, _ := s.events.counts()
		return u == 1
	}, time.Second, 5*time.Millisecond)
	s.events.mu.Lock()
	s.Equal(models.StatusRejected, s.events.updates[0].NewStatus)
	s.Equal([]string{"obs"}, s.events.updates[0].Observations)
	s.events.mu.Unlock()
}

func (s *TrackingServiceSuite) TestRetriesExhaustedFailsTracking() {
	s.client.EXPECT().GetStatus(gomock.Any(), gomock.Any()).
		Return(nil, authority.NewError(authority.CategoryUnavailable, "authority down", nil)).
		Times(3)

	s.Require().NoError(s.service.StartTracking(context.Background(), target("A"), fast(2)))

	s.Eventually(func() bool {
		_, _, _, f := s.events.counts()
		return f == 1
	}, time.Second, 5*time.Millisecond)
	s.False(s.service.IsTracking("A"))

	s.events.mu.Lock()
	defer s.events.mu.Unlock()
	s.Require().Len(s.events.errs, 3)
	s.Equal(1, s.events.errs[0].RetryCount)
	s.Equal(3, s.events.errs[2].RetryCount)
	s.Contains(s.events.failed[0].Reason, "max retries (2)")
}

func (s *TrackingServiceSuite) TestNoRetriesFailsOnFirstError() {
	s.client.EXPECT().GetStatus(gomock.Any(), gomock.Any()).
		Return(nil, authority.NewError(authority.CategoryUnavailable, "authority down", nil)).
		Times(1)

	s.Require().NoError(s.service.StartTracking(context.Background(), target("A"), fast(models.NoRetries)))

	s.Eventually(func() bool {
		_, _, _, f := s.events.counts()
		return f == 1
	}, time.Second, 5*time.Millisecond)
	s.False(s.service.IsTracking("A"))

	s.events.mu.Lock()
	defer s.events.mu.Unlock()
	s.Len(s.events.errs, 1)
	s.Contains(s.events.failed[0].Reason, "max retries (0)")
}

func (s *TrackingServiceSuite) TestTimeoutFiresBeforeNextPoll() {
	s.client.EXPECT().GetStatus(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, models.TrackingTarget) (*models.AuthorityStatus, error) {
			return processing()
		}).AnyTimes()

	opts := models.TrackingOptions{PollingInterval: 10 * time.Second, Timeout: 50 * time.Millisecond}
	started := time.Now()
	s.Require().NoError(s.service.StartTracking(context.Background(), target("A"), opts))

	s.Eventually(func() bool {
		_, _, to, _ := s.events.counts()
		return to == 1
	}, time.Second, 5*time.Millisecond)
	s.events.mu.Lock()
	firedAt := s.events.timedAt
	s.events.mu.Unlock()
	s.GreaterOrEqual(firedAt.Sub(started), 50*time.Millisecond)
	s.False(s.service.IsTracking("A"))
}

func (s *TrackingServiceSuite) TestLateResponseAfterStopIsDiscarded() {
	release := make(chan struct{})
	entered := make(chan struct{})
	s.client.EXPECT().GetStatus(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, models.TrackingTarget) (*models.AuthorityStatus, error) {
			close(entered)
			<-release
			return &models.AuthorityStatus{Status: models.StatusAccepted}, nil
		}).Times(1)

	s.Require().NoError(s.service.StartTracking(context.Background(), target("A"), fast(2)))
	<-entered
	s.True(s.service.StopTracking("A"))
	close(release)

	s.Never(func() bool {
		u, e, _, _ := s.events.counts()
		return u+e > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
	s.False(s.service.StopTracking("A"), "second stop is a no-op")
}

func (s *TrackingServiceSuite) TestLateErrorAfterStopIsDiscarded() {
	release := make(chan struct{})
	entered := make(chan struct{})
	s.client.EXPECT().GetStatus(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ models.TrackingTarget) (*models.AuthorityStatus, error) {
			close(entered)
			<-release
			return nil, errors.New("connection reset")
		}).Times(1)

	s.Require().NoError(s.service.StartTracking(context.Background(), target("A"), fast(2)))
	<-entered
	s.True(s.service.StopTracking("A"))
	close(release)

	s.Never(func() bool {
		_, e, _, _ := s.events.counts()
		return e > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

// blockingBookkeeping holds the first Delete until release is closed.
type blockingBookkeeping struct {
	*store.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBookkeeping) Delete(ctx context.Context, docID id.DocumentID) error {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.Store.Delete(ctx, docID)
}

func (s *TrackingServiceSuite) TestStopWaitsForFinishingEntry() {
	bk := &blockingBookkeeping{Store: s.store, entered: make(chan struct{}), release: make(chan struct{})}
	svc, err := New(s.client, bk, s.events)
	s.Require().NoError(err)
	s.client.EXPECT().GetStatus(gomock.Any(), gomock.Any()).
		Return(&models.AuthorityStatus{Status: models.StatusAccepted}, nil).Times(1)

	s.Require().NoError(svc.StartTracking(context.Background(), target("R"), fast(2)))
	<-bk.entered

	returned := make(chan bool, 1)
	go func() { returned <- svc.StopTracking("R") }()
	s.Never(func() bool { return len(returned) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"stop waits while the terminal event is pending")

	close(bk.release)
	select {
	case stopped := <-returned:
		s.False(stopped, "the entry had already finished")
	case <-time.After(time.Second):
		s.FailNow("StopTracking did not return")
	}

	u, e, _, _ := s.events.counts()
	s.Equal(1, u, "terminal event lands before stop returns")
	s.Zero(e)
	s.Never(func() bool {
		u, _, _, _ := s.events.counts()
		return u > 1
	}, 50*time.Millisecond, 5*time.Millisecond)
}

// =============================================================================
// Entry management
// =============================================================================

func (s *TrackingServiceSuite) TestRestartReplacesEntry() {
	s.client.EXPECT().GetStatus(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, models.TrackingTarget) (*models.AuthorityStatus, error) {
			return processing()
		}).AnyTimes()

	ctx := context.Background()
	s.Require().NoError(s.service.StartTracking(ctx, target("A"), models.TrackingOptions{PollingInterval: time.Hour, MaxRetries: 1}))
	s.Require().NoError(s.service.StartTracking(ctx, target("A"), models.TrackingOptions{PollingInterval: time.Hour, MaxRetries: 7}))

	s.Equal([]id.DocumentID{"A"}, s.service.TrackedDocumentIDs())
	entry, ok := s.service.Entry("A")
	s.Require().True(ok)
	s.Equal(7, entry.Options.MaxRetries)
	s.Equal(models.TrackingPolling, entry.State)

	recs, err := s.store.List(ctx)
	s.Require().NoError(err)
	s.Require().Len(recs, 1)
	s.Equal(7, recs[0].Options.MaxRetries)
}

func (s *TrackingServiceSuite) TestStopAllTracking() {
	s.client.EXPECT().GetStatus(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, models.TrackingTarget) (*models.AuthorityStatus, error) {
			return processing()
		}).AnyTimes()

	ctx := context.Background()
	opts := models.TrackingOptions{PollingInterval: time.Hour}
	s.Require().NoError(s.service.StartTracking(ctx, target("A"), opts))
	s.Require().NoError(s.service.StartTracking(ctx, target("B"), opts))

	s.Equal(2, s.service.StopAllTracking())
	s.Empty(s.service.TrackedDocumentIDs())

	s.events.mu.Lock()
	s.Require().Len(s.events.stopped, 1)
	s.Equal(2, s.events.stopped[0].Count)
	s.events.mu.Unlock()

	recs, err := s.store.List(ctx)
	s.Require().NoError(err)
	s.Len(recs, 2, "bookkeeping survives a full stop")
}

func (s *TrackingServiceSuite) TestStopTrackingDropsBookkeeping() {
	s.client.EXPECT().GetStatus(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, models.TrackingTarget) (*models.AuthorityStatus, error) {
			return processing()
		}).AnyTimes()

	ctx := context.Background()
	s.Require().NoError(s.service.StartTracking(ctx, target("A"), models.TrackingOptions{PollingInterval: time.Hour}))
	s.True(s.service.StopTracking("A"))

	recs, err := s.store.List(ctx)
	s.Require().NoError(err)
	s.Empty(recs)
}

func (s *TrackingServiceSuite) TestResume() {
	ctx := context.Background()
	s.Require().NoError(s.store.Save(ctx, store.Record{Target: target("A"), Options: fast(2), StartedAt: time.Now().Add(-time.Hour)}))
	s.Require().NoError(s.store.Save(ctx, store.Record{Target: target("B"), Options: fast(2), StartedAt: time.Now()}))

	s.client.EXPECT().GetStatus(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, models.TrackingTarget) (*models.AuthorityStatus, error) {
			return processing()
		}).AnyTimes()

	n, err := s.service.Resume(ctx)
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Equal([]id.DocumentID{"A", "B"}, s.service.TrackedDocumentIDs())

	entry, ok := s.service.Entry("A")
	s.Require().True(ok)
	s.WithinDuration(time.Now(), entry.StartedAt, time.Minute, "resumed entries start fresh")
}

func (s *TrackingServiceSuite) TestStartBatchTracking() {
	s.client.EXPECT().GetStatus(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, models.TrackingTarget) (*models.AuthorityStatus, error) {
			return processing()
		}).AnyTimes()

	targets := []models.TrackingTarget{target("A"), target("B"), {DocumentID: "C"}}
	n, err := s.service.StartBatchTracking(context.Background(), targets, models.TrackingOptions{PollingInterval: time.Hour})
	s.Error(err)
	s.Equal(2, n)
	s.Equal([]id.DocumentID{"A", "B"}, s.service.TrackedDocumentIDs())
}

func (s *TrackingServiceSuite) TestCheckNow() {
	s.Run("untracked document", func() {
		_, err := s.service.CheckNow(context.Background(), "missing")
		s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))
	})

	s.Run("skipped while a poll is outstanding", func() {
		release := make(chan struct{})
		entered := make(chan struct{})
		var once sync.Once
		s.client.EXPECT().GetStatus(gomock.Any(), gomock.Any()).DoAndReturn(
			func(context.Context, models.TrackingTarget) (*models.AuthorityStatus, error) {
				once.Do(func() { close(entered) })
				<-release
				return processing()
			}).AnyTimes()

		s.Require().NoError(s.service.StartTracking(context.Background(), target("A"), models.TrackingOptions{PollingInterval: time.Hour}))
		<-entered
		ran, err := s.service.CheckNow(context.Background(), "A")
		s.NoError(err)
		s.False(ran)
		close(release)

		s.Eventually(func() bool {
			ran, err := s.service.CheckNow(context.Background(), "A")
			return err == nil && ran
		}, time.Second, 10*time.Millisecond)
	})
}

func (s *TrackingServiceSuite) TestEntryRecordsLastError() {
	s.client.EXPECT().GetStatus(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("dial tcp: refused")).AnyTimes()

	s.Require().NoError(s.service.StartTracking(context.Background(), target("A"), models.TrackingOptions{PollingInterval: time.Hour, MaxRetries: 5}))

	s.Eventually(func() bool {
		e, ok := s.service.Entry("A")
		return ok && e.RetryCount == 1
	}, time.Second, 5*time.Millisecond)
	e, _ := s.service.Entry("A")
	s.Contains(e.LastError, "refused")
	s.Equal(models.TrackingPolling, e.State)
}
