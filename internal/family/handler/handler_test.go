package handler

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Processor,Runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"pfexchange/internal/family/handler/mocks"
	"pfexchange/internal/family/models"
	"pfexchange/internal/family/runner"
	"pfexchange/internal/platform/metrics"
	"pfexchange/pkg/testutil"
)

type HandlerSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	proc    *mocks.MockProcessor
	run     *mocks.MockRunner
	logger  *slog.Logger
	router  *chi.Mux
	metrics *metrics.Metrics
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.proc = mocks.NewMockProcessor(s.ctrl)
	s.run = mocks.NewMockRunner(s.ctrl)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.router = s.newRouter()
}

func (s *HandlerSuite) newRouter(opts ...Option) *chi.Mux {
	base := []Option{WithLogger(s.logger), WithMetrics(s.metrics)}
	h, err := New(s.proc, s.run, append(base, opts...)...)
	s.Require().NoError(err)
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (s *HandlerSuite) do(router http.Handler, method, path string, headers ...string) *httptest.ResponseRecorder {
	return testutil.Serve(router, method, BasePath+path, headers...)
}

var summary = map[models.Status]int64{
	models.StatusReady:     10,
	models.StatusCompleted: 5,
}

// =============================================================================
// Construction
// =============================================================================

func (s *HandlerSuite) TestNew() {
	s.Run("nil processor returns error", func() {
		_, err := New(nil, s.run)
		s.ErrorContains(err, "processor is required")
	})

	s.Run("nil runner returns error", func() {
		_, err := New(s.proc, nil)
		s.ErrorContains(err, "runner is required")
	})
}

// =============================================================================
// Process one batch
// =============================================================================

func (s *HandlerSuite) TestProcessOneBatch() {
	s.Run("success", func() {
		s.proc.EXPECT().ProcessOneBatch(gomock.Any()).Return(models.BatchResult{
			Success: true,
			Message: "processed 5 records",
		})
		s.proc.EXPECT().PendingCount(gomock.Any()).Return(int64(10), nil)
		s.proc.EXPECT().StatusSummary(gomock.Any()).Return(summary, nil)

		rec := s.do(s.router, http.MethodPost, "/process-one-batch")

		s.Equal(http.StatusOK, rec.Code)
		resp := testutil.UnmarshalResponse[BatchResponse](s.T(), rec)
		s.Equal(StatusCompleted, resp.Status)
		s.Equal("Batch completed: processed 5 records", resp.Message)
		s.Equal(int64(10), resp.PendingCount)
		s.Equal(summary, resp.StatusSummary)
	})

	s.Run("failure", func() {
		s.proc.EXPECT().ProcessOneBatch(gomock.Any()).Return(models.FailedBatch("another batch is in progress"))
		s.proc.EXPECT().PendingCount(gomock.Any()).Return(int64(10), nil)
		s.proc.EXPECT().StatusSummary(gomock.Any()).Return(summary, nil)

		rec := s.do(s.router, http.MethodPost, "/process-one-batch")

		s.Equal(http.StatusOK, rec.Code)
		resp := testutil.UnmarshalResponse[BatchResponse](s.T(), rec)
		s.Equal(StatusFailed, resp.Status)
		s.Equal("Batch failed: another batch is in progress", resp.Message)
	})

	s.Run("batch context is not cancelled with the request", func() {
		s.proc.EXPECT().ProcessOneBatch(gomock.Any()).DoAndReturn(func(ctx context.Context) models.BatchResult {
			s.Nil(ctx.Done())
			return models.NoRecordsResult()
		})
		s.proc.EXPECT().PendingCount(gomock.Any()).Return(int64(0), nil)
		s.proc.EXPECT().StatusSummary(gomock.Any()).Return(nil, nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		req := httptest.NewRequest(http.MethodPost, BasePath+"/process-one-batch", nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)

		s.Equal(http.StatusOK, rec.Code)
	})

	s.Run("queue state error maps to 500", func() {
		s.proc.EXPECT().ProcessOneBatch(gomock.Any()).Return(models.NoRecordsResult())
		s.proc.EXPECT().PendingCount(gomock.Any()).Return(int64(0), errors.New("connection refused"))

		rec := s.do(s.router, http.MethodPost, "/process-one-batch")

		s.NotContains(rec.Body.String(), "connection refused")
		testutil.AssertStatusAndError(s.T(), rec, http.StatusInternalServerError, "internal_error")
	})
}

// =============================================================================
// Continuous processing
// =============================================================================

func (s *HandlerSuite) TestStartContinuous() {
	s.Run("started", func() {
		s.run.EXPECT().Start(gomock.Any()).Return(true)
		s.proc.EXPECT().PendingCount(gomock.Any()).Return(int64(300), nil)

		rec := s.do(s.router, http.MethodPost, "/start-continuous")

		resp := testutil.UnmarshalResponse[BatchResponse](s.T(), rec)
		s.Equal(StatusStarted, resp.Status)
		s.Equal(int64(300), resp.PendingCount)
		s.Nil(resp.StatusSummary)
	})

	s.Run("already running", func() {
		s.run.EXPECT().Start(gomock.Any()).Return(false)
		s.proc.EXPECT().PendingCount(gomock.Any()).Return(int64(300), nil)

		rec := s.do(s.router, http.MethodPost, "/start-continuous")

		resp := testutil.UnmarshalResponse[BatchResponse](s.T(), rec)
		s.Equal(StatusAlreadyRunning, resp.Status)
		s.Equal("Continuous processing is already in progress", resp.Message)
	})
}

func (s *HandlerSuite) TestStop() {
	s.Run("stops running processing", func() {
		s.run.EXPECT().Stop().Return(true)
		s.proc.EXPECT().PendingCount(gomock.Any()).Return(int64(7), nil)

		rec := s.do(s.router, http.MethodPost, "/stop")

		resp := testutil.UnmarshalResponse[BatchResponse](s.T(), rec)
		s.Equal(StatusStopped, resp.Status)
		s.Equal(int64(7), resp.PendingCount)
	})

	s.Run("nothing to stop", func() {
		s.run.EXPECT().Stop().Return(false)
		s.proc.EXPECT().PendingCount(gomock.Any()).Return(int64(7), nil)

		rec := s.do(s.router, http.MethodPost, "/stop")

		resp := testutil.UnmarshalResponse[BatchResponse](s.T(), rec)
		s.Equal(StatusIdle, resp.Status)
		s.Equal("No active continuous processing to stop", resp.Message)
	})
}

func (s *HandlerSuite) TestStatus() {
	tests := []struct {
		name    string
		state   models.RunState
		status  string
		message string
	}{
		{"running", models.RunStateRunning, StatusProcessing, "Continuous processing is running"},
		{"idle", models.RunStateIdle, StatusIdle, "No processing running"},
		{"crashed", models.RunStateStoppedUnexpectedly, StatusIdle, "Processing stopped unexpectedly"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.run.EXPECT().Status(gomock.Any()).Return(runner.Status{
				State:         tt.state,
				PendingCount:  10,
				StatusSummary: summary,
			}, nil)

			rec := s.do(s.router, http.MethodGet, "/status")

			s.Equal(http.StatusOK, rec.Code)
			resp := testutil.UnmarshalResponse[BatchResponse](s.T(), rec)
			s.Equal(tt.status, resp.Status)
			s.Equal(tt.message, resp.Message)
			s.Equal(int64(10), resp.PendingCount)
			s.Equal(summary, resp.StatusSummary)
		})
	}

	s.Run("store error maps to 500", func() {
		s.run.EXPECT().Status(gomock.Any()).Return(runner.Status{}, errors.New("timeout"))

		rec := s.do(s.router, http.MethodGet, "/status")

		s.Equal(http.StatusInternalServerError, rec.Code)
	})
}

// =============================================================================
// Queue views
// =============================================================================

func (s *HandlerSuite) TestProgress() {
	router := s.newRouter(WithScheduledMode(true))
	s.proc.EXPECT().Progress(gomock.Any()).Return(models.NewProgress(summary), nil)

	rec := s.do(router, http.MethodGet, "/progress")

	s.Equal(http.StatusOK, rec.Code)
	resp := testutil.UnmarshalResponse[ProgressResponse](s.T(), rec)
	s.True(resp.ScheduledMode)
	s.Equal(int64(15), resp.Total)
	s.Equal(int64(5), resp.Processed)
	s.Equal(int64(10), resp.Pending)
}

func (s *HandlerSuite) TestRecoverStuck() {
	s.Run("recovered", func() {
		s.proc.EXPECT().RecoverStuck(gomock.Any()).Return(4, nil)

		rec := s.do(s.router, http.MethodPost, "/recover-stuck")

		resp := testutil.UnmarshalResponse[RecoverResponse](s.T(), rec)
		s.Equal(RecoverResponse{Recovered: 4, Message: "Recovered 4 stuck records"}, resp)
	})

	s.Run("none stuck", func() {
		s.proc.EXPECT().RecoverStuck(gomock.Any()).Return(0, nil)

		rec := s.do(s.router, http.MethodPost, "/recover-stuck")

		resp := testutil.UnmarshalResponse[RecoverResponse](s.T(), rec)
		s.Equal("No stuck records found", resp.Message)
	})

	s.Run("error maps to 500", func() {
		s.proc.EXPECT().RecoverStuck(gomock.Any()).Return(0, errors.New("deadlock"))

		rec := s.do(s.router, http.MethodPost, "/recover-stuck")

		s.Equal(http.StatusInternalServerError, rec.Code)
	})
}

func (s *HandlerSuite) TestConfig() {
	s.proc.EXPECT().Snapshot().Return(models.EngineSnapshot{
		BreakerState: "CLOSED",
		CurrentRate:  40,
		MaxRate:      40,
		BatchSize:    1000,
		BatchTimeout: 15 * time.Minute,
	})

	rec := s.do(s.router, http.MethodGet, "/config")

	resp := testutil.UnmarshalResponse[ConfigResponse](s.T(), rec)
	s.False(resp.ScheduledEnabled)
	s.Equal("CLOSED", resp.BreakerState)
	s.Equal(1000, resp.BatchSize)
	s.Equal(15*time.Minute, resp.BatchTimeout)
}

// =============================================================================
// Middleware
// =============================================================================

func (s *HandlerSuite) TestAdminToken() {
	router := s.newRouter(WithAdminToken("s3cret"))

	s.Run("missing token is rejected", func() {
		rec := s.do(router, http.MethodPost, "/stop")
		testutil.AssertStatusAndError(s.T(), rec, http.StatusUnauthorized, "unauthorized")
	})

	s.Run("wrong token is rejected", func() {
		rec := s.do(router, http.MethodPost, "/stop", "X-Admin-Token", "guess")
		testutil.AssertStatusAndError(s.T(), rec, http.StatusUnauthorized, "unauthorized")
	})

	s.Run("valid token is accepted", func() {
		s.run.EXPECT().Stop().Return(false)
		s.proc.EXPECT().PendingCount(gomock.Any()).Return(int64(0), nil)

		rec := s.do(router, http.MethodPost, "/stop", "X-Admin-Token", "s3cret")
		s.Equal(http.StatusOK, rec.Code)
	})
}

func (s *HandlerSuite) TestRequestsAreMeasured() {
	s.proc.EXPECT().Snapshot().Return(models.EngineSnapshot{})

	rec := s.do(s.router, http.MethodGet, "/config", "X-Request-ID", "req-1")

	s.Equal(http.StatusOK, rec.Code)
	s.Equal("req-1", rec.Header().Get("X-Request-ID"))
	s.Equal(1, promtestutil.CollectAndCount(s.metrics.RequestsTotal))
}

func (s *HandlerSuite) TestUnknownMethod() {
	rec := s.do(s.router, http.MethodDelete, "/stop")
	s.Equal(http.StatusMethodNotAllowed, rec.Code)
}
