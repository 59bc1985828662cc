package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cpc-service/service"
	"cpc-service/service/accuracy"
	"cpc-service/service/budget"
	"cpc-service/service/config"
	"cpc-service/service/database"
	"cpc-service/service/experiment"
	"cpc-service/service/kill_switch"
	"cpc-service/service/models"
	"cpc-service/service/monitoring"
	"cpc-service/service/platform"
	"cpc-service/service/prediction"
	"cpc-service/service/scheduler"
	"cpc-service/testutil"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/stretchr/testify/suite"
)

// ControllersTestSuite 基于内存SQLite和真实组件的接口测试
type ControllersTestSuite struct {
	suite.Suite
	testDB *testutil.TestDB
	helper *testutil.HTTPTestHelper
	router *chi.Mux
	action *platform.DryRunAction
}

func TestControllersTestSuite(t *testing.T) {
	suite.Run(t, new(ControllersTestSuite))
}

func (s *ControllersTestSuite) SetupTest() {
	ctx := context.Background()
	s.testDB = testutil.NewTestDB()
	s.helper = testutil.NewHTTPTestHelper()
	s.action = platform.NewDryRunAction()

	cfg := config.DefaultControllerConfig()
	cfg.Tenants = []string{"t1"}
	cfg.ThompsonDraws = 2000
	cfg.MinSampleSize = 100
	cfg.Retry.BaseDelay = 0

	db := s.testDB.DB
	policy := platform.NewRetryPolicy(cfg.Retry).WithSleep(func(context.Context, time.Duration) error { return nil })

	service.DB = db
	service.GlobalConfig = cfg
	service.GlobalMetricsSource = database.NewMetricsSource(db)
	service.GlobalEventStore = database.NewEventStore(db)
	service.GlobalWeightStore = database.NewWeightStore(db)
	service.GlobalPredictionEngine = prediction.NewEngine(prediction.EngineOptions{MinFeatureFraction: cfg.MinFeatureFraction})

	authority, err := prediction.NewWeightAuthority(ctx, service.GlobalWeightStore,
		prediction.NewWeightCalibrator(cfg.CalibrationLearningRate, cfg.CalibrationMaxStep, cfg.CalibrationMinSamples))
	s.Require().NoError(err)
	service.GlobalWeightAuthority = authority

	service.GlobalAccuracyTracker = accuracy.NewTracker(database.NewPredictionStore(db), cfg)
	service.GlobalKillEvaluator = kill_switch.NewEvaluator(cfg)
	service.GlobalBudgetOptimizer = budget.NewOptimizer(cfg)
	service.GlobalExperimentManager = experiment.NewManager(cfg, experiment.Options{
		Store:       database.NewExperimentStore(db),
		Action:      s.action,
		RetryPolicy: policy,
		RandFactory: experiment.SeededRandFactory(7, 11),
	})

	controller, err := scheduler.NewController(scheduler.ControllerDeps{
		Config:        cfg,
		Metrics:       service.GlobalMetricsSource,
		Action:        s.action,
		Events:        service.GlobalEventStore,
		KillEvaluator: service.GlobalKillEvaluator,
		KillExecutor:  kill_switch.NewExecutor(s.action, policy, 2),
		Budget:        service.GlobalBudgetOptimizer,
		Experiments:   service.GlobalExperimentManager,
		Tracker:       service.GlobalAccuracyTracker,
		Weights:       service.GlobalWeightAuthority,
		RetryPolicy:   policy,
		Tenants:       service.GlobalMetricsSource,
	})
	s.Require().NoError(err)
	service.GlobalController = controller
	service.GlobalSchedulerService = nil
	service.GlobalMetricsNotifier = nil
	service.GlobalRedisConnector = nil
	service.GlobalKafkaConnector = nil
	service.GlobalMQTTConnector = nil
	service.GlobalHealthChecker = monitoring.NewHealthChecker(db, nil, controller.LastCycleAt, time.Hour)

	s.router = newTestRouter()
}

func (s *ControllersTestSuite) TearDownTest() {
	s.testDB.Close()
}

// newTestRouter 与 api.InitRoute 相同的路由，去掉日志与CORS中间件
func newTestRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(render.SetContentType(render.ContentTypeJSON))

	health := NewHealthController()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	predictions := NewPredictionController()
	r.Route("/predictions", func(r chi.Router) {
		r.Post("/", predictions.CreatePrediction)
		r.Post("/score", predictions.ScoreCreative)
		r.Get("/pending", predictions.ListPending)
		r.Post("/{id}/actual", predictions.LogActual)
	})

	accuracyController := NewAccuracyController()
	r.Get("/accuracy/report", accuracyController.GetReport)
	r.Get("/accuracy/latest/{tenant_id}", accuracyController.GetLatest)

	weights := NewWeightsController()
	r.Route("/weights", func(r chi.Router) {
		r.Get("/", weights.GetWeights)
		r.Put("/", weights.ReplaceWeights)
		r.Get("/history", weights.GetWeightHistory)
		r.Post("/calibrate", weights.CalibrateWeights)
	})

	experiments := NewExperimentController()
	r.Route("/experiments", func(r chi.Router) {
		r.Post("/", experiments.CreateExperiment)
		r.Get("/", experiments.ListExperiments)
		r.Get("/{id}", experiments.GetExperiment)
		r.Post("/{id}/start", experiments.StartExperiment)
		r.Post("/{id}/pause", experiments.PauseExperiment)
		r.Post("/{id}/resume", experiments.ResumeExperiment)
		r.Post("/{id}/stop", experiments.StopExperiment)
		r.Post("/{id}/allocate", experiments.AllocateBudget)
		r.Get("/{id}/winner", experiments.GetWinner)
		r.Post("/{id}/promote", experiments.PromoteWinner)
	})

	decisions := NewDecisionController()
	r.Post("/decisions/kill", decisions.EvaluateKills)
	r.Post("/decisions/budget", decisions.RecommendBudgets)

	metrics := NewMetricsController()
	r.Post("/metrics/snapshots", metrics.IngestSnapshots)
	r.Get("/metrics/snapshots", metrics.GetLatestSnapshots)

	cycles := NewCycleController()
	r.Post("/controller/run", cycles.RunCycle)
	r.Get("/controller/status", cycles.GetStatus)
	r.Get("/controller/reports/{tenant_id}", cycles.GetLastReport)
	r.Get("/events", cycles.ListEvents)
	return r
}

func (s *ControllersTestSuite) do(method, url string, body interface{}) *httptest.ResponseRecorder {
	return s.helper.Do(s.T(), s.router, method, url, body)
}

func fullFeatures() map[string]float64 {
	return map[string]float64{
		models.SubScorePsychology:  0.7,
		models.SubScoreHook:        0.8,
		models.SubScoreTechnical:   0.6,
		models.SubScoreDemographic: 0.5,
		models.SubScoreNovelty:     0.4,
	}
}

func adSnapshot(adID string, impressions, clicks, conversions int64, spend, revenue float64) map[string]interface{} {
	return map[string]interface{}{
		"ad_id":        adID,
		"impressions":  impressions,
		"clicks":       clicks,
		"conversions":  conversions,
		"spend":        spend,
		"revenue":      revenue,
		"daily_budget": 100,
	}
}

func (s *ControllersTestSuite) TestHealthAndReady() {
	w := s.do(http.MethodGet, "/health", nil)
	s.Equal(http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/ready", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), `"database"`)
}

func (s *ControllersTestSuite) TestExperimentLifecycle() {
	body := map[string]interface{}{
		"tenant_id":    "t1",
		"name":         "素材对比",
		"total_budget": 300,
		"variants": []map[string]interface{}{
			{"id": "v1", "ad_id": "ad-v1"},
			{"id": "v2", "ad_id": "ad-v2"},
		},
	}
	var exp models.Experiment
	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/experiments", body), http.StatusOK, &exp)
	s.Equal(models.ExperimentDraft, exp.State)
	s.NotEmpty(exp.ID)

	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/experiments/"+exp.ID+"/start", nil), http.StatusOK, &exp)
	s.Equal(models.ExperimentActive, exp.State)

	// 重复启动为非法迁移
	w := s.do(http.MethodPost, "/experiments/"+exp.ID+"/start", nil)
	s.Equal(http.StatusConflict, w.Code)

	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/experiments/"+exp.ID+"/pause", nil), http.StatusOK, &exp)
	s.Equal(models.ExperimentPaused, exp.State)
	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/experiments/"+exp.ID+"/resume", nil), http.StatusOK, &exp)
	s.Equal(models.ExperimentActive, exp.State)

	var list []models.Experiment
	s.helper.DecodeData(s.T(), s.do(http.MethodGet, "/experiments?tenant_id=t1&state=active", nil), http.StatusOK, &list)
	s.Len(list, 1)

	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/experiments/"+exp.ID+"/stop", nil), http.StatusOK, &exp)
	s.Equal(models.ExperimentCompleted, exp.State)
}

func (s *ControllersTestSuite) TestExperimentErrors() {
	w := s.do(http.MethodPost, "/experiments", map[string]interface{}{"tenant_id": "t1"})
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/experiments/missing", nil)
	s.Equal(http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/experiments?state=bogus", nil)
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/experiments/missing/promote", map[string]interface{}{})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *ControllersTestSuite) TestAllocateAndPromote() {
	body := map[string]interface{}{
		"tenant_id":    "t1",
		"name":         "分配测试",
		"total_budget": 200,
		"variants": []map[string]interface{}{
			{"id": "v1", "ad_id": "ad-v1"},
			{"id": "v2", "ad_id": "ad-v2"},
		},
	}
	var exp models.Experiment
	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/experiments", body), http.StatusOK, &exp)
	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/experiments/"+exp.ID+"/start", nil), http.StatusOK, &exp)

	ingest := map[string]interface{}{
		"tenant_id": "t1",
		"snapshots": []map[string]interface{}{
			adSnapshot("ad-v1", 5000, 200, 40, 80, 400),
			adSnapshot("ad-v2", 5000, 200, 5, 80, 50),
		},
	}
	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/metrics/snapshots", ingest), http.StatusOK, nil)

	var allocation experiment.AllocationResult
	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/experiments/"+exp.ID+"/allocate", nil), http.StatusOK, &allocation)
	s.Equal(1, allocation.Round)
	s.InDelta(200.0, allocation.Allocations["v1"]+allocation.Allocations["v2"], 0.001)
	s.Greater(allocation.Allocations["v1"], allocation.Allocations["v2"])

	var winner experiment.WinnerResult
	s.helper.DecodeData(s.T(), s.do(http.MethodGet, "/experiments/"+exp.ID+"/winner?confidence=0.9", nil), http.StatusOK, &winner)
	s.Equal("v1", winner.VariantID)
	s.True(winner.Significant)

	w := s.do(http.MethodGet, "/experiments/"+exp.ID+"/winner?confidence=abc", nil)
	s.Equal(http.StatusBadRequest, w.Code)

	var promoted experiment.PromoteResult
	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/experiments/"+exp.ID+"/promote",
		map[string]interface{}{"variant_id": "v1", "new_budget": 250}), http.StatusOK, &promoted)
	s.Equal(models.ExperimentCompleted, promoted.Experiment.State)
	s.True(s.action.IsPaused("ad-v2"))
	budgetV1, ok := s.action.Budget("ad-v1")
	s.True(ok)
	s.Equal(250.0, budgetV1)

	// 以同一变体重复推广为空操作
	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/experiments/"+exp.ID+"/promote",
		map[string]interface{}{"variant_id": "v1", "new_budget": 250}), http.StatusOK, &promoted)
	s.True(promoted.NoOp)
}

func (s *ControllersTestSuite) TestPredictionFlow() {
	var score prediction.Score
	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/predictions/score",
		map[string]interface{}{"features": fullFeatures()}), http.StatusOK, &score)
	s.Greater(score.Composite, 0.0)
	s.Equal(1.0, score.Completeness)

	var record models.PredictionRecord
	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/predictions",
		map[string]interface{}{"tenant_id": "t1", "subject_id": "ad-1", "features": fullFeatures()}), http.StatusOK, &record)
	s.NotEmpty(record.ID)
	s.Equal("t1", record.TenantID)
	s.Equal(1, record.WeightVersion)

	var pending []models.PredictionRecord
	s.helper.DecodeData(s.T(), s.do(http.MethodGet, "/predictions/pending?subject_ids=ad-1,ad-2", nil), http.StatusOK, &pending)
	s.Len(pending, 1)
	s.helper.DecodeData(s.T(), s.do(http.MethodGet, "/predictions/pending?subject_ids=ad-1&tenant_id=t2", nil), http.StatusOK, &pending)
	s.Empty(pending)

	actual := models.ActualValue{CTR: 0.02, ROAS: 3}
	s.Equal(http.StatusOK, s.do(http.MethodPost, "/predictions/"+record.ID+"/actual", actual).Code)
	s.Equal(http.StatusOK, s.do(http.MethodPost, "/predictions/"+record.ID+"/actual", actual).Code)
	s.Equal(http.StatusConflict, s.do(http.MethodPost, "/predictions/"+record.ID+"/actual",
		models.ActualValue{CTR: 0.05, ROAS: 3}).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodPost, "/predictions/unknown/actual", actual).Code)

	var report models.AccuracyReport
	s.helper.DecodeData(s.T(), s.do(http.MethodGet, "/accuracy/report", nil), http.StatusOK, &report)
	s.Equal(1, report.SampleCount)

	// 按租户统计
	s.helper.DecodeData(s.T(), s.do(http.MethodGet, "/accuracy/report?tenant_id=t1", nil), http.StatusOK, &report)
	s.Equal("t1", report.TenantID)
	s.Equal(1, report.SampleCount)
	s.helper.DecodeData(s.T(), s.do(http.MethodGet, "/accuracy/report?tenant_id=t2", nil), http.StatusOK, &report)
	s.Equal("t2", report.TenantID)
	s.Equal(0, report.SampleCount)
}

func (s *ControllersTestSuite) TestPredictionRejectsSparseFeatures() {
	w := s.do(http.MethodPost, "/predictions/score", map[string]interface{}{
		"features": map[string]float64{models.SubScoreHook: 0.9},
	})
	s.Equal(http.StatusUnprocessableEntity, w.Code)

	w = s.do(http.MethodPost, "/predictions", map[string]interface{}{"features": fullFeatures()})
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/predictions/pending", nil)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *ControllersTestSuite) TestWeights() {
	var current models.WeightVector
	s.helper.DecodeData(s.T(), s.do(http.MethodGet, "/weights", nil), http.StatusOK, &current)
	s.Equal(1, current.Version)

	var replaced models.WeightVector
	s.helper.DecodeData(s.T(), s.do(http.MethodPut, "/weights", map[string]interface{}{
		"weights": map[string]float64{models.SubScoreHook: 2, models.SubScorePsychology: 2},
	}), http.StatusOK, &replaced)
	s.Equal(2, replaced.Version)
	s.InDelta(0.5, replaced.Weights[models.SubScoreHook], 1e-9)

	w := s.do(http.MethodPut, "/weights", map[string]interface{}{
		"weights": map[string]float64{"unknown": 1},
	})
	s.Equal(http.StatusUnprocessableEntity, w.Code)

	var history []models.WeightVector
	s.helper.DecodeData(s.T(), s.do(http.MethodGet, "/weights/history?limit=5", nil), http.StatusOK, &history)
	s.Len(history, 2)
	s.Equal(2, history[0].Version)

	var result CalibrationResult
	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/weights/calibrate", nil), http.StatusOK, &result)
	s.False(result.Calibrated)
	s.Equal(2, result.Weights.Version)
}

func (s *ControllersTestSuite) TestDecisions() {
	var kills KillEvaluation
	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/decisions/kill", map[string]interface{}{
		"snapshots": []map[string]interface{}{
			adSnapshot("ad-low-ctr", 20000, 20, 1, 60, 10),
			adSnapshot("ad-healthy", 20000, 400, 10, 100, 400),
			adSnapshot("ad-broken", 10, 20, 0, 1, 0),
		},
	}), http.StatusOK, &kills)
	s.Equal(3, kills.Evaluated)
	s.Require().Len(kills.Kills, 1)
	s.Equal("ad-low-ctr", kills.Kills[0].AdID)
	s.Equal(models.KillReasonLowCTR, kills.Kills[0].Reason)
	s.Require().Len(kills.Skipped, 1)
	s.Equal("ad-broken", kills.Skipped[0].AdID)
	s.Empty(s.action.Calls())

	var budgets BudgetEvaluation
	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/decisions/budget", map[string]interface{}{
		"snapshots": []map[string]interface{}{
			adSnapshot("ad-scale", 20000, 400, 10, 100, 400),
			adSnapshot("ad-small", 20000, 400, 10, 10, 40),
		},
	}), http.StatusOK, &budgets)
	s.Require().Len(budgets.Recommendations, 1)
	s.Greater(budgets.Recommendations[0].RecommendedBudget, budgets.Recommendations[0].CurrentBudget)
	s.Require().Len(budgets.Skipped, 1)
	s.Equal("ad-small", budgets.Skipped[0].AdID)
	s.Contains(budgets.Skipped[0].Reason, models.ErrInsufficientData.Error())

	for _, path := range []string{"/decisions/kill", "/decisions/budget"} {
		s.helper.AssertJSONResponse(s.T(), s.do(http.MethodPost, path, map[string]interface{}{}), http.StatusBadRequest,
			map[string]interface{}{"status": http.StatusBadRequest, "msg": "snapshots和tenant_id不能同时为空"})
	}
}

func (s *ControllersTestSuite) TestIngestRunCycleAndEvents() {
	ingest := map[string]interface{}{
		"tenant_id": "t1",
		"snapshots": []map[string]interface{}{
			adSnapshot("ad-low-ctr", 20000, 20, 1, 60, 10),
			adSnapshot("ad-healthy", 20000, 400, 10, 100, 400),
		},
	}
	var result IngestResult
	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/metrics/snapshots", ingest), http.StatusOK, &result)
	s.Equal(2, result.Accepted)

	var latest []models.AdMetrics
	s.helper.DecodeData(s.T(), s.do(http.MethodGet, "/metrics/snapshots?tenant_id=t1", nil), http.StatusOK, &latest)
	s.Len(latest, 2)

	w := s.do(http.MethodGet, "/controller/reports/t1", nil)
	s.Equal(http.StatusNotFound, w.Code)

	var reports []scheduler.CycleReport
	s.helper.DecodeData(s.T(), s.do(http.MethodPost, "/controller/run?tenant_id=t1", nil), http.StatusOK, &reports)
	s.Require().Len(reports, 1)
	s.Require().Len(reports[0].Kills, 1)
	s.Equal("ad-low-ctr", reports[0].Kills[0].AdID)
	s.True(s.action.IsPaused("ad-low-ctr"))

	var report scheduler.CycleReport
	s.helper.DecodeData(s.T(), s.do(http.MethodGet, "/controller/reports/t1", nil), http.StatusOK, &report)
	s.Equal(reports[0].CycleID, report.CycleID)

	var status ControllerStatus
	s.helper.DecodeData(s.T(), s.do(http.MethodGet, "/controller/status", nil), http.StatusOK, &status)
	s.NotNil(status.LastCycleAt)

	w = s.do(http.MethodGet, fmt.Sprintf("/events?tenant_id=t1&type=%s&size=10", models.EventKillDecision), nil)
	s.Equal(http.StatusOK, w.Code)
	var page struct {
		Total int64                    `json:"total"`
		Size  int                      `json:"size"`
		Data  []models.ControllerEvent `json:"data"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &page))
	s.Equal(int64(1), page.Total)
	s.Equal(10, page.Size)
	s.Equal("ad-low-ctr", page.Data[0].SubjectID)

	w = s.do(http.MethodGet, "/events?since=yesterday", nil)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *ControllersTestSuite) TestIngestRejectsInvalidSnapshots() {
	w := s.do(http.MethodPost, "/metrics/snapshots?tenant_id=t1", []map[string]interface{}{
		adSnapshot("ad-1", 10, 20, 0, 1, 0),
	})
	s.Equal(http.StatusUnprocessableEntity, w.Code)

	w = s.do(http.MethodPost, "/metrics/snapshots", []map[string]interface{}{
		adSnapshot("ad-1", 100, 20, 0, 1, 0),
	})
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/metrics/snapshots", nil)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *ControllersTestSuite) TestAccuracyLatestRequiresRedis() {
	w := s.do(http.MethodGet, "/accuracy/latest/t1", nil)
	s.Equal(http.StatusServiceUnavailable, w.Code)
}
