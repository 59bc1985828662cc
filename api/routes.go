/*
 * @module api/routes
 * @description API路由配置模块，负责初始化和配置所有HTTP路由
 * @architecture RESTful API架构
 * @documentReference DESIGN.md
 * @stateFlow 无状态HTTP请求处理
 * @rules 遵循RESTful API设计规范，统一错误处理和响应格式
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/cors, github.com/go-chi/render
 * @refs api/controllers
 */

package api

import (
	"cpc-service/api/controllers"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
)

// InitRoute 初始化所有API路由
func InitRoute(r *chi.Mux) {
	// 基础中间件
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	// CORS配置
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// 健康检查
	healthController := controllers.NewHealthController()
	r.Get("/health", healthController.Health)
	r.Get("/ready", healthController.Ready)

	// 预测
	r.Route("/predictions", func(r chi.Router) {
		predictionController := controllers.NewPredictionController()
		r.Post("/", predictionController.CreatePrediction)
		r.Post("/score", predictionController.ScoreCreative)
		r.Get("/pending", predictionController.ListPending)
		r.Post("/{id}/actual", predictionController.LogActual)
	})

	// 准确度
	r.Route("/accuracy", func(r chi.Router) {
		accuracyController := controllers.NewAccuracyController()
		r.Get("/report", accuracyController.GetReport)
		r.Get("/latest/{tenant_id}", accuracyController.GetLatest)
	})

	// 评分权重
	r.Route("/weights", func(r chi.Router) {
		weightsController := controllers.NewWeightsController()
		r.Get("/", weightsController.GetWeights)
		r.Put("/", weightsController.ReplaceWeights)
		r.Get("/history", weightsController.GetWeightHistory)
		r.Post("/calibrate", weightsController.CalibrateWeights)
	})

	// 实验管理
	r.Route("/experiments", func(r chi.Router) {
		experimentController := controllers.NewExperimentController()
		r.Post("/", experimentController.CreateExperiment)
		r.Get("/", experimentController.ListExperiments)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", experimentController.GetExperiment)
			r.Post("/start", experimentController.StartExperiment)
			r.Post("/pause", experimentController.PauseExperiment)
			r.Post("/resume", experimentController.ResumeExperiment)
			r.Post("/stop", experimentController.StopExperiment)
			r.Post("/allocate", experimentController.AllocateBudget)
			r.Get("/winner", experimentController.GetWinner)
			r.Post("/promote", experimentController.PromoteWinner)
		})
	})

	// 决策演练
	r.Route("/decisions", func(r chi.Router) {
		decisionController := controllers.NewDecisionController()
		r.Post("/kill", decisionController.EvaluateKills)
		r.Post("/budget", decisionController.RecommendBudgets)
	})

	// 指标快照
	r.Route("/metrics/snapshots", func(r chi.Router) {
		metricsController := controllers.NewMetricsController()
		r.Post("/", metricsController.IngestSnapshots)
		r.Get("/", metricsController.GetLatestSnapshots)
	})

	// 控制周期
	cycleController := controllers.NewCycleController()
	r.Route("/controller", func(r chi.Router) {
		r.Post("/run", cycleController.RunCycle)
		r.Get("/status", cycleController.GetStatus)
		r.Get("/reports/{tenant_id}", cycleController.GetLastReport)
	})
	r.Get("/events", cycleController.ListEvents)
}
