/*
 * @module testutil/test_helper
 * @description 测试工具和辅助函数
 * @architecture 测试基础设施 - 提供测试通用工具和数据工厂
 * @documentReference DESIGN.md
 * @stateFlow 测试环境初始化 -> 测试数据创建 -> 测试执行 -> 清理资源
 * @rules 提供可重用的测试工具，确保测试环境的一致性
 * @dependencies gorm, sqlite, testify, time
 * @refs service/models, service/database
 */

package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cpc-service/service/database"
	"cpc-service/service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestDB 测试数据库配置
type TestDB struct {
	DB *gorm.DB
}

// NewTestDB 创建内存SQLite测试数据库，执行与生产相同的迁移和视图
func NewTestDB() *TestDB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to connect test database: %v", err))
	}

	// 内存库每个连接独立，限制为单连接
	sqlDB, err := db.DB()
	if err != nil {
		panic(fmt.Sprintf("failed to get sql db: %v", err))
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.AutoMigrate(db); err != nil {
		panic(fmt.Sprintf("failed to migrate test database: %v", err))
	}
	if err := database.AutoMigrateView(db); err != nil {
		panic(fmt.Sprintf("failed to create test views: %v", err))
	}

	return &TestDB{DB: db}
}

// CleanDB 清理数据库
func (tdb *TestDB) CleanDB() {
	tables := []string{
		"ad_metrics_snapshots",
		"prediction_records",
		"outcome_records",
		"weight_vectors",
		"experiments",
		"controller_events",
		"paused_ads",
	}

	for _, table := range tables {
		tdb.DB.Exec(fmt.Sprintf("DELETE FROM %s", table))
	}
}

// Close 关闭数据库连接
func (tdb *TestDB) Close() {
	if db, err := tdb.DB.DB(); err == nil {
		db.Close()
	}
}

// TestDataFactory 测试数据工厂
type TestDataFactory struct {
	DB *gorm.DB
}

// NewTestDataFactory 创建测试数据工厂
func NewTestDataFactory(db *gorm.DB) *TestDataFactory {
	return &TestDataFactory{DB: db}
}

// SnapshotOption 快照选项函数类型
type SnapshotOption func(*models.AdMetrics)

// CreateSnapshot 创建测试指标快照
func (f *TestDataFactory) CreateSnapshot(tenantID, adID string, opts ...SnapshotOption) *models.AdMetrics {
	snapshot := &models.AdMetrics{
		TenantID:     tenantID,
		AdID:         adID,
		CampaignID:   "campaign_" + tenantID,
		Spend:        80,
		DailyBudget:  100,
		Impressions:  20000,
		Clicks:       400,
		Conversions:  8,
		Revenue:      240,
		HoursRunning: 24,
		CapturedAt:   time.Now().UTC(),
	}

	// 应用选项
	for _, opt := range opts {
		opt(snapshot)
	}

	if err := f.DB.Create(snapshot).Error; err != nil {
		panic(fmt.Sprintf("failed to create test snapshot: %v", err))
	}
	return snapshot
}

// PredictionOption 预测选项函数类型
type PredictionOption func(*models.PredictionRecord)

// CreatePrediction 创建测试预测记录
func (f *TestDataFactory) CreatePrediction(subjectID string, opts ...PredictionOption) *models.PredictionRecord {
	record := &models.PredictionRecord{
		ID:             generateID("pred"),
		TenantID:       "t1",
		SubjectID:      subjectID,
		PredictedCTR:   0.02,
		PredictedROAS:  2.5,
		CompositeScore: 0.6,
		Confidence:     0.8,
		WeightVersion:  1,
		SubScores: models.FloatMap{
			models.SubScoreHook:       0.7,
			models.SubScorePsychology: 0.5,
			models.SubScoreTechnical:  0.6,
		},
		CreatedAt: time.Now().UTC(),
	}

	// 应用选项
	for _, opt := range opts {
		opt(record)
	}

	if err := f.DB.Create(record).Error; err != nil {
		panic(fmt.Sprintf("failed to create test prediction: %v", err))
	}
	return record
}

// ExperimentOption 实验选项函数类型
type ExperimentOption func(*models.Experiment)

// CreateExperiment 创建测试实验，默认两个变体
func (f *TestDataFactory) CreateExperiment(tenantID string, opts ...ExperimentOption) *models.Experiment {
	now := time.Now().UTC()
	exp := &models.Experiment{
		ID:          generateID("exp"),
		TenantID:    tenantID,
		Name:        "测试实验",
		Objective:   "conversions",
		TotalBudget: 200,
		State:       models.ExperimentDraft,
		Variants: models.VariantList{
			{ID: "v1", Name: "变体1", AdID: "ad_v1"},
			{ID: "v2", Name: "变体2", AdID: "ad_v2"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	// 应用选项
	for _, opt := range opts {
		opt(exp)
	}

	if err := f.DB.Create(exp).Error; err != nil {
		panic(fmt.Sprintf("failed to create test experiment: %v", err))
	}
	return exp
}

// 辅助函数
var idCounter atomic.Int64

func generateID(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), idCounter.Add(1))
}

// MockLearningSink Mock学习通道
type MockLearningSink struct {
	mock.Mock
}

func (m *MockLearningSink) PublishAccuracy(ctx context.Context, tenantID string, report *models.AccuracyReport) error {
	args := m.Called(ctx, tenantID, report)
	return args.Error(0)
}

// HTTPTestHelper HTTP测试辅助工具
type HTTPTestHelper struct{}

// NewHTTPTestHelper 创建HTTP测试辅助工具
func NewHTTPTestHelper() *HTTPTestHelper {
	return &HTTPTestHelper{}
}

// CreateJSONRequest 创建JSON请求
func (h *HTTPTestHelper) CreateJSONRequest(method, url string, body interface{}) (*http.Request, error) {
	var reqBody io.Reader

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// Do 通过处理器执行请求并返回记录器
func (h *HTTPTestHelper) Do(t *testing.T, handler http.Handler, method, url string, body interface{}) *httptest.ResponseRecorder {
	req, err := h.CreateJSONRequest(method, url, body)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// DecodeData 断言状态码并把响应信封中的 data 解码到 dest
func (h *HTTPTestHelper) DecodeData(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, dest interface{}) {
	require.Equal(t, expectedStatus, w.Code, w.Body.String())

	var envelope struct {
		Status int             `json:"status"`
		Msg    string          `json:"msg"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	if dest != nil {
		require.NoError(t, json.Unmarshal(envelope.Data, dest))
	}
}

// AssertJSONResponse 断言JSON响应
func (h *HTTPTestHelper) AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedBody interface{}) {
	assert.Equal(t, expectedStatus, w.Code)

	if expectedBody != nil {
		var actualBody interface{}
		err := json.Unmarshal(w.Body.Bytes(), &actualBody)
		assert.NoError(t, err)

		expectedJSON, _ := json.Marshal(expectedBody)
		actualJSON, _ := json.Marshal(actualBody)

		assert.JSONEq(t, string(expectedJSON), string(actualJSON))
	}
}
