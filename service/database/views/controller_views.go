package views

// ControllerViews 视图名 -> SELECT 语句
var ControllerViews = map[string]string{

	// 每个租户每个广告的最新指标快照，采集时间相同时取自增ID最大的一条
	"latest_ad_metrics": `
		SELECT s.*
		FROM ad_metrics_snapshots s
		WHERE s.id = (
			SELECT x.id
			FROM ad_metrics_snapshots x
			WHERE x.tenant_id = s.tenant_id AND x.ad_id = s.ad_id
			ORDER BY x.captured_at DESC, x.id DESC
			LIMIT 1
		)`,

	// 已结算的预测及其实际结果
	"settled_predictions": `
		SELECT
			p.id,
			p.tenant_id,
			p.subject_id,
			p.predicted_ctr,
			p.predicted_roas,
			p.composite_score,
			p.confidence,
			p.weight_version,
			p.sub_scores,
			p.created_at,
			o.actual_ctr,
			o.actual_roas,
			o.logged_at
		FROM prediction_records p
		JOIN outcome_records o ON o.prediction_id = p.id`,
}
