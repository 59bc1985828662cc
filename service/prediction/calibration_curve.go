/*
 * @module service/prediction/calibration_curve
 * @description 校准曲线脚本加载器，使用Yaegi解释执行外部拟合好的单调曲线
 * @architecture 插件模式 - 曲线作为注入函数
 * @documentReference DESIGN.md
 * @stateFlow 脚本 -> 包装编译 -> 单调性校验 -> 缓存 -> 评分调用
 * @rules 曲线在[0,1]上必须有限且单调不减，否则拒绝加载
 * @dependencies github.com/traefik/yaegi
 * @refs service/prediction/engine.go
 */

package prediction

import (
	"crypto/sha1"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// monotonicGridSteps 单调性校验的采样点数
const monotonicGridSteps = 100

// compiledCurve 编译后的曲线
type compiledCurve struct {
	mu       sync.Mutex // 解释器函数不保证并发安全
	fn       func(float64) float64
	compiled time.Time
	hash     string
}

func (c *compiledCurve) call(score float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fn(score)
}

// ScriptCurveLoader 曲线脚本加载器，按脚本哈希缓存
type ScriptCurveLoader struct {
	mu    sync.RWMutex
	cache map[string]*compiledCurve
}

// NewScriptCurveLoader 创建曲线脚本加载器
func NewScriptCurveLoader() *ScriptCurveLoader {
	return &ScriptCurveLoader{
		cache: make(map[string]*compiledCurve),
	}
}

// Load 编译脚本为校准曲线
// 脚本为函数体，可使用变量 score 和 math 包，例如 "return 0.01 + 0.04*score"
func (l *ScriptCurveLoader) Load(script string) (CalibrationCurve, error) {
	hash := fmt.Sprintf("%x", sha1.Sum([]byte(script)))

	l.mu.RLock()
	compiled, ok := l.cache[hash]
	l.mu.RUnlock()

	if !ok {
		var err error
		compiled, err = l.compile(script, hash)
		if err != nil {
			return nil, err
		}
		if err := checkMonotonic(compiled.call); err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.cache[hash] = compiled
		l.mu.Unlock()
	}

	return compiled.call, nil
}

// compile 包装并编译脚本
func (l *ScriptCurveLoader) compile(script, hash string) (*compiledCurve, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("加载标准库失败: %w", err)
	}

	wrapped := fmt.Sprintf(`
package curve

import "math"

var _ = math.Abs

func Curve(score float64) float64 {
%s
}
`, script)

	if _, err := i.Eval(wrapped); err != nil {
		return nil, fmt.Errorf("曲线脚本编译失败: %w", err)
	}

	v, err := i.Eval("curve.Curve")
	if err != nil {
		return nil, fmt.Errorf("曲线脚本缺少 Curve 函数: %w", err)
	}

	fn, ok := v.Interface().(func(float64) float64)
	if !ok {
		return nil, fmt.Errorf("Curve 函数签名必须是 func(float64) float64")
	}

	return &compiledCurve{
		fn:       fn,
		compiled: time.Now(),
		hash:     hash,
	}, nil
}

// CacheSize 返回已缓存的曲线数量
func (l *ScriptCurveLoader) CacheSize() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.cache)
}

// checkMonotonic 在[0,1]网格上校验曲线有限且单调不减
func checkMonotonic(curve CalibrationCurve) error {
	prev := math.Inf(-1)
	for step := 0; step <= monotonicGridSteps; step++ {
		x := float64(step) / monotonicGridSteps
		y := curve(x)
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return fmt.Errorf("校准曲线在 score=%.2f 处取值非有限", x)
		}
		if y < prev-1e-12 {
			return fmt.Errorf("校准曲线非单调: score=%.2f 处 %.6f < %.6f", x, y, prev)
		}
		prev = y
	}
	return nil
}
