package experiment

import (
	"math"
	"math/rand/v2"

	"cpc-service/service/models"
)

// RandSource 随机源，*rand.Rand 满足该接口
type RandSource interface {
	Float64() float64
	NormFloat64() float64
}

// RandFactory 每次采样创建独立随机源，测试中注入固定种子
type RandFactory func() RandSource

// DefaultRandFactory 使用随机种子的PCG随机源
func DefaultRandFactory() RandSource {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// SeededRandFactory 固定种子的随机源工厂，每次调用返回相同序列
func SeededRandFactory(seed1, seed2 uint64) RandFactory {
	return func() RandSource {
		return rand.New(rand.NewPCG(seed1, seed2))
	}
}

// sampleGamma Marsaglia-Tsang 方法采样 Gamma(shape, 1)
func sampleGamma(rng RandSource, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		x := rng.NormFloat64()
		v := 1.0 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v

		u := rng.Float64()
		x2 := x * x
		if u < 1.0-0.0331*x2*x2 {
			return d * v
		}
		if math.Log(u) < 0.5*x2+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// sampleBeta Beta(α, β) = Gamma(α) / (Gamma(α) + Gamma(β))
func sampleBeta(rng RandSource, alpha, beta float64) float64 {
	a := sampleGamma(rng, alpha)
	b := sampleGamma(rng, beta)
	if a+b == 0 {
		return 0.5
	}
	return a / (a + b)
}

// winProbabilities 蒙特卡洛估计每个变体为最优的概率
// 每轮从各变体的Beta后验采样一次，采样值最大的变体计一次胜出
func winProbabilities(rng RandSource, variants []models.Variant, draws int) []float64 {
	probs := make([]float64, len(variants))
	if len(variants) == 0 || draws <= 0 {
		return probs
	}
	if len(variants) == 1 {
		probs[0] = 1
		return probs
	}

	wins := make([]int, len(variants))
	for d := 0; d < draws; d++ {
		best, bestValue := 0, -1.0
		for i, v := range variants {
			sample := sampleBeta(rng, v.Alpha(), v.Beta())
			if sample > bestValue {
				best, bestValue = i, sample
			}
		}
		wins[best]++
	}

	for i, w := range wins {
		probs[i] = float64(w) / float64(draws)
	}
	return probs
}
