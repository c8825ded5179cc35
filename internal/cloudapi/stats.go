package cloudapi

import "gonum.org/v1/gonum/stat"

// Volatility is the coefficient of variation of a price series.
func Volatility(prices []float64) float64 {
	return coefficientOfVariation(prices)
}

func coefficientOfVariation(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(prices, nil)
	if mean <= 0 {
		return 0
	}
	return std / mean
}
