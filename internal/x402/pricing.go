package x402

import (
	"errors"
	"math/big"
)

// AmountUnits converts a USD price into atomic asset units:
//
//	ceil(baseUSD * (1 + marginPct/100) / assetPriceUSD * 10^decimals)
func AmountUnits(baseUSD, marginPct, assetPriceUSD *big.Rat, decimals int) (*big.Int, error) {
	if assetPriceUSD == nil || assetPriceUSD.Sign() <= 0 {
		return nil, errors.New("asset price must be positive")
	}
	if decimals < 0 {
		return nil, errors.New("decimals must be non-negative")
	}
	if baseUSD.Sign() < 0 {
		return nil, errors.New("price must be non-negative")
	}

	factor := big.NewRat(1, 1)
	if marginPct != nil {
		factor.Add(factor, new(big.Rat).Quo(marginPct, big.NewRat(100, 1)))
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	v := new(big.Rat).Mul(baseUSD, factor)
	v.Quo(v, assetPriceUSD)
	v.Mul(v, new(big.Rat).SetInt(scale))

	q, r := new(big.Int).QuoRem(v.Num(), v.Denom(), new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q, nil
}
