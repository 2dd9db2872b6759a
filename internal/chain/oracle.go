// Package chain prices the payment asset in USD, either from a static value
// or from a Chainlink AggregatorV3 feed.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/highstation/gatekeeper/internal/config"
)

// ErrStaleRound is returned when the feed's latest round is older than the
// configured maximum age or was never completed.
var ErrStaleRound = errors.New("stale price round")

// Oracle returns the USD price of one whole unit of the payment asset.
type Oracle interface {
	Price(ctx context.Context) (*big.Rat, error)
}

// ── Static ────────────────────────────────────────────────────────────────────

// StaticOracle serves a fixed price, for stablecoins.
type StaticOracle struct {
	price *big.Rat
}

func NewStaticOracle(price string) (*StaticOracle, error) {
	p, ok := new(big.Rat).SetString(strings.TrimSpace(price))
	if !ok || p.Sign() <= 0 {
		return nil, fmt.Errorf("invalid static price %q", price)
	}
	return &StaticOracle{price: p}, nil
}

func (s *StaticOracle) Price(context.Context) (*big.Rat, error) {
	return new(big.Rat).Set(s.price), nil
}

// ── Chainlink ─────────────────────────────────────────────────────────────────

const aggregatorV3ABI = `[
 {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
 {"inputs":[],"name":"latestRoundData","outputs":[
   {"internalType":"uint80","name":"roundId","type":"uint80"},
   {"internalType":"int256","name":"answer","type":"int256"},
   {"internalType":"uint256","name":"startedAt","type":"uint256"},
   {"internalType":"uint256","name":"updatedAt","type":"uint256"},
   {"internalType":"uint80","name":"answeredInRound","type":"uint80"}],
  "stateMutability":"view","type":"function"}
]`

// AggregatorABI is the parsed AggregatorV3Interface subset the oracle calls.
var AggregatorABI = mustParseABI(aggregatorV3ABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ChainlinkOracle reads latestRoundData from an AggregatorV3 contract.
type ChainlinkOracle struct {
	contract *bind.BoundContract
	timeout  time.Duration
	maxAge   time.Duration
	now      func() time.Time

	decMu    sync.Mutex
	decimals *uint8
}

// NewChainlinkOracle binds to aggregator through any contract caller
// (an *ethclient.Client in production). Rounds last updated more than maxAge
// ago are rejected; zero disables the age check.
func NewChainlinkOracle(caller bind.ContractCaller, aggregator common.Address, timeout, maxAge time.Duration) *ChainlinkOracle {
	return &ChainlinkOracle{
		contract: bind.NewBoundContract(aggregator, AggregatorABI, caller, nil, nil),
		timeout:  timeout,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

func (o *ChainlinkOracle) callOpts(ctx context.Context) (*bind.CallOpts, context.CancelFunc) {
	if o.timeout <= 0 {
		return &bind.CallOpts{Context: ctx}, func() {}
	}
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	return &bind.CallOpts{Context: cctx}, cancel
}

func (o *ChainlinkOracle) feedDecimals(ctx context.Context) (uint8, error) {
	o.decMu.Lock()
	defer o.decMu.Unlock()
	if o.decimals != nil {
		return *o.decimals, nil
	}
	opts, cancel := o.callOpts(ctx)
	defer cancel()
	var out []interface{}
	if err := o.contract.Call(opts, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("decimals: %w", err)
	}
	o.decimals = abi.ConvertType(out[0], new(uint8)).(*uint8)
	return *o.decimals, nil
}

func (o *ChainlinkOracle) Price(ctx context.Context) (*big.Rat, error) {
	dec, err := o.feedDecimals(ctx)
	if err != nil {
		return nil, err
	}
	opts, cancel := o.callOpts(ctx)
	defer cancel()
	var out []interface{}
	if err := o.contract.Call(opts, &out, "latestRoundData"); err != nil {
		return nil, fmt.Errorf("latestRoundData: %w", err)
	}
	answer := abi.ConvertType(out[1], new(big.Int)).(*big.Int)
	if answer.Sign() <= 0 {
		return nil, fmt.Errorf("feed answer %s is not positive", answer)
	}
	updatedAt := abi.ConvertType(out[3], new(big.Int)).(*big.Int)
	if updatedAt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: round has no update time", ErrStaleRound)
	}
	if o.maxAge > 0 {
		if age := o.now().Sub(time.Unix(updatedAt.Int64(), 0)); age > o.maxAge {
			return nil, fmt.Errorf("%w: updated %s ago, max %s", ErrStaleRound, age.Truncate(time.Second), o.maxAge)
		}
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(dec)), nil)
	return new(big.Rat).SetFrac(answer, scale), nil
}

// ── Cache ─────────────────────────────────────────────────────────────────────

// CachedOracle memoizes another oracle for ttl. A miss refreshes
// synchronously; concurrent refreshes are tolerated.
type CachedOracle struct {
	src Oracle
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	price   *big.Rat
	fetched time.Time
}

func NewCachedOracle(src Oracle, ttl time.Duration) *CachedOracle {
	return &CachedOracle{src: src, ttl: ttl, now: time.Now}
}

func (c *CachedOracle) Price(ctx context.Context) (*big.Rat, error) {
	c.mu.RLock()
	if c.price != nil && c.now().Sub(c.fetched) < c.ttl {
		p := new(big.Rat).Set(c.price)
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	p, err := c.src.Price(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.price = new(big.Rat).Set(p)
	c.fetched = c.now()
	c.mu.Unlock()
	return new(big.Rat).Set(p), nil
}

// ── Wiring ────────────────────────────────────────────────────────────────────

// NewOracle builds the configured oracle wrapped in a CachedOracle. The
// returned close func releases the RPC connection, if any.
func NewOracle(cfg config.OracleConfig, log *zap.Logger) (*CachedOracle, func(), error) {
	switch cfg.Mode {
	case "static":
		s, err := NewStaticOracle(cfg.StaticPrice)
		if err != nil {
			return nil, nil, err
		}
		log.Info("price oracle", zap.String("mode", "static"), zap.String("price", cfg.StaticPrice))
		return NewCachedOracle(s, cfg.TTL), func() {}, nil
	case "chainlink":
		if !common.IsHexAddress(cfg.Aggregator) {
			return nil, nil, fmt.Errorf("aggregator %q is not an address", cfg.Aggregator)
		}
		eth, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, nil, fmt.Errorf("dial rpc: %w", err)
		}
		log.Info("price oracle", zap.String("mode", "chainlink"), zap.String("aggregator", cfg.Aggregator), zap.Duration("max_age", cfg.MaxAge))
		o := NewChainlinkOracle(eth, common.HexToAddress(cfg.Aggregator), cfg.Timeout, cfg.MaxAge)
		return NewCachedOracle(o, cfg.TTL), eth.Close, nil
	default:
		return nil, nil, errors.New("unknown oracle mode " + cfg.Mode)
	}
}
