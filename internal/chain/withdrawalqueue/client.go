package withdrawalqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/emperorhan/withdrawal-finalizer/internal/chain/ratelimit"
	"github.com/emperorhan/withdrawal-finalizer/internal/convergence"
	"github.com/emperorhan/withdrawal-finalizer/internal/domain/model"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"
)

// Client reads a WithdrawalQueue contract. It is safe for concurrent use.
type Client struct {
	contract *bind.BoundContract
	address  common.Address
	queue    string
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	closer   func()
}

var _ convergence.Oracle = (*Client)(nil)

type Option func(*Client)

// WithRateLimiter throttles every contract call through l.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// NewClient binds the contract at address using caller for eth_call.
func NewClient(address common.Address, caller bind.ContractCaller, queue string, logger *slog.Logger, opts ...Option) (*Client, error) {
	if caller == nil {
		return nil, errors.New("withdrawalqueue: nil contract caller")
	}
	parsed, err := ABI()
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	c := &Client{
		contract: bind.NewBoundContract(address, parsed, caller, nil, nil),
		address:  address,
		queue:    queue,
		logger:   logger.With("component", "withdrawal_queue", "queue", queue, "address", address.Hex()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dial connects to an execution-layer JSON-RPC endpoint and binds the contract.
func Dial(ctx context.Context, rpcURL string, address common.Address, queue string, logger *slog.Logger, opts ...Option) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", queue, err)
	}
	c, err := NewClient(address, ec, queue, logger, opts...)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closer = ec.Close
	return c, nil
}

func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *Client) Address() common.Address {
	return c.address
}

func (c *Client) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limit wait: %w", method, err)
	}

	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...)
	ratelimit.RecordRPCCall(c.queue, method, err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return out, nil
}

func (c *Client) uint64Call(ctx context.Context, method string) (uint64, error) {
	out, err := c.call(ctx, method)
	if err != nil {
		return 0, err
	}
	v := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if v == nil || !v.IsUint64() {
		return 0, fmt.Errorf("%s: value %v does not fit uint64", method, v)
	}
	return v.Uint64(), nil
}

// LastRequestID returns the id of the newest withdrawal request.
func (c *Client) LastRequestID(ctx context.Context) (uint64, error) {
	return c.uint64Call(ctx, methodLastRequestID)
}

// LastFinalizedRequestID returns the id of the newest finalized request.
func (c *Client) LastFinalizedRequestID(ctx context.Context) (uint64, error) {
	return c.uint64Call(ctx, methodLastFinalizedID)
}

func (c *Client) IsPaused(ctx context.Context) (bool, error) {
	out, err := c.call(ctx, methodIsPaused)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// Snapshot reads the queue counters and pause flag concurrently.
func (c *Client) Snapshot(ctx context.Context) (model.QueueSnapshot, error) {
	snap := model.QueueSnapshot{Queue: c.queue}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap.LastRequestID, err = c.LastRequestID(gCtx)
		return err
	})
	g.Go(func() error {
		var err error
		snap.LastFinalizedID, err = c.LastFinalizedRequestID(gCtx)
		return err
	})
	g.Go(func() error {
		var err error
		snap.Paused, err = c.IsPaused(gCtx)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.QueueSnapshot{}, fmt.Errorf("snapshot %s: %w", c.queue, err)
	}

	snap.TakenAt = time.Now().UTC()
	if err := snap.Validate(); err != nil {
		return model.QueueSnapshot{}, fmt.Errorf("snapshot %s: %w", c.queue, err)
	}
	return snap, nil
}

// ComputeNextBatch performs one calculateFinalizationBatches eth_call.
func (c *Client) ComputeNextBatch(ctx context.Context, params model.FinalizationParams, prior model.BatchCalculationState) (model.BatchCalculationState, error) {
	if err := params.Validate(); err != nil {
		return model.BatchCalculationState{}, err
	}
	in, err := encodeState(prior)
	if err != nil {
		return model.BatchCalculationState{}, err
	}

	out, err := c.call(ctx, methodCalculateBatches,
		params.MaxShareRate,
		new(big.Int).SetUint64(params.MaxTimestamp),
		new(big.Int).SetUint64(params.MaxRequestsPerCall),
		in,
	)
	if err != nil {
		return model.BatchCalculationState{}, err
	}

	raw := *abi.ConvertType(out[0], new(batchesCalculationState)).(*batchesCalculationState)
	next, err := decodeState(raw)
	if err != nil {
		return model.BatchCalculationState{}, fmt.Errorf("%s: %w", methodCalculateBatches, err)
	}

	c.logger.Debug("batch state computed",
		"batches_length", next.BatchesLength,
		"finished", next.Finished,
		"remaining_budget", next.Budget().String(),
	)
	return next, nil
}

func encodeState(s model.BatchCalculationState) (batchesCalculationState, error) {
	if s.BatchesLength < 0 {
		return batchesCalculationState{}, fmt.Errorf("encode state: negative batches length %d", s.BatchesLength)
	}
	budget := s.Budget()
	if budget.Sign() < 0 {
		return batchesCalculationState{}, fmt.Errorf("encode state: negative budget %s", budget)
	}

	raw := batchesCalculationState{
		RemainingEthBudget: budget,
		Finished:           s.Finished,
		BatchesLength:      big.NewInt(int64(s.BatchesLength)),
	}
	for i, id := range s.Batches {
		raw.Batches[i] = new(big.Int).SetUint64(id)
	}
	return raw, nil
}

func decodeState(raw batchesCalculationState) (model.BatchCalculationState, error) {
	if raw.RemainingEthBudget == nil || raw.BatchesLength == nil {
		return model.BatchCalculationState{}, errors.New("decode state: incomplete tuple")
	}
	if !raw.BatchesLength.IsInt64() || raw.BatchesLength.Int64() > math.MaxInt {
		return model.BatchCalculationState{}, fmt.Errorf("decode state: batches length %s out of range", raw.BatchesLength)
	}

	s := model.BatchCalculationState{
		RemainingBudget: new(big.Int).Set(raw.RemainingEthBudget),
		Finished:        raw.Finished,
		BatchesLength:   int(raw.BatchesLength.Int64()),
	}
	for i, id := range raw.Batches {
		if id == nil {
			continue
		}
		if !id.IsUint64() {
			return model.BatchCalculationState{}, fmt.Errorf("decode state: batch %d id %s does not fit uint64", i, id)
		}
		s.Batches[i] = id.Uint64()
	}
	return s, nil
}
