package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/emperorhan/withdrawal-finalizer/internal/domain/model"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// QueueConfig describes one withdrawal queue contract to finalize.
// Amounts are decimal wei strings.
type QueueConfig struct {
	Name                   string        `yaml:"name"`
	Network                string        `yaml:"network"`
	Address                string        `yaml:"address"`
	RPCURL                 string        `yaml:"rpc_url"`
	Schedule               string        `yaml:"schedule"`
	MaxShareRate           string        `yaml:"max_share_rate"`
	InitialBudget          string        `yaml:"initial_budget"`
	MaxRequestsPerCall     uint64        `yaml:"max_requests_per_call"`
	RequestTimestampMargin time.Duration `yaml:"request_timestamp_margin"`
	IterationCeiling       int           `yaml:"iteration_ceiling"`
	PerCallTimeout         time.Duration `yaml:"per_call_timeout"`
	Disabled               bool          `yaml:"disabled"`
}

type queuesFile struct {
	Queues []QueueConfig `yaml:"queues"`
}

// LoadQueues reads queue definitions from a YAML file.
func LoadQueues(path string) ([]QueueConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queues file: %w", err)
	}

	var f queuesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse queues file %s: %w", path, err)
	}
	if len(f.Queues) == 0 {
		return nil, fmt.Errorf("queues file %s defines no queues", path)
	}
	return f.Queues, nil
}

func ValidateQueues(queues []QueueConfig) error {
	if len(queues) == 0 {
		return errors.New("at least one queue is required")
	}
	seen := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		if _, dup := seen[q.Name]; dup {
			return fmt.Errorf("duplicate queue name %q", q.Name)
		}
		seen[q.Name] = struct{}{}
		if err := q.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (q QueueConfig) Validate() error {
	if q.Name == "" {
		return errors.New("queue name is required")
	}
	if _, ok := model.ParseNetwork(q.Network); !ok {
		return fmt.Errorf("queue %s: unsupported network %q", q.Name, q.Network)
	}
	if !common.IsHexAddress(q.Address) {
		return fmt.Errorf("queue %s: invalid contract address %q", q.Name, q.Address)
	}
	if q.RPCURL == "" {
		return fmt.Errorf("queue %s: rpc url is required (ETH_RPC_URL or rpc_url)", q.Name)
	}
	if _, err := q.ShareRate(); err != nil {
		return err
	}
	if _, err := q.Budget(); err != nil {
		return err
	}
	if q.MaxRequestsPerCall == 0 {
		return fmt.Errorf("queue %s: max_requests_per_call must be positive", q.Name)
	}
	if q.IterationCeiling < 0 {
		return fmt.Errorf("queue %s: iteration_ceiling must not be negative", q.Name)
	}
	if q.PerCallTimeout < 0 || q.RequestTimestampMargin < 0 {
		return fmt.Errorf("queue %s: durations must not be negative", q.Name)
	}
	return nil
}

func (q QueueConfig) ContractAddress() common.Address {
	return common.HexToAddress(q.Address)
}

func (q QueueConfig) NetworkID() model.Network {
	n, _ := model.ParseNetwork(q.Network)
	return n
}

// ShareRate parses MaxShareRate; it must be a positive integer.
func (q QueueConfig) ShareRate() (*big.Int, error) {
	v, err := parseWei(q.MaxShareRate)
	if err != nil || v.Sign() == 0 {
		return nil, fmt.Errorf("queue %s: max_share_rate must be a positive integer, got %q", q.Name, q.MaxShareRate)
	}
	return v, nil
}

// Budget parses InitialBudget; it must be a non-negative integer.
func (q QueueConfig) Budget() (*big.Int, error) {
	v, err := parseWei(q.InitialBudget)
	if err != nil {
		return nil, fmt.Errorf("queue %s: initial_budget must be a non-negative integer, got %q", q.Name, q.InitialBudget)
	}
	return v, nil
}

func parseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
