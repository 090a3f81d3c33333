package withdrawalqueue

import (
	"math/big"
	"strings"
	"sync"

	"github.com/emperorhan/withdrawal-finalizer/internal/domain/model"
	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Read-only subset of the WithdrawalQueueERC721 interface.
const withdrawalQueueABI = `[
  {
    "type": "function",
    "name": "calculateFinalizationBatches",
    "stateMutability": "view",
    "inputs": [
      {"name": "_maxShareRate", "type": "uint256", "internalType": "uint256"},
      {"name": "_maxTimestamp", "type": "uint256", "internalType": "uint256"},
      {"name": "_maxRequestsPerCall", "type": "uint256", "internalType": "uint256"},
      {
        "name": "_state",
        "type": "tuple",
        "internalType": "struct WithdrawalQueueBase.BatchesCalculationState",
        "components": [
          {"name": "remainingEthBudget", "type": "uint256", "internalType": "uint256"},
          {"name": "finished", "type": "bool", "internalType": "bool"},
          {"name": "batches", "type": "uint256[36]", "internalType": "uint256[36]"},
          {"name": "batchesLength", "type": "uint256", "internalType": "uint256"}
        ]
      }
    ],
    "outputs": [
      {
        "name": "",
        "type": "tuple",
        "internalType": "struct WithdrawalQueueBase.BatchesCalculationState",
        "components": [
          {"name": "remainingEthBudget", "type": "uint256", "internalType": "uint256"},
          {"name": "finished", "type": "bool", "internalType": "bool"},
          {"name": "batches", "type": "uint256[36]", "internalType": "uint256[36]"},
          {"name": "batchesLength", "type": "uint256", "internalType": "uint256"}
        ]
      }
    ]
  },
  {
    "type": "function",
    "name": "getLastRequestId",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "uint256", "internalType": "uint256"}]
  },
  {
    "type": "function",
    "name": "getLastFinalizedRequestId",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "uint256", "internalType": "uint256"}]
  },
  {
    "type": "function",
    "name": "isPaused",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "bool", "internalType": "bool"}]
  }
]`

const (
	methodCalculateBatches = "calculateFinalizationBatches"
	methodLastRequestID    = "getLastRequestId"
	methodLastFinalizedID  = "getLastFinalizedRequestId"
	methodIsPaused         = "isPaused"
)

// batchesCalculationState mirrors the on-chain tuple. Field names must match
// the ABI component names in camel case for packing and ConvertType.
type batchesCalculationState struct {
	RemainingEthBudget *big.Int
	Finished           bool
	Batches            [model.MaxBatchesLength]*big.Int
	BatchesLength      *big.Int
}

var (
	parsedABI     abi.ABI
	parsedABIErr  error
	parsedABIOnce sync.Once
)

// ABI returns the parsed contract interface.
func ABI() (abi.ABI, error) {
	parsedABIOnce.Do(func() {
		parsedABI, parsedABIErr = abi.JSON(strings.NewReader(withdrawalQueueABI))
	})
	return parsedABI, parsedABIErr
}
