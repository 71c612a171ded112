package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20JSON = `[
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// graduatedTokenJSON is the constructor of the post-graduation token. The
// deployer mints every allocation to the treasury.
const graduatedTokenJSON = `[
 {"type":"constructor","stateMutability":"nonpayable","inputs":[
  {"name":"name_","type":"string"},
  {"name":"symbol_","type":"string"},
  {"name":"holderAllocation","type":"uint256"},
  {"name":"lpReserve","type":"uint256"},
  {"name":"platformAllocation","type":"uint256"},
  {"name":"treasury","type":"address"}]}
]`

const v2RouterJSON = `[
 {"type":"function","name":"addLiquidity","stateMutability":"nonpayable","inputs":[
  {"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"},
  {"name":"amountADesired","type":"uint256"},{"name":"amountBDesired","type":"uint256"},
  {"name":"amountAMin","type":"uint256"},{"name":"amountBMin","type":"uint256"},
  {"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"amountA","type":"uint256"},{"name":"amountB","type":"uint256"},{"name":"liquidity","type":"uint256"}]}
]`

const v2FactoryJSON = `[
 {"type":"function","name":"getPair","stateMutability":"view","inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"}],"outputs":[{"name":"pair","type":"address"}]}
]`

const lpLockerJSON = `[
 {"type":"function","name":"lock","stateMutability":"nonpayable","inputs":[{"name":"lpToken","type":"address"},{"name":"amount","type":"uint256"},{"name":"unlockTime","type":"uint256"}],"outputs":[{"name":"lockId","type":"uint256"}]}
]`

const v3QuoterJSON = `[
 {"type":"function","name":"quoteExactInputSingle","stateMutability":"nonpayable","inputs":[
  {"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},
  {"name":"amountIn","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}],
  "outputs":[{"name":"amountOut","type":"uint256"}]}
]`

const v3RouterJSON = `[
 {"type":"function","name":"exactInputSingle","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[
  {"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},
  {"name":"recipient","type":"address"},{"name":"deadline","type":"uint256"},{"name":"amountIn","type":"uint256"},
  {"name":"amountOutMinimum","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}]}],
  "outputs":[{"name":"amountOut","type":"uint256"}]}
]`

var (
	ERC20ABI          = mustABI(erc20JSON)
	GraduatedTokenABI = mustABI(graduatedTokenJSON)
	V2RouterABI       = mustABI(v2RouterJSON)
	V2FactoryABI      = mustABI(v2FactoryJSON)
	LPLockerABI       = mustABI(lpLockerJSON)
	V3QuoterABI       = mustABI(v3QuoterJSON)
	V3RouterABI       = mustABI(v3RouterJSON)
)

// ExactInputSingleParams mirrors the SwapRouter tuple argument.
type ExactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("evm: parse abi: %v", err))
	}
	return parsed
}

// UnpackBigInt decodes a single uint256 return value.
func UnpackBigInt(a abi.ABI, method string, data []byte) (*big.Int, error) {
	out, err := a.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("evm: unpack %s: empty result", method)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: unpack %s: unexpected type %T", method, out[0])
	}
	return v, nil
}
