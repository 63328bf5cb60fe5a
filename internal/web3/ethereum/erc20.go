package ethereum

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
  {"name":"transfer","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}()

// PackTransfer encodes an ERC-20 transfer(to, amount) call.
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("转账金额必须为正数")
	}
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("编码 transfer 调用失败: %w", err)
	}
	return data, nil
}

// PackBalanceOf encodes an ERC-20 balanceOf(account) call.
func PackBalanceOf(owner common.Address) ([]byte, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 调用失败: %w", err)
	}
	return data, nil
}

// UnpackBalance decodes the return data of balanceOf.
func UnpackBalance(output []byte) (*big.Int, error) {
	values, err := erc20ABI.Unpack("balanceOf", output)
	if err != nil {
		return nil, fmt.Errorf("解析 balanceOf 返回值失败: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("balanceOf 返回值数量异常: %d", len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf 返回值类型异常: %T", values[0])
	}
	return balance, nil
}
