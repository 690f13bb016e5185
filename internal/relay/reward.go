package relay

import (
	"crypto/rand"
	"math"
	"math/big"
	mrand "math/rand"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultMiningContract 是默认的挖矿合约地址。
const DefaultMiningContract = "0x54c731627f2d2b55267b53e604c869ab8e6a323b"

// MiningGasLimit 是 mineBlock 调用的固定 gas 上限。
const MiningGasLimit = 200_000

const miningABIJSON = `[{"type":"function","name":"mineBlock","stateMutability":"nonpayable","inputs":[{"name":"nonce","type":"uint256"},{"name":"solution","type":"bytes32"}],"outputs":[]}]`

var miningABI = mustParseABI(miningABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// maxMiningNonce 是随机 nonce 的上界（不含）。
const maxMiningNonce = 1_000_000_000_000

// MiningCall 是一次 mineBlock 调用的参数。
type MiningCall struct {
	Nonce    uint64
	Solution common.Hash
}

// NewMiningCall 随机生成 nonce 与 32 字节 solution。
func NewMiningCall() (MiningCall, error) {
	var solution common.Hash
	if _, err := rand.Read(solution[:]); err != nil {
		return MiningCall{}, err
	}
	return MiningCall{Nonce: uint64(mrand.Int63n(maxMiningNonce)), Solution: solution}, nil
}

// Calldata 返回 ABI 编码后的调用数据。
func (c MiningCall) Calldata() ([]byte, error) {
	return miningABI.Pack("mineBlock", new(big.Int).SetUint64(c.Nonce), [32]byte(c.Solution))
}

// RewardFunc 为一次挖矿抽取奖励（wei），返回零表示没有奖励。
type RewardFunc func() *big.Int

// microEther 是奖励精度：6 位小数。
var microEther = big.NewInt(1_000_000_000_000)

// DrawReward 按固定分布抽取奖励：25% 概率 0.001–0.004，10% 概率 0.0005–0.0025，其余为零。
func DrawReward() *big.Int {
	return drawReward(mrand.Float64)
}

func drawReward(float func() float64) *big.Int {
	roll := float()
	var reward float64
	switch {
	case roll < 0.25:
		reward = float()*0.003 + 0.001
	case roll < 0.35:
		reward = float()*0.002 + 0.0005
	default:
		return new(big.Int)
	}
	micro := int64(math.Round(reward * 1e6))
	return new(big.Int).Mul(big.NewInt(micro), microEther)
}
