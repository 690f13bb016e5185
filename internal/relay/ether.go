package relay

import (
	"math/big"
	"strings"

	xerrors "Relay-Faucet/internal/errors"

	"github.com/ethereum/go-ethereum/params"
)

var weiPerEther = big.NewInt(params.Ether)

// ParseEther 将十进制 ether 字符串转换为 wei，最多 18 位小数。
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额不能为空")
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok || strings.ContainsAny(s, "eE/") {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额格式不合法", xerrors.WithMetadata("amount", s))
	}
	if r.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额不能为负数", xerrors.WithMetadata("amount", s))
	}
	r.Mul(r, new(big.Rat).SetInt(weiPerEther))
	if !r.IsInt() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额精度超过 18 位小数", xerrors.WithMetadata("amount", s))
	}
	return new(big.Int).Set(r.Num()), nil
}

// FormatEther 将 wei 格式化为 ether 字符串，整数部分后至少保留一位小数。
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0.0"
	}
	sign := ""
	v := new(big.Int).Set(wei)
	if v.Sign() < 0 {
		sign = "-"
		v.Neg(v)
	}
	whole, frac := new(big.Int).QuoRem(v, weiPerEther, new(big.Int))
	fracStr := strings.TrimRight(leftPad(frac.String(), 18), "0")
	if fracStr == "" {
		fracStr = "0"
	}
	return sign + whole.String() + "." + fracStr
}

func leftPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
