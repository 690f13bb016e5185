package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"Relay-Faucet/sdk/go/relayfaucet"
)

// 示例：为地址挖矿若干次，等待结算后领取奖励。
func main() {
	baseURL := flag.String("url", envOr("RELAYD_URL", "http://localhost:4000"), "relayd 地址")
	address := flag.String("address", "", "用户地址")
	rounds := flag.Int("rounds", 3, "挖矿次数")
	settle := flag.Duration("settle", 30*time.Second, "领取前等待结算的时长")
	flag.Parse()

	if *address == "" {
		log.Fatal("必须指定 -address")
	}

	client, err := relayfaucet.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	status, err := client.Status(ctx)
	if err != nil {
		log.Fatalf("查询状态失败: %v", err)
	}
	fmt.Printf("relayer %s balance=%s block=%d pool=%d/%d\n",
		status.RelayerAddress, status.Balance, status.BlockNumber, status.Pool.Available, status.Pool.Size)

	for i := 0; i < *rounds; i++ {
		res, err := client.Mine(ctx, *address)
		var apiErr *relayfaucet.APIError
		if errors.As(err, &apiErr) && apiErr.Temporary() {
			fmt.Printf("mine #%d 暂时失败: %v\n", i+1, apiErr)
			time.Sleep(5 * time.Second)
			continue
		}
		if err != nil {
			log.Fatalf("mine 失败: %v", err)
		}
		fmt.Printf("mine #%d tx=%s wallet=%s reward=%s\n", i+1, res.TxHash, res.From, res.Reward)
	}

	time.Sleep(*settle)

	claimable, err := client.Claimable(ctx, *address)
	if errors.Is(err, relayfaucet.ErrNothingToClaim) {
		fmt.Println("暂无可领取的奖励")
		return
	}
	if err != nil {
		log.Fatalf("查询可领取余额失败: %v", err)
	}
	fmt.Printf("claimable %s from %d minings\n", claimable.Amount, claimable.Minings)

	claim, err := client.Claim(ctx, *address)
	if err != nil {
		log.Fatalf("领取失败: %v", err)
	}
	fmt.Printf("claimed %s tx=%s\n", claim.Amount, claim.TxHash)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
