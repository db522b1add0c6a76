package billing

import (
	"context"
	"sort"
	"time"
)

// UsageEvent 记录一次计费响应：哪个 token、交付了多少字节。
type UsageEvent struct {
	Token string
	Bytes int64
	At    time.Time
}

// Charge 是一个窗口内单个 token 的汇总扣减量。
type Charge struct {
	Token string
	Bytes int64
}

// Writer 把一批汇总扣减写入余额存储；实现应尽量用一次往返完成整批写入。
type Writer interface {
	DeductBalances(ctx context.Context, charges []Charge) error
}

// Coalesce 按 token 汇总字节数，结果按 token 排序，便于日志与测试比对。
func Coalesce(events []UsageEvent) []Charge {
	if len(events) == 0 {
		return nil
	}
	sums := make(map[string]int64, len(events))
	for _, e := range events {
		sums[e.Token] += e.Bytes
	}
	charges := make([]Charge, 0, len(sums))
	for token, total := range sums {
		charges = append(charges, Charge{Token: token, Bytes: total})
	}
	sort.Slice(charges, func(i, j int) bool { return charges[i].Token < charges[j].Token })
	return charges
}
