//go:build !linux

package census

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

func startTime(ctx context.Context, p *process.Process) time.Time {
	return createTime(ctx, p)
}
