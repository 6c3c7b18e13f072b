package census

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

func createTime(ctx context.Context, p *process.Process) time.Time {
	ms, err := p.CreateTimeWithContext(ctx)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
