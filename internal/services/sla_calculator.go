package services

import (
	"fmt"
	"time"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/models"
)

// 窗口跳跃次数上限；正常配置远低于此，超过视为日历配置错误
const maxDueDateWindowJumps = 8192

// resolutionMinutes normalizes an SLA resolution time to total minutes.
func resolutionMinutes(sla *models.SLADefinition) int {
	return sla.ResolutionDays*24*60 + sla.ResolutionHours*60 + sla.ResolutionMinutes
}

// offsetDuration normalizes an escalation level offset to a duration.
func offsetDuration(level *models.EscalationLevel) time.Duration {
	minutes := level.OffsetDays*24*60 + level.OffsetHours*60 + level.OffsetMinutes
	return time.Duration(minutes) * time.Minute
}

// CalculateDueDate 计算 SLA 截止时刻。
//
// 非营业时间模式下为纯时刻加法。营业时间模式下按营业时段逐窗口消耗时长，
// 非营业区间整段跳过（跳到窗口边界，不逐分钟推进）。
// 零时长时：起点营业则截止即起点，否则为下一个营业时刻。
func CalculateDueDate(start time.Time, minutes int, operationalOnly bool, cal *Calendar) (time.Time, error) {
	if minutes < 0 {
		return time.Time{}, fmt.Errorf("malformed SLA duration: %d minutes", minutes)
	}

	if !operationalOnly {
		return start.Add(time.Duration(minutes) * time.Minute), nil
	}
	if cal == nil {
		return time.Time{}, fmt.Errorf("operational-hours SLA requires a business calendar")
	}

	remaining := time.Duration(minutes) * time.Minute
	cur := start
	for i := 0; i < maxDueDateWindowJumps; i++ {
		next, err := cal.NextOperationalInstant(cur)
		if err != nil {
			return time.Time{}, err
		}
		cur = next
		if remaining == 0 {
			return cur, nil
		}

		end, ok := cal.windowEnd(cur)
		if !ok {
			// NextOperationalInstant guarantees cur is inside a window
			return time.Time{}, fmt.Errorf("calendar window lookup failed at %s", cur)
		}
		available := end.Sub(cur)
		if available >= remaining {
			return cur.Add(remaining), nil
		}
		remaining -= available
		cur = end
	}
	return time.Time{}, fmt.Errorf("due date calculation exceeded %d calendar windows", maxDueDateWindowJumps)
}
