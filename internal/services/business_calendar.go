package services

import (
	"fmt"
	"sort"
	"time"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/models"
)

// ErrEmptyCalendar 日历一周内没有任何营业时段
var ErrEmptyCalendar = fmt.Errorf("business calendar has no operational time")

// 最长向前查找天数，超过视为配置错误（避免死循环）
const maxCalendarLookaheadDays = 366

type calendarWindow struct {
	startMin int // minutes from midnight
	endMin   int
}

// Calendar 营业日历：根据每周时段和节假日判断某一时刻是否营业。
// 所有比较在日历时区内进行，输入输出均为 UTC 无关的 time.Time。
type Calendar struct {
	loc      *time.Location
	windows  map[time.Weekday][]calendarWindow
	holidays map[string]bool // "2006-01-02" in calendar timezone
}

// NewCalendar 从配置构建日历。时段格式 "15:04"；一周营业分钟数为零时返回 ErrEmptyCalendar。
func NewCalendar(cfg *models.BusinessCalendar) (*Calendar, error) {
	if cfg == nil {
		return nil, fmt.Errorf("calendar config is nil")
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid calendar timezone %q: %w", cfg.Timezone, err)
		}
	}

	cal := &Calendar{
		loc:      loc,
		windows:  make(map[time.Weekday][]calendarWindow),
		holidays: make(map[string]bool),
	}

	totalMinutes := 0
	for _, w := range cfg.Windows {
		if w.Weekday < 0 || w.Weekday > 6 {
			return nil, fmt.Errorf("invalid weekday %d in calendar window", w.Weekday)
		}
		start, err := parseClock(w.StartTime)
		if err != nil {
			return nil, fmt.Errorf("invalid window start %q: %w", w.StartTime, err)
		}
		end, err := parseClock(w.EndTime)
		if err != nil {
			return nil, fmt.Errorf("invalid window end %q: %w", w.EndTime, err)
		}
		if end <= start {
			return nil, fmt.Errorf("calendar window end %q not after start %q", w.EndTime, w.StartTime)
		}
		day := time.Weekday(w.Weekday)
		cal.windows[day] = append(cal.windows[day], calendarWindow{startMin: start, endMin: end})
		totalMinutes += end - start
	}
	if totalMinutes == 0 {
		return nil, ErrEmptyCalendar
	}

	for day := range cal.windows {
		ws := cal.windows[day]
		sort.Slice(ws, func(i, j int) bool { return ws[i].startMin < ws[j].startMin })
		cal.windows[day] = ws
	}

	for _, h := range cfg.Holidays {
		cal.holidays[h.Date.In(loc).Format("2006-01-02")] = true
	}

	return cal, nil
}

// parseClock converts "15:04" to minutes from midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (c *Calendar) isHoliday(t time.Time) bool {
	return c.holidays[t.In(c.loc).Format("2006-01-02")]
}

// IsOperational 判断时刻 t 是否落在营业时段内
func (c *Calendar) IsOperational(t time.Time) bool {
	lt := t.In(c.loc)
	if c.isHoliday(lt) {
		return false
	}
	minute := lt.Hour()*60 + lt.Minute()
	for _, w := range c.windows[lt.Weekday()] {
		if minute >= w.startMin && minute < w.endMin {
			return true
		}
	}
	return false
}

// NextOperationalInstant 返回不早于 t 的最近营业时刻
func (c *Calendar) NextOperationalInstant(t time.Time) (time.Time, error) {
	lt := t.In(c.loc)
	dayStart := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)

	for i := 0; i <= maxCalendarLookaheadDays; i++ {
		day := dayStart.AddDate(0, 0, i)
		if c.isHoliday(day) {
			continue
		}
		for _, w := range c.windows[day.Weekday()] {
			start := day.Add(time.Duration(w.startMin) * time.Minute)
			end := day.Add(time.Duration(w.endMin) * time.Minute)
			if !lt.Before(end) {
				continue
			}
			if lt.After(start) {
				return lt, nil
			}
			return start, nil
		}
	}
	return time.Time{}, ErrEmptyCalendar
}

// windowEnd 返回包含营业时刻 t 的时段的结束时刻。t 必须营业。
func (c *Calendar) windowEnd(t time.Time) (time.Time, bool) {
	lt := t.In(c.loc)
	minute := lt.Hour()*60 + lt.Minute()
	day := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
	for _, w := range c.windows[lt.Weekday()] {
		if minute >= w.startMin && minute < w.endMin {
			return day.Add(time.Duration(w.endMin) * time.Minute), true
		}
	}
	return time.Time{}, false
}
