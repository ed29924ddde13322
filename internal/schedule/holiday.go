package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// HolidayCalendar decides whether a schedule firing on day is skipped.
type HolidayCalendar interface {
	IsHoliday(ctx context.Context, day time.Time) (bool, error)
}

// StaticCalendar holds fixed dates ("2006-01-02") and yearly dates ("01-02").
type StaticCalendar struct {
	dates  map[string]bool
	yearly map[string]bool
}

// NewStaticCalendar parses the configured holiday list.
func NewStaticCalendar(days []string) (*StaticCalendar, error) {
	c := &StaticCalendar{dates: make(map[string]bool), yearly: make(map[string]bool)}
	for _, d := range days {
		if _, err := time.Parse("2006-01-02", d); err == nil {
			c.dates[d] = true
			continue
		}
		if _, err := time.Parse("01-02", d); err == nil {
			c.yearly[d] = true
			continue
		}
		return nil, fmt.Errorf("holiday %q: want YYYY-MM-DD or MM-DD", d)
	}
	return c, nil
}

func (c *StaticCalendar) IsHoliday(_ context.Context, day time.Time) (bool, error) {
	return c.dates[day.Format("2006-01-02")] || c.yearly[day.Format("01-02")], nil
}

// LuaCalendar evaluates a script defining is_holiday(year, month, day, weekday).
// Weekday is 0 for Sunday. The VM is sandboxed and calls are serialized.
type LuaCalendar struct {
	mu      sync.Mutex
	L       *lua.LState
	fn      *lua.LFunction
	timeout time.Duration
}

// NewLuaCalendarFile loads a calendar script from disk.
func NewLuaCalendarFile(path string, logger *slog.Logger) (*LuaCalendar, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read holiday script: %w", err)
	}
	return NewLuaCalendar(string(code), logger)
}

// NewLuaCalendar compiles code and resolves its is_holiday function.
func NewLuaCalendar(code string, logger *slog.Logger) (*LuaCalendar, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// Sandbox: remove dangerous modules
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		logger.Info("holiday script", "msg", L.CheckString(1))
		return 0
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	L.SetContext(ctx)
	if err := L.DoString(code); err != nil {
		L.Close()
		return nil, fmt.Errorf("load holiday script: %w", err)
	}
	L.RemoveContext()

	fn, ok := L.GetGlobal("is_holiday").(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("holiday script does not define is_holiday")
	}
	return &LuaCalendar{L: L, fn: fn, timeout: time.Second}, nil
}

func (c *LuaCalendar) IsHoliday(ctx context.Context, day time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	c.L.SetContext(ctx)
	defer c.L.RemoveContext()

	err := c.L.CallByParam(lua.P{Fn: c.fn, NRet: 1, Protect: true},
		lua.LNumber(day.Year()), lua.LNumber(day.Month()), lua.LNumber(day.Day()), lua.LNumber(day.Weekday()))
	if err != nil {
		return false, fmt.Errorf("is_holiday: %w", err)
	}
	ret := c.L.Get(-1)
	c.L.Pop(1)
	return lua.LVAsBool(ret), nil
}

// Close releases the Lua VM.
func (c *LuaCalendar) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.L.Close()
}

// AnyCalendar reports a holiday when any member does. A failing member is
// skipped if another member already answered yes.
type AnyCalendar []HolidayCalendar

func (a AnyCalendar) IsHoliday(ctx context.Context, day time.Time) (bool, error) {
	var firstErr error
	for _, c := range a {
		ok, err := c.IsHoliday(ctx, day)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}
