package tui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"key-relay/config"
	"key-relay/internal/credential"
	"key-relay/internal/middleware"
)

// TUIApp 终端监控界面
// 顶部显示运行状态，中部为凭证池表格，底部滚动显示日志
type TUIApp struct {
	app        *tview.Application
	config     *config.Config
	pool       *credential.Pool
	monitoring *middleware.MonitoringMiddleware
	startTime  time.Time
	configPath string

	header    *tview.TextView
	credTable *tview.Table
	logView   *tview.TextView

	stopChan chan struct{}
}

// NewTUIApp 创建TUI监控界面
func NewTUIApp(cfg *config.Config, pool *credential.Pool, monitoring *middleware.MonitoringMiddleware,
	startTime time.Time, configPath string) *TUIApp {

	t := &TUIApp{
		app:        tview.NewApplication(),
		config:     cfg,
		pool:       pool,
		monitoring: monitoring,
		startTime:  startTime,
		configPath: configPath,
		stopChan:   make(chan struct{}),
	}

	t.header = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	t.header.SetBorder(true).SetTitle(" Key Relay ")

	t.credTable = tview.NewTable().
		SetBorders(false).
		SetFixed(1, 0)
	t.credTable.SetBorder(true).SetTitle(" 凭证池 ")

	t.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetMaxLines(500).
		SetChangedFunc(func() {
			t.app.Draw()
		})
	t.logView.SetBorder(true).SetTitle(" 日志 ")

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(t.header, 4, 0, false).
		AddItem(t.credTable, 0, 2, false).
		AddItem(t.logView, 0, 3, false)

	t.app.SetRoot(layout, true)
	t.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC || event.Rune() == 'q' {
			t.Stop()
			return nil
		}
		return event
	})

	return t
}

// Run 启动TUI主循环，阻塞直到界面退出
func (t *TUIApp) Run() error {
	go t.refreshLoop()
	return t.app.Run()
}

// Stop 停止TUI
func (t *TUIApp) Stop() {
	select {
	case <-t.stopChan:
	default:
		close(t.stopChan)
	}
	t.app.Stop()
}

// UpdateConfig 配置热更新时刷新引用
func (t *TUIApp) UpdateConfig(newConfig *config.Config) {
	t.config = newConfig
}

// Write 实现io.Writer，供日志处理器把日志写入TUI
func (t *TUIApp) Write(p []byte) (int, error) {
	return t.logView.Write(p)
}

// refreshLoop 按配置的间隔刷新状态展示
func (t *TUIApp) refreshLoop() {
	interval := t.config.TUI.UpdateInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.refresh()
	for {
		select {
		case <-ticker.C:
			t.app.QueueUpdateDraw(func() {
				t.refresh()
			})
		case <-t.stopChan:
			return
		}
	}
}

// refresh 重绘状态头和凭证池表格
func (t *TUIApp) refresh() {
	busy, total := t.pool.Counts()

	var stats middleware.RequestStats
	if t.monitoring != nil {
		stats = t.monitoring.GetStats()
	}

	t.header.SetText(fmt.Sprintf(
		"[green]运行时长:[white] %s    [green]配置:[white] %s\n"+
			"[green]请求:[white] %d (成功 %d / 失败 %d)    [green]凭证:[white] %d/%d 占用    [green]平均耗时:[white] %.1fms",
		time.Since(t.startTime).Round(time.Second),
		t.configPath,
		stats.TotalRequests, stats.SuccessRequests, stats.FailedRequests,
		busy, total,
		stats.AvgResponseTimeMs,
	))

	headers := []string{"令牌", "状态", "错误计数", "冷却剩余", "主层级已试", "降级层级已试", "最后使用"}
	for col, h := range headers {
		t.credTable.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false))
	}

	for row, s := range t.pool.Snapshot() {
		state := "[green]可用"
		if !s.Available {
			state = "[red]占用/冷却"
		}

		cooldown := "-"
		if s.CooldownRemaining > 0 {
			cooldown = s.CooldownRemaining.Round(time.Second).String()
		}

		lastUsed := "-"
		if !s.LastUsedAt.IsZero() {
			lastUsed = s.LastUsedAt.Format("15:04:05")
		}

		cells := []string{
			s.Token,
			state,
			fmt.Sprintf("%d", s.ErrorCount),
			cooldown,
			boolMark(s.TriedPrimary),
			boolMark(s.TriedFallback),
			lastUsed,
		}
		for col, text := range cells {
			t.credTable.SetCell(row+1, col, tview.NewTableCell(text))
		}
	}
}

func boolMark(b bool) string {
	if b {
		return "✓"
	}
	return ""
}
