package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"
	"github.com/heimdex/gifmaker/internal/catalog"
)

const refreshInterval = 5 * time.Second

type Tray struct {
	sessions catalog.SessionService
	janitor  *catalog.Janitor
	apiURL   string
	logger   *slog.Logger

	statusItem   *systray.MenuItem
	sessionsItem *systray.MenuItem
	pauseItem    *systray.MenuItem

	mu sync.Mutex

	onCloseAll func()
	onQuit     func()
}

type TrayConfig struct {
	SessionService catalog.SessionService
	Janitor        *catalog.Janitor
	APIURL         string
	Logger         *slog.Logger
	OnCloseAll     func()
	OnQuit         func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		sessions:   cfg.SessionService,
		janitor:    cfg.Janitor,
		apiURL:     cfg.APIURL,
		logger:     cfg.Logger,
		onCloseAll: cfg.OnCloseAll,
		onQuit:     cfg.OnQuit,
	}
}

func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes())
	systray.SetTitle("GIF")
	systray.SetTooltip("gifmaker " + t.apiURL)

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current status")
	t.statusItem.Disable()

	t.sessionsItem = systray.AddMenuItem("Open videos: 0", "Videos currently loaded")
	t.sessionsItem.Disable()

	systray.AddSeparator()

	t.pauseItem = systray.AddMenuItem("Keep Videos Open", "Stop closing idle videos")
	closeAllItem := systray.AddMenuItem("Close All Videos", "Close every open video and discard its GIFs")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit gifmaker")

	ctx, cancel := context.WithCancel(context.Background())
	go t.refreshLoop(ctx)

	go func() {
		defer cancel()
		for {
			select {
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-closeAllItem.ClickedCh:
				if t.onCloseAll != nil {
					t.onCloseAll()
				}
				t.refresh()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	t.refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refresh()
		}
	}
}

func (t *Tray) refresh() {
	if t.sessions == nil {
		return
	}
	t.UpdateOpenCount(t.sessions.OpenCount())
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.janitor == nil {
		return
	}

	if t.janitor.IsPaused() {
		t.janitor.Resume()
		t.pauseItem.SetTitle("Keep Videos Open")
		t.statusItem.SetTitle("Status: Idle")
	} else {
		t.janitor.Pause()
		t.pauseItem.SetTitle("Close Idle Videos")
		t.statusItem.SetTitle("Status: Keeping videos open")
	}
}

func (t *Tray) UpdateStatus(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.janitor != nil && t.janitor.IsPaused() {
		return
	}
	t.statusItem.SetTitle("Status: " + status)
}

func (t *Tray) UpdateOpenCount(count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionsItem.SetTitle(fmt.Sprintf("Open videos: %d", count))
}

func (t *Tray) Quit() {
	systray.Quit()
}
