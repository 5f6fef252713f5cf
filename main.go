package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/lotas/tabzentrale/internal/applog"
	"github.com/lotas/tabzentrale/internal/display"
	"github.com/lotas/tabzentrale/internal/registry"
	"github.com/lotas/tabzentrale/internal/server"
	"github.com/lotas/tabzentrale/internal/storage"
	"github.com/lotas/tabzentrale/internal/tracker"
	"github.com/lotas/tabzentrale/internal/tui"
	"github.com/lotas/tabzentrale/internal/types"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "cache":
			runCache(os.Args[2:])
			return
		case "simulate":
			runSimulate(os.Args[2:])
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}
	// Default: run the coordinator.
	runServe(os.Args[1:])
}

func printHelp() {
	fmt.Print(`tabzentrale — cross-browser tab coordinator

Usage:
  tabzentrale [serve]                                  Run the coordinator (default)
    --port <n>             WebSocket port (default: 48125)
    --db <path>            Database path (default: ~/.local/share/tabzentrale/tabzentrale.db)
    --strategy <name>      Sort strategy: lastActivated, windowGrouped,
                           lastAccessed, lastDeactivated (default: lastActivated)
    --stale-hours <n>      Hours before a disconnected session is swept (default: 24)
    --debounce-ms <n>      Display cache write coalescing window (default: 1000)
    --tui                  Show the live viewer

  tabzentrale cache                                    Print the persisted display cache
    --db <path>            Database path

  tabzentrale simulate                                 Run a scripted browser against the coordinator
    --port <n>             Coordinator port (default: 48125)
    --browser <name>       Browser type to report (default: firefox)
    --tabs <n>             Number of scripted tabs (default: 6)
    --interval <dur>       Delay between scripted activations (default: 2s)

Environment:
  TABZENTRALE_PORT       Default WebSocket port (overridden by --port)
  TABZENTRALE_DB         Default database path (overridden by --db)
  TABZENTRALE_STRATEGY   Default sort strategy (overridden by --strategy)
`)
}

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "tabzentrale")
}

func envPort() int {
	if v := os.Getenv("TABZENTRALE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return server.DefaultPort
}

func envDB() string {
	if v := os.Getenv("TABZENTRALE_DB"); v != "" {
		return v
	}
	path, err := storage.DefaultDBPath()
	if err != nil {
		return filepath.Join(".", "tabzentrale.db")
	}
	return path
}

func envStrategy() string {
	if v := os.Getenv("TABZENTRALE_STRATEGY"); v != "" {
		return v
	}
	return string(types.SortLastActivated)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", envPort(), "WebSocket port")
	dbPath := fs.String("db", envDB(), "Database path")
	strategy := fs.String("strategy", envStrategy(), "Sort strategy")
	staleHours := fs.Int("stale-hours", 24, "Hours before a disconnected session is swept")
	debounceMs := fs.Int("debounce-ms", 1000, "Display cache write coalescing window (ms)")
	useTUI := fs.Bool("tui", false, "Show the live viewer")
	fs.Parse(args)

	if err := applog.Init(defaultDataDir()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: log init failed: %v\n", err)
	}
	defer applog.Close()

	db, err := storage.OpenDB(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	var builder *display.Builder
	var srv *server.Server
	srv = server.New(*port, func(c registry.Change) {
		if builder != nil {
			builder.OnChange(c)
		}
		if c.Kind == registry.ChangeConnected {
			recordSession(db, srv.Registry(), c.SessionKey)
		}
	})

	store := &storage.CacheStore{DB: db}
	builder = display.New(srv.Registry().ActiveSessions,
		types.ParseSortStrategy(*strategy), store,
		time.Duration(*debounceMs)*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Staleness sweep on a coarse schedule, not per-message.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.Registry().CleanupStaleSessions(time.Duration(*staleHours) * time.Hour)
			case <-ctx.Done():
				return
			}
		}
	}()

	if *useTUI {
		viewer := tui.NewViewer(builder, srv.Registry())
		builder.AddSink(viewer)
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				applog.Error("server.stopped", err)
			}
		}()
		if err := viewer.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		builder.Flush()
		return
	}

	// Headless: run until interrupted.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	fmt.Fprintf(os.Stderr, "tabzentrale listening on 127.0.0.1:%d\n", *port)
	if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	builder.Flush()
}

// recordSession persists the connect in the session history.
// Fire-and-forget: a history write must never slow the message path.
func recordSession(db *sql.DB, reg *registry.Registry, sessionKey string) {
	info := reg.Info(sessionKey)
	if info == nil {
		return
	}
	go func() {
		if err := storage.UpsertSessionSeen(db, info.InstanceID, info.BrowserType, info.ExtensionVersion); err != nil {
			applog.Error("history.upsert", err, "session", sessionKey)
		}
	}()
}

func runCache(args []string) {
	fs := flag.NewFlagSet("cache", flag.ExitOnError)
	dbPath := fs.String("db", envDB(), "Database path")
	fs.Parse(args)

	db, err := storage.OpenDB(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	state, savedAt, err := storage.LoadDisplayCache(db, storage.DefaultCacheName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading cache: %v\n", err)
		os.Exit(1)
	}
	if state == nil {
		fmt.Println("No display cache saved yet.")
	} else {
		fmt.Printf("Display cache (%s, saved %s):\n", state.Strategy, savedAt.Format(time.RFC3339))
		for _, t := range state.Tabs {
			title := t.Title
			if title == "" {
				title = t.URL
			}
			fmt.Printf("  %-14s [%s] %s\n", t.ID, t.BrowserType, title)
		}
		if len(state.RecentlyClosed) > 0 {
			fmt.Printf("Recently closed: %d\n", len(state.RecentlyClosed))
		}
	}

	browsers, err := storage.ListKnownBrowsers(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing browsers: %v\n", err)
		os.Exit(1)
	}
	if len(browsers) > 0 {
		fmt.Println("\nKnown browsers:")
		for _, b := range browsers {
			fmt.Printf("  %s %s (%s, %d connects, last seen %s)\n",
				b.InstanceID, b.BrowserType, b.ExtensionVersion,
				b.ConnectCount, b.LastSeen.Format(time.RFC3339))
		}
	}
}

func runSimulate(args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	port := fs.Int("port", envPort(), "Coordinator port")
	browserType := fs.String("browser", "firefox", "Browser type to report")
	tabCount := fs.Int("tabs", 6, "Number of scripted tabs")
	interval := fs.Duration("interval", 2*time.Second, "Delay between scripted activations")
	fs.Parse(args)

	if err := applog.Init(defaultDataDir()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: log init failed: %v\n", err)
	}
	defer applog.Close()

	sim := newSimBrowser(*tabCount)
	tr := tracker.New(sim, *browserType, "sim-0.1")
	sim.tracker = tr

	instanceID, err := tracker.LoadOrCreateInstanceID(
		filepath.Join(defaultDataDir(), "sim-"+*browserType+".id"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating instance id: %v\n", err)
		os.Exit(1)
	}

	url := fmt.Sprintf("ws://127.0.0.1:%d", *port)
	client := tracker.NewClient(url, instanceID, tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	// Scripted user: keep activating random tabs so the coordinator
	// sees a live MRU signal.
	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sim.activateRandom()
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintf(os.Stderr, "Simulating %q with %d tabs against %s (session %s)\n",
		*browserType, *tabCount, url, client.SessionKey())
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// simBrowser is a scripted in-memory tracker.Browser used by the
// simulate subcommand to exercise the full loop without a real browser.
type simBrowser struct {
	tracker *tracker.Tracker

	mu      sync.Mutex
	tabs    []types.BrowserTab
	windows []types.BrowserWindow
	nextID  int
}

func newSimBrowser(tabCount int) *simBrowser {
	s := &simBrowser{nextID: 100}
	s.windows = []types.BrowserWindow{
		{ID: 1, Focused: true, Type: "normal", State: "normal"},
		{ID: 2, Type: "normal", State: "normal"},
	}
	now := time.Now().UnixMilli()
	for i := 0; i < tabCount; i++ {
		windowID := 1
		if i%3 == 2 {
			windowID = 2
		}
		s.tabs = append(s.tabs, types.BrowserTab{
			ID:           s.nextID,
			WindowID:     windowID,
			Index:        i,
			URL:          fmt.Sprintf("https://example.com/page/%d", i),
			Title:        fmt.Sprintf("Example page %d", i),
			Active:       i == 0,
			LastAccessed: now - int64(i)*60_000,
		})
		s.nextID++
	}
	return s
}

func (s *simBrowser) activateRandom() {
	s.mu.Lock()
	if len(s.tabs) == 0 {
		s.mu.Unlock()
		return
	}
	tab := s.tabs[rand.Intn(len(s.tabs))]
	for i := range s.tabs {
		s.tabs[i].Active = s.tabs[i].ID == tab.ID
	}
	s.mu.Unlock()
	s.tracker.OnTabActivated(tab.ID, tab.WindowID)
}

func (s *simBrowser) Tabs(ctx context.Context) ([]types.BrowserTab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.BrowserTab(nil), s.tabs...), nil
}

func (s *simBrowser) Windows(ctx context.Context) ([]types.BrowserWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.BrowserWindow(nil), s.windows...), nil
}

func (s *simBrowser) ActivateTab(ctx context.Context, tabID, windowID int) error {
	s.mu.Lock()
	found := false
	for i := range s.tabs {
		if s.tabs[i].ID == tabID {
			found = true
		}
		s.tabs[i].Active = s.tabs[i].ID == tabID
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("no tab %d", tabID)
	}
	s.tracker.OnTabActivated(tabID, windowID)
	return nil
}

func (s *simBrowser) CloseTab(ctx context.Context, tabID int) error {
	s.mu.Lock()
	found := false
	for i, t := range s.tabs {
		if t.ID == tabID {
			s.tabs = append(s.tabs[:i], s.tabs[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("no tab %d", tabID)
	}
	s.tracker.OnTabRemoved(tabID)
	return nil
}

func (s *simBrowser) MoveTab(ctx context.Context, tabID, newIndex, targetWindowID int) error {
	s.mu.Lock()
	var moved *types.BrowserTab
	for i := range s.tabs {
		if s.tabs[i].ID == tabID {
			s.tabs[i].Index = newIndex
			if targetWindowID != 0 {
				s.tabs[i].WindowID = targetWindowID
			}
			cp := s.tabs[i]
			moved = &cp
			break
		}
	}
	s.mu.Unlock()
	if moved == nil {
		return fmt.Errorf("no tab %d", tabID)
	}
	s.tracker.OnTabUpdated(*moved)
	return nil
}

func (s *simBrowser) CreateWindow(ctx context.Context, urls []string) error {
	s.mu.Lock()
	windowID := len(s.windows) + 1
	s.windows = append(s.windows, types.BrowserWindow{ID: windowID, Type: "normal", State: "normal"})
	var created []types.BrowserTab
	for i, u := range urls {
		tab := types.BrowserTab{
			ID:           s.nextID,
			WindowID:     windowID,
			Index:        i,
			URL:          u,
			LastAccessed: time.Now().UnixMilli(),
		}
		s.nextID++
		s.tabs = append(s.tabs, tab)
		created = append(created, tab)
	}
	window := s.windows[len(s.windows)-1]
	s.mu.Unlock()

	s.tracker.OnWindowCreated(window)
	for _, tab := range created {
		s.tracker.OnTabCreated(tab)
	}
	return nil
}
