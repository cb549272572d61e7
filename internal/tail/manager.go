package tail

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"jeeves/internal/bus"
	"jeeves/internal/logging"
)

// DefaultInterval is the poll cadence. The contract allows 100-250ms.
const DefaultInterval = 150 * time.Millisecond

// busSink adapts the event bus to SDKSink for one source (canonical or a
// worker task).
type busSink struct {
	bus    *bus.Bus
	taskID string // empty for canonical
}

func (s busSink) event(name string) string {
	if s.taskID == "" {
		return name
	}
	return bus.WorkerSDKEvent(name)
}

func (s busSink) tagged(data map[string]any) map[string]any {
	if s.taskID != "" {
		data["taskId"] = s.taskID
	}
	return data
}

func (s busSink) SDKInit(data map[string]any) {
	s.bus.Publish(s.event(bus.EventSDKInit), s.tagged(data))
}

func (s busSink) SDKMessage(raw json.RawMessage) {
	data := map[string]any{"message": raw}
	s.bus.Publish(s.event(bus.EventSDKMessage), s.tagged(data))
}

func (s busSink) SDKToolStart(data map[string]any) {
	s.bus.Publish(s.event(bus.EventSDKToolStart), s.tagged(data))
}

func (s busSink) SDKToolComplete(data map[string]any) {
	s.bus.Publish(s.event(bus.EventSDKToolDone), s.tagged(data))
}

func (s busSink) SDKComplete(data map[string]any) {
	s.bus.Publish(s.event(bus.EventSDKComplete), s.tagged(data))
}

// pair couples the two tailers of one state directory.
type pair struct {
	taskID   string
	log      *LogTailer
	sdk      *SDKTailer
	draining bool
}

// Manager drives the canonical tailer pair and one pair per active worker.
// Reconcile adds pairs for new worker IDs and marks disappeared IDs as
// draining; a draining pair gets one more poll cycle to deliver trailing
// output before removal.
type Manager struct {
	bus      *bus.Bus
	logger   logging.Logger
	interval time.Duration

	mu        sync.Mutex
	canonical *pair
	workers   map[string]*pair
	workerDir func(taskID string) string
}

// NewManager creates a tailer manager. workerDir maps a task ID to its
// worker state directory.
func NewManager(b *bus.Bus, canonicalDir string, workerDir func(taskID string) string, logger logging.Logger) *Manager {
	m := &Manager{
		bus:       b,
		logger:    logging.OrNop(logger),
		interval:  DefaultInterval,
		workers:   make(map[string]*pair),
		workerDir: workerDir,
	}
	m.canonical = m.newPair("", canonicalDir)
	return m
}

// SetInterval overrides the poll cadence (tests).
func (m *Manager) SetInterval(d time.Duration) { m.interval = d }

func (m *Manager) newPair(taskID, dir string) *pair {
	sink := busSink{bus: m.bus, taskID: taskID}
	return &pair{
		taskID: taskID,
		log:    NewLogTailer(filepath.Join(dir, "last-run.log")),
		sdk:    NewSDKTailer(filepath.Join(dir, "sdk-output.json"), sink),
	}
}

// Reconcile updates the worker pair set against the currently active task
// IDs.
func (m *Manager) Reconcile(activeTaskIDs []string) {
	active := make(map[string]bool, len(activeTaskIDs))
	for _, id := range activeTaskIDs {
		active[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range activeTaskIDs {
		p, ok := m.workers[id]
		if !ok {
			m.workers[id] = m.newPair(id, m.workerDir(id))
			m.logger.Debug("tailer added for worker %s", id)
			continue
		}
		// Reactivated before the drain cycle ran; keep the pair live.
		p.draining = false
	}
	for id, p := range m.workers {
		if !active[id] {
			p.draining = true
		}
	}
}

// PollOnce polls every pair once and prunes drained pairs.
func (m *Manager) PollOnce() {
	m.mu.Lock()
	pairs := make([]*pair, 0, 1+len(m.workers))
	pairs = append(pairs, m.canonical)
	for _, p := range m.workers {
		pairs = append(pairs, p)
	}
	m.mu.Unlock()

	for _, p := range pairs {
		m.pollPair(p)
	}

	m.mu.Lock()
	for id, p := range m.workers {
		if p.draining {
			delete(m.workers, id)
			m.logger.Debug("tailer drained for worker %s", id)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) pollPair(p *pair) {
	lines, err := p.log.Poll()
	if err != nil {
		m.logger.Warn("log tail %s: %v", p.taskID, err)
	}
	if len(lines) > 0 {
		if p.taskID == "" {
			m.bus.PublishLogs(bus.EventLogs, bus.LogsData{Lines: lines, Source: "agent"})
		} else {
			m.bus.PublishLogs(bus.EventWorkerLogs, bus.LogsData{Lines: lines, Source: "agent", TaskID: p.taskID})
		}
	}
	if err := p.sdk.Poll(); err != nil {
		m.logger.Warn("sdk tail %s: %v", p.taskID, err)
	}
}

// Run polls until ctx is done. fsnotify wake-ups on the canonical directory
// shorten latency between ticks when available.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var wake chan struct{}
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		dir := filepath.Dir(m.canonical.log.path)
		if err := watcher.Add(dir); err == nil {
			wake = make(chan struct{}, 1)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case _, ok := <-watcher.Events:
						if !ok {
							return
						}
						select {
						case wake <- struct{}{}:
						default:
						}
					case _, ok := <-watcher.Errors:
						if !ok {
							return
						}
					}
				}
			}()
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Final cycle delivers trailing output.
			m.PollOnce()
			return
		case <-ticker.C:
			m.PollOnce()
		case <-wake:
			m.PollOnce()
		}
	}
}
