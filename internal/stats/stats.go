package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const (
	FeedDeliveries = "FeedDeliveries"
	FeedFallbacks  = "FeedFallbacks"
	FeedErrors     = "FeedErrors"
	MessagesSent   = "MessagesSent"
	SendFailures   = "SendFailures"
	ReadMarks      = "ReadMarks"
	OpenTimelines  = "OpenTimelines"
	WsClients      = "WsClients"
)

// Metrics lists every counter the sync engine and its host update.
var Metrics = []string{
	FeedDeliveries,
	FeedFallbacks,
	FeedErrors,
	MessagesSent,
	SendFailures,
	ReadMarks,
	OpenTimelines,
	WsClients,
}

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	stop       chan struct{}
	stopOnce   sync.Once
}

type metricsUpdateReq struct {
	name  string
	value int
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a stats updater serving its counters on mux. The
// counters are published to expvar under "chatsync-stats" the first time an
// updater is created.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan *metricsUpdateReq, 512),
		stop:       make(chan struct{}),
		vars:       new(expvar.Map).Init(),
	}
	if mux != nil {
		mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	}
	if expvar.Get("chatsync-stats") == nil {
		expvar.Publish("chatsync-stats", su.vars)
	}
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	for _, name := range Metrics {
		su.RegisterMetric(name)
	}
}

func (su *StatsUpdater) updateMetrics() {
	for {
		select {
		case req := <-su.updateChan:
			metric, ok := su.vars.Get(req.name).(*expvar.Int)
			if !ok {
				continue
			}

			metric.Add(int64(req.value))
		case <-su.stop:
			return
		}
	}
}

// Value returns the current value of a counter.
func (su *StatsUpdater) Value(name string) int64 {
	metric, ok := su.vars.Get(name).(*expvar.Int)
	if !ok {
		return 0
	}
	return metric.Value()
}

func (su *StatsUpdater) Incr(name string) {
	su.queue(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.queue(name, -1)
}

// queue never blocks the caller; updates are dropped while the buffer is full.
func (su *StatsUpdater) queue(name string, value int) {
	select {
	case su.updateChan <- &metricsUpdateReq{name: name, value: value}:
	default:
	}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

// Stop ends the update loop. Updates queued afterwards are dropped once the
// buffer fills.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.stop) })
}
