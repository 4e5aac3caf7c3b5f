// Package replay provides a player that replays a single query through a
// pipeline in simulated time.
package replay

import (
	"fmt"
	"sort"

	"github.com/sarchlab/pipeperf/pipeline"
	"gitlab.com/akita/akita/v3/sim"
)

// A stageCompletionEvent is triggered when a stage finishes serving the
// query on one route.
type stageCompletionEvent struct {
	time    sim.VTimeInSec
	handler *QueryReplayer
	stage   string
	start   sim.VTimeInSec
}

// Time returns the time of the event.
func (e stageCompletionEvent) Time() sim.VTimeInSec {
	return e.time
}

// Handler returns the handler of the event.
func (e stageCompletionEvent) Handler() sim.Handler {
	return e.handler
}

// IsSecondary always returns false.
func (e stageCompletionEvent) IsSecondary() bool {
	return false
}

// A Span records one execution of a stage.
type Span struct {
	Stage string
	Start sim.VTimeInSec
	End   sim.VTimeInSec
}

// A QueryReplayer sends one query into a pipeline and follows it through
// every route. A stage starts as soon as one of its predecessors completes
// and takes its profiled latency; there is no queueing. A stage reached by
// several routes runs once per route.
type QueryReplayer struct {
	sim.TimeTeller
	sim.EventScheduler

	graph     *pipeline.Graph
	latencies map[string]sim.VTimeInSec

	startTime sim.VTimeInSec
	spans     []Span
	arrivals  []sim.VTimeInSec
}

// NewQueryReplayer creates a new QueryReplayer. Latencies are given in
// seconds and must cover every stage of the graph.
func NewQueryReplayer(
	tt sim.TimeTeller,
	es sim.EventScheduler,
	graph *pipeline.Graph,
	latencies map[string]float64,
) (*QueryReplayer, error) {
	r := &QueryReplayer{
		TimeTeller:     tt,
		EventScheduler: es,
		graph:          graph,
		latencies:      make(map[string]sim.VTimeInSec, len(latencies)),
	}

	for _, stage := range graph.Nodes() {
		lat, ok := latencies[stage]
		if !ok {
			return nil, fmt.Errorf("no latency for stage %q", stage)
		}
		if lat < 0 {
			return nil, fmt.Errorf("stage %q has negative latency %g", stage, lat)
		}
		r.latencies[stage] = sim.VTimeInSec(lat)
	}

	return r, nil
}

// KickStart sends the query into the pipeline at the current time.
func (r *QueryReplayer) KickStart() {
	r.startTime = r.CurrentTime()
	r.forward(pipeline.Source, r.startTime)
}

// Handle handles the events scheduled by the replayer.
func (r *QueryReplayer) Handle(e sim.Event) error {
	switch e := e.(type) {
	case stageCompletionEvent:
		r.handleStageCompletion(e)
	default:
		panic(fmt.Sprintf("unknown event type %T", e))
	}

	return nil
}

func (r *QueryReplayer) handleStageCompletion(e stageCompletionEvent) {
	now := r.CurrentTime()

	r.spans = append(r.spans, Span{
		Stage: e.stage,
		Start: e.start,
		End:   now,
	})

	r.forward(e.stage, now)
}

// forward passes the query from a finished node to all of its children.
func (r *QueryReplayer) forward(node string, now sim.VTimeInSec) {
	for _, child := range r.graph.Children(node) {
		if child == pipeline.Sink {
			r.arrivals = append(r.arrivals, now)
			continue
		}

		r.Schedule(stageCompletionEvent{
			time:    now + r.latencies[child],
			handler: r,
			stage:   child,
			start:   now,
		})
	}
}

// Spans returns the stage executions recorded so far, ordered by start time
// and then by stage name.
func (r *QueryReplayer) Spans() []Span {
	spans := make([]Span, len(r.spans))
	copy(spans, r.spans)
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].Stage < spans[j].Stage
	})

	return spans
}

// Arrivals returns the times the query reached the sink, one per route.
func (r *QueryReplayer) Arrivals() []sim.VTimeInSec {
	out := make([]sim.VTimeInSec, len(r.arrivals))
	copy(out, r.arrivals)

	return out
}

// Latency returns the time from kick start to the last arrival at the sink.
func (r *QueryReplayer) Latency() sim.VTimeInSec {
	var last sim.VTimeInSec
	for _, t := range r.arrivals {
		if t > last {
			last = t
		}
	}

	if len(r.arrivals) == 0 {
		return 0
	}

	return last - r.startTime
}

// Replay replays one query on a fresh serial engine and returns the finished
// replayer.
func Replay(
	graph *pipeline.Graph,
	latencies map[string]float64,
) (*QueryReplayer, error) {
	engine := sim.NewSerialEngine()

	r, err := NewQueryReplayer(engine, engine, graph, latencies)
	if err != nil {
		return nil, err
	}

	r.KickStart()
	if err := engine.Run(); err != nil {
		return nil, err
	}

	return r, nil
}
