package analysis

import (
	"context"

	"github.com/collabfuzz/collabfuzz/logging"
	"github.com/collabfuzz/collabfuzz/logging/colors"
	"golang.org/x/sync/errgroup"
)

// WorkItem is one unit of work pushed to a pass's distribution channel by the reactor: the
// serial id of the report it belongs to, and the content to analyze.
type WorkItem struct {
	Serial  uint64
	Content []byte
}

// Result is what a worker pushes back to the reactor once its pass has run.
type Result struct {
	Serial  uint64
	Pass    PassType
	Payload []byte
}

// WorkerPool runs one goroutine per registered pass, each pulling from its own distribution
// channel and pushing completed (or empty, on error) results to a single shared channel the
// reactor drains.
type WorkerPool struct {
	passes  map[PassType]Pass
	inputs  map[PassType]chan WorkItem
	results chan Result
	logger  *logging.Logger
}

// NewWorkerPool registers one worker per pass in passes. inputChanSize bounds how many
// in-flight reports each pass may buffer before the reactor blocks on dispatch.
func NewWorkerPool(passes []Pass, inputChanSize int, logger *logging.Logger) *WorkerPool {
	pool := &WorkerPool{
		passes:  make(map[PassType]Pass, len(passes)),
		inputs:  make(map[PassType]chan WorkItem, len(passes)),
		results: make(chan Result, inputChanSize*len(passes)+1),
		logger:  logger,
	}
	for _, pass := range passes {
		pool.passes[pass.Type()] = pass
		pool.inputs[pass.Type()] = make(chan WorkItem, inputChanSize)
	}
	return pool
}

// Passes returns the registered passes, used to compute each AnalysisUpdate's required
// set and the union fed to derived-state registration at startup.
func (p *WorkerPool) Passes() []Pass {
	passes := make([]Pass, 0, len(p.passes))
	for _, pass := range p.passes {
		passes = append(passes, pass)
	}
	return passes
}

// Dispatch sends (serial, content) to passType's worker. Returns false if passType is not
// registered.
func (p *WorkerPool) Dispatch(passType PassType, serial uint64, content []byte) bool {
	ch, ok := p.inputs[passType]
	if !ok {
		return false
	}
	ch <- WorkItem{Serial: serial, Content: content}
	return true
}

// Results is the channel the reactor drains for completed pass results.
func (p *WorkerPool) Results() <-chan Result {
	return p.results
}

// Run starts one goroutine per pass under an errgroup and blocks until ctx is canceled. The
// workers never return an error (a failed pass yields an empty payload) and panics are not
// recovered.
func (p *WorkerPool) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for passType, pass := range p.passes {
		passType, pass := passType, pass
		input := p.inputs[passType]
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case item := <-input:
					payload, err := pass.Process(groupCtx, item.Content)
					if err != nil {
						if p.logger != nil {
							buf := logging.NewLogBuffer()
							buf.Append(colors.RedBold, "analysis pass failed, emitting empty payload", colors.Reset, string(passType), err)
							p.logger.Warn(buf, logging.StructuredLogInfo{"pass": string(passType)})
						}
						payload = nil
					}
					select {
					case p.results <- Result{Serial: item.Serial, Pass: passType, Payload: payload}:
					case <-groupCtx.Done():
						return nil
					}
				}
			}
		})
	}

	return group.Wait()
}
