// Package demo contains the gcdplay scenarios. Each scenario posts work to a
// dispatch.Runtime the way a small application would and waits for it to
// finish before returning, so scenarios can run back to back.
package demo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Swind/go-dispatch"
)

// Env is what a scenario runs against.
type Env struct {
	Runtime *dispatch.Runtime

	// MainCtx is bound to the runtime's main queue; the goroutine running the
	// scenario is the one pumping it.
	MainCtx context.Context

	// Scale maps a nominal sleep to the one actually used.
	Scale func(time.Duration) time.Duration

	// OperationConcurrency bounds the operation queue scenario.
	OperationConcurrency int

	Logger *slog.Logger

	out   io.Writer
	outMu sync.Mutex
}

// NewEnv binds ctx to rt's main queue and returns an Env printing to out.
func NewEnv(ctx context.Context, rt *dispatch.Runtime, out io.Writer) *Env {
	return &Env{
		Runtime:              rt,
		MainCtx:              rt.Main().Bind(ctx),
		Scale:                func(d time.Duration) time.Duration { return d },
		OperationConcurrency: 2,
		Logger:               slog.New(slog.DiscardHandler),
		out:                  out,
	}
}

// Printf writes one line. Safe from any goroutine.
func (e *Env) Printf(format string, args ...any) {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	fmt.Fprintf(e.out, format+"\n", args...)
}

// Sleep sleeps for the scaled duration or until ctx ends.
func (e *Env) Sleep(ctx context.Context, d time.Duration) error {
	d = e.Scale(d)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnMain reports whether ctx belongs to the main queue.
func (e *Env) OnMain(ctx context.Context) bool {
	return e.Runtime.Main().IsMainContext(ctx)
}

// Scenario is one runnable demonstration.
type Scenario struct {
	Name  string
	Short string
	Run   func(env *Env) error
}

var registry = map[string]Scenario{}

func register(s Scenario) {
	if _, dup := registry[s.Name]; dup {
		panic("demo: duplicate scenario " + s.Name)
	}
	registry[s.Name] = s
}

// order lists scenarios in the sequence "all" runs them.
var order = []string{"serial", "concurrent", "main", "combine", "group", "semaphore", "barrier", "operations"}

// Scenarios returns every registered scenario in run order.
func Scenarios() []Scenario {
	out := make([]Scenario, 0, len(registry))
	for _, name := range order {
		if s, ok := registry[name]; ok {
			out = append(out, s)
		}
	}
	// anything registered but not in order goes last, alphabetically
	var extra []string
	for name := range registry {
		if !slices.Contains(order, name) {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		out = append(out, registry[name])
	}
	return out
}

// Lookup finds a scenario by name.
func Lookup(name string) (Scenario, bool) {
	s, ok := registry[name]
	return s, ok
}

// RunAll runs every scenario in order, stopping at the first error.
func RunAll(env *Env) error {
	for _, s := range Scenarios() {
		env.Printf("== %s ==", s.Name)
		if err := s.Run(env); err != nil {
			return fmt.Errorf("scenario %s: %w", s.Name, err)
		}
	}
	return nil
}
