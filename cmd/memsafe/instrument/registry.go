package instrument

import (
	"fmt"
	"sort"
	"sync"
)

// MemorySafety is the name of the memory-safety pass.
const MemorySafety = "memory-safety"

// Pass is a source-to-source instrumentation pass over one package.
type Pass interface {
	Name() string
	Run(srcs []Source, opts Options) ([]*InstrumentResult, error)
}

var (
	passesMu sync.RWMutex
	passes   = map[string]Pass{}
)

// Register makes a pass available by name.
func Register(p Pass) error {
	passesMu.Lock()
	defer passesMu.Unlock()
	if _, dup := passes[p.Name()]; dup {
		return fmt.Errorf("instrument: pass %q already registered", p.Name())
	}
	passes[p.Name()] = p
	return nil
}

// Lookup returns the pass registered under name.
func Lookup(name string) (Pass, bool) {
	passesMu.RLock()
	defer passesMu.RUnlock()
	p, ok := passes[name]
	return p, ok
}

// Passes returns the registered pass names, sorted.
func Passes() []string {
	passesMu.RLock()
	defer passesMu.RUnlock()
	names := make([]string, 0, len(passes))
	for n := range passes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RunPasses runs the named passes in order, each over the previous one's
// output. Stats are those of the last pass.
func RunPasses(names []string, srcs []Source, opts Options) ([]*InstrumentResult, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("instrument: no passes selected")
	}
	var results []*InstrumentResult
	for _, name := range names {
		p, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("instrument: unknown pass %q (available: %v)", name, Passes())
		}
		res, err := p.Run(srcs, opts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		results = res
		next := make([]Source, len(res))
		for i, r := range res {
			next[i] = Source{Name: r.Name, Src: []byte(r.Code)}
		}
		srcs = next
	}
	return results, nil
}

type memorySafetyPass struct{}

func (memorySafetyPass) Name() string { return MemorySafety }

func (memorySafetyPass) Run(srcs []Source, opts Options) ([]*InstrumentResult, error) {
	return InstrumentPackage(srcs, opts)
}

func init() {
	if err := Register(memorySafetyPass{}); err != nil {
		panic(err)
	}
}
