// Package providertest provides a scriptable in-memory provider.Provider
// for tests of code that sits above the adapters.
package providertest

import (
	"context"
	"sync"

	"github.com/vnmchuo/llm-optimizer/internal/provider"
)

// Reply scripts the outcome for one model. Errs are consumed one per call
// before Content is returned; Err, when set, is returned on every call.
type Reply struct {
	Content      string
	Chunks       []string
	Errs         []error
	Err          error
	InputTokens  int
	OutputTokens int
}

type Fake struct {
	name   string
	models []string

	mu      sync.Mutex
	replies map[string]*Reply
	calls   []*provider.Request
}

func New(name string, models ...string) *Fake {
	return &Fake{
		name:    name,
		models:  models,
		replies: make(map[string]*Reply),
	}
}

// On scripts the reply for model.
func (f *Fake) On(model string, r Reply) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[model] = &r
	return f
}

// Calls returns copies of every request received, in order.
func (f *Fake) Calls() []*provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*provider.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor counts the requests received for model.
func (f *Fake) CallsFor(model string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Model == model {
			n++
		}
	}
	return n
}

func (f *Fake) next(req *provider.Request) (*Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Clone())

	r, ok := f.replies[req.Model]
	if !ok {
		return &Reply{Content: "ok from " + req.Model}, nil
	}
	if r.Err != nil {
		return nil, r.Err
	}
	if len(r.Errs) > 0 {
		err := r.Errs[0]
		r.Errs = r.Errs[1:]
		return nil, err
	}
	return r, nil
}

func (f *Fake) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	r, err := f.next(req)
	if err != nil {
		return nil, err
	}
	content := r.Content
	if content == "" {
		for _, c := range r.Chunks {
			content += c
		}
	}
	return &provider.Response{
		ID:           "fake-" + req.Model,
		Content:      content,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		Model:        req.Model,
		Provider:     f.name,
	}, nil
}

func (f *Fake) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	r, err := f.next(req)
	if err != nil {
		return nil, err
	}
	chunks := r.Chunks
	if len(chunks) == 0 {
		chunks = []string{r.Content}
	}
	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- &provider.Chunk{Delta: c}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- &provider.Chunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (f *Fake) Name() string                { return f.name }
func (f *Fake) CostPerInputToken() float64  { return 0 }
func (f *Fake) CostPerOutputToken() float64 { return 0 }
func (f *Fake) SupportedModels() []string   { return f.models }
