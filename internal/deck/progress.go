package deck

import "sync"

// Progress is the thread-safe hand-off between the extraction worker and
// whatever renders status. The worker writes under a mutex; readers poll
// Current or receive callbacks.
type Progress struct {
	mu         sync.Mutex
	percentage int
	status     string
	fn         ProgressFunc
}

func newProgress(fn ProgressFunc) *Progress {
	return &Progress{fn: fn}
}

func (p *Progress) report(percentage int, status string) {
	p.mu.Lock()
	p.percentage = percentage
	p.status = status
	fn := p.fn
	p.mu.Unlock()

	if fn != nil {
		fn(percentage, status)
	}
}

// Current returns the latest reported state.
func (p *Progress) Current() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percentage, p.status
}
