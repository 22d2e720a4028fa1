package simulated

import (
	"errors"
	"sync"

	"github.com/txn2/mcp-streampay/pkg/chain"
)

const subscriptionBuffer = 256

var errSubscriptionOverflow = errors.New("subscription buffer overflow")

type subscription struct {
	backend *Backend
	event   chain.EventKind
	filter  chain.Filter

	logs chan chain.Log
	errs chan error
	quit chan struct{}
	once sync.Once
}

func (s *subscription) Logs() <-chan chain.Log { return s.logs }

func (s *subscription) Err() <-chan error { return s.errs }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.backend.mu.Lock()
		delete(s.backend.subs, s)
		s.backend.mu.Unlock()
		close(s.quit)
		close(s.errs)
	})
}

// fail delivers a terminal error and detaches the subscription. Must be
// called with the backend lock held.
func (s *subscription) fail(err error) {
	s.once.Do(func() {
		delete(s.backend.subs, s)
		s.errs <- err
		close(s.quit)
		close(s.errs)
	})
}
