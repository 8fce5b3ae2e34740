package httpclient

import (
	"sort"
	"sync"
)

// Timer is the part of *time.Timer the client needs.
type Timer interface {
	Stop() bool
}

// Snapshot is a point-in-time view of the request bookkeeping.
type Snapshot struct {
	InFlight   []string `json:"inFlight"`
	Banned     []string `json:"banned"`
	Stopped    bool     `json:"stopped"`
	Refreshing bool     `json:"refreshing"`
}

// state holds the client's shared bookkeeping. Keys are resolved request URLs.
type state struct {
	mu         sync.Mutex
	inFlight   map[string]struct{}
	failures   map[string]int
	banned     map[string]struct{}
	timers     map[string]Timer
	stopped    bool
	refreshing chan struct{}

	// limited counts consecutive rate-limited token refreshes. resumeTimer
	// lifts the kill switch they threw; epoch invalidates it on reset.
	limited     int
	resumeTimer Timer
	epoch       uint64
}

func newState() *state {
	return &state{
		inFlight: make(map[string]struct{}),
		failures: make(map[string]int),
		banned:   make(map[string]struct{}),
		timers:   make(map[string]Timer),
	}
}

// admit runs the pre-flight checks in order and marks key in flight.
func (s *state) admit(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.banned[key]; ok {
		return ErrBanned
	}
	if _, ok := s.inFlight[key]; ok {
		return ErrDuplicate
	}
	s.inFlight[key] = struct{}{}
	return nil
}

func (s *state) succeed(key string) {
	s.mu.Lock()
	delete(s.inFlight, key)
	delete(s.failures, key)
	s.mu.Unlock()
}

func (s *state) release(key string) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
}

// fail records a failure and reports whether key just became banned.
func (s *state) fail(key string, banAfter int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
	s.failures[key]++
	if _, already := s.banned[key]; already {
		return false
	}
	if s.failures[key] >= banAfter {
		s.banned[key] = struct{}{}
		return true
	}
	return false
}

func (s *state) trackBan(key string, timer Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.banned[key]; !ok {
		timer.Stop()
		return
	}
	s.timers[key] = timer
}

func (s *state) unban(key string) {
	s.mu.Lock()
	delete(s.banned, key)
	delete(s.failures, key)
	delete(s.timers, key)
	s.mu.Unlock()
}

func (s *state) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *state) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// rateLimited throws the kill switch after a 429 on the token endpoint. It
// returns the epoch the resume belongs to and how many refreshes in a row
// were rate limited.
func (s *state) rateLimited() (uint64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.limited++
	return s.epoch, s.limited
}

// trackResume keeps the pending resume so reset can cancel it. A timer from
// an older epoch is stopped straight away.
func (s *state) trackResume(epoch uint64, timer Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || !s.stopped {
		timer.Stop()
		return
	}
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
	}
	s.resumeTimer = timer
}

// resume lifts the kill switch and forgets requests that were in flight
// when it was thrown. It reports false when a reset happened in between.
func (s *state) resume(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.stopped = false
	s.inFlight = make(map[string]struct{})
	s.resumeTimer = nil
	return true
}

func (s *state) refreshed() {
	s.mu.Lock()
	s.limited = 0
	s.mu.Unlock()
}

func (s *state) beginRefresh() func() {
	ch := make(chan struct{})
	s.mu.Lock()
	s.refreshing = ch
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if s.refreshing == ch {
			s.refreshing = nil
		}
		s.mu.Unlock()
		close(ch)
	}
}

func (s *state) refreshWait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshing
}

func (s *state) reset() {
	s.mu.Lock()
	timers := make([]Timer, 0, len(s.timers)+1)
	for _, timer := range s.timers {
		timers = append(timers, timer)
	}
	if s.resumeTimer != nil {
		timers = append(timers, s.resumeTimer)
	}
	s.inFlight = make(map[string]struct{})
	s.failures = make(map[string]int)
	s.banned = make(map[string]struct{})
	s.timers = make(map[string]Timer)
	s.stopped = false
	s.limited = 0
	s.resumeTimer = nil
	s.epoch++
	s.mu.Unlock()
	for _, timer := range timers {
		timer.Stop()
	}
}

func (s *state) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		InFlight:   keysOf(s.inFlight),
		Banned:     keysOf(s.banned),
		Stopped:    s.stopped,
		Refreshing: s.refreshing != nil,
	}
	return snap
}

func keysOf(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
