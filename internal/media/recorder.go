package media

import (
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RecState represents a recorder lifecycle state.
type RecState string

const (
	Idle      RecState = "IDLE"
	Recording RecState = "RECORDING"
	Paused    RecState = "PAUSED"
)

var recTransitions = map[RecState][]RecState{
	Idle:      {Recording},
	Recording: {Paused, Idle},
	Paused:    {Recording, Idle},
}

// Asset is a finished recording ready to hand to the sync engine.
type Asset struct {
	Path     string
	Duration float64 // seconds of actual recording time
}

// Recorder manages one microphone capture at a time. The platform audio
// callback feeds it through Write; bytes arriving while paused are dropped
// and elapsed time accumulates only while recording.
type Recorder struct {
	mu          sync.Mutex
	state       RecState
	file        *os.File
	path        string
	accumulated time.Duration
	resumedAt   time.Time
	dir         string
	now         func() time.Time
	logger      *zap.Logger
}

// NewRecorder creates an idle recorder writing scratch files under dir.
func NewRecorder(dir string, logger *zap.Logger) *Recorder {
	return &Recorder{state: Idle, dir: dir, now: time.Now, logger: logger}
}

// State returns the current lifecycle state.
func (r *Recorder) State() RecState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Elapsed returns accumulated recording time; pausing freezes the counter.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsedLocked()
}

func (r *Recorder) elapsedLocked() time.Duration {
	if r.state == Recording {
		return r.accumulated + r.now().Sub(r.resumedAt)
	}
	return r.accumulated
}

func (r *Recorder) transitionLocked(to RecState) error {
	if !slices.Contains(recTransitions[r.state], to) {
		return fmt.Errorf("recorder: invalid transition from %s to %s", r.state, to)
	}
	r.state = to
	return nil
}

// Start begins a new capture session.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(Recording); err != nil {
		return err
	}
	f, err := os.CreateTemp(r.dir, "rec-*.ogg")
	if err != nil {
		r.state = Idle
		return fmt.Errorf("create recording file: %w", err)
	}
	r.file = f
	r.path = f.Name()
	r.accumulated = 0
	r.resumedAt = r.now()
	return nil
}

// Pause freezes the elapsed counter. Capture bytes are dropped until Resume.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(Paused); err != nil {
		return err
	}
	r.accumulated += r.now().Sub(r.resumedAt)
	return nil
}

// Resume continues a paused capture.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Paused {
		return fmt.Errorf("recorder: resume from %s", r.state)
	}
	if err := r.transitionLocked(Recording); err != nil {
		return err
	}
	r.resumedAt = r.now()
	return nil
}

// Write appends captured audio. Bytes arriving while paused are discarded;
// writing while idle is an error.
func (r *Recorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case Recording:
		return r.file.Write(b)
	case Paused:
		return len(b), nil
	default:
		return 0, fmt.Errorf("recorder: write while %s", r.state)
	}
}

// Stop ends the capture. With discard=true the scratch file is removed and
// no asset is produced; otherwise the finished asset with its measured
// duration is returned. Either way the recorder returns to idle.
func (r *Recorder) Stop(discard bool) (*Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Recording && r.state != Paused {
		return nil, fmt.Errorf("recorder: stop while %s", r.state)
	}
	elapsed := r.elapsedLocked()

	if err := r.file.Close(); err != nil && r.logger != nil {
		r.logger.Warn("close recording file", zap.Error(err))
	}
	path := r.path
	r.file = nil
	r.path = ""
	r.accumulated = 0
	r.state = Idle

	if discard {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove discarded recording: %w", err)
		}
		return nil, nil
	}
	return &Asset{Path: path, Duration: elapsed.Seconds()}, nil
}
