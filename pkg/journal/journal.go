package journal

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Status is the progress of one site.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// SiteEntry records what was created for one site. Nothing is rolled back
// on failure, so after an abort this is the list of objects left behind.
type SiteEntry struct {
	Name            string    `yaml:"name"`
	Status          Status    `yaml:"status"`
	RunID           string    `yaml:"runID"`
	Region          string    `yaml:"region,omitempty"`
	AggregateRegion string    `yaml:"aggregateRegion,omitempty"`
	ServingNode     string    `yaml:"servingNode,omitempty"`
	BandwidthAdded  int       `yaml:"bandwidthAdded,omitempty"`
	Gateways        []string  `yaml:"gateways,omitempty"`
	Tunnels         []string  `yaml:"tunnels,omitempty"`
	RemoteNetwork   string    `yaml:"remoteNetwork,omitempty"`
	Error           string    `yaml:"error,omitempty"`
	Updated         time.Time `yaml:"updated"`
}

// State is the persisted journal.
type State struct {
	Sites map[string]*SiteEntry `yaml:"sites"`
	// LastJob is the most recent push job id.
	LastJob string `yaml:"lastJob,omitempty"`
}

// NewState returns an empty initialized state.
func NewState() *State {
	return &State{Sites: make(map[string]*SiteEntry)}
}

// Journal loads and saves State to a YAML file. A Journal with an empty
// path keeps state in memory only, and a nil *Journal ignores every call.
type Journal struct {
	mu   sync.RWMutex
	path string
	data *State
	now  func() time.Time
}

// Open loads the journal at path. A missing file starts an empty journal.
func Open(path string) (*Journal, error) {
	j := &Journal{path: path, data: NewState(), now: time.Now}
	if err := j.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return j, nil
}

func (j *Journal) load() error {
	if j.path == "" {
		return nil
	}

	raw, err := os.ReadFile(j.path)
	if err != nil {
		return err
	}

	var state State
	if err := yaml.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("parsing journal: %w", err)
	}
	if state.Sites == nil {
		state.Sites = make(map[string]*SiteEntry)
	}

	j.mu.Lock()
	j.data = &state
	j.mu.Unlock()
	return nil
}

func (j *Journal) save() error {
	if j.path == "" {
		return nil
	}

	j.mu.RLock()
	raw, err := yaml.Marshal(j.data)
	j.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling journal: %w", err)
	}

	if err := os.WriteFile(j.path, raw, 0600); err != nil {
		return fmt.Errorf("writing journal to %s: %w", j.path, err)
	}
	return nil
}

// Site returns a copy of the entry for name.
func (j *Journal) Site(name string) (SiteEntry, bool) {
	if j == nil {
		return SiteEntry{}, false
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.data.Sites[name]
	if !ok {
		return SiteEntry{}, false
	}
	out := *e
	out.Gateways = append([]string(nil), e.Gateways...)
	out.Tunnels = append([]string(nil), e.Tunnels...)
	return out, true
}

// Completed reports whether name finished in a previous run.
func (j *Journal) Completed(name string) bool {
	e, ok := j.Site(name)
	return ok && e.Status == StatusCompleted
}

// Update applies fn to the entry for name, creating it if needed, and saves.
func (j *Journal) Update(name string, fn func(*SiteEntry)) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	e, ok := j.data.Sites[name]
	if !ok {
		e = &SiteEntry{Name: name}
		j.data.Sites[name] = e
	}
	fn(e)
	e.Updated = j.now().UTC()
	j.mu.Unlock()

	return j.save()
}

// SetLastJob remembers the push job id and saves.
func (j *Journal) SetLastJob(id string) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	j.data.LastJob = id
	j.mu.Unlock()
	return j.save()
}

// Snapshot returns a deep copy of the state.
func (j *Journal) Snapshot() *State {
	if j == nil {
		return NewState()
	}
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := &State{Sites: make(map[string]*SiteEntry, len(j.data.Sites)), LastJob: j.data.LastJob}
	for k, v := range j.data.Sites {
		c := *v
		c.Gateways = append([]string(nil), v.Gateways...)
		c.Tunnels = append([]string(nil), v.Tunnels...)
		out.Sites[k] = &c
	}
	return out
}
