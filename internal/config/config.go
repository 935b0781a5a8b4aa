// Package config holds the daemon's two configuration surfaces: the
// process-level settings aqm.Config loads from env/flags (restaurant id,
// ports, file paths), and the routing snapshot (printers, groups, station
// assignments) the sync client refreshes from the cloud every five minutes
// and persists locally so the daemon can keep printing through an outage
// (§4.10, §9).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"

	"github.com/appetiteclub/printerd/internal/model"
)

// ErrUnreadable marks a Load or NewStore failure as the §7 "Config"
// error kind: unusable or missing config, fatal to this start but expected
// to succeed on the next one once an operator fixes it (§6 exit code 65).
var ErrUnreadable = errors.New("config: unreadable")

// Settings is the subset of aqm.Config this daemon reads, resolved once at
// startup the way services/kitchen/main.go resolves its own settings.
type Settings struct {
	RestaurantID    string
	CloudAPIURL     string
	CloudWSURL      string
	CloudAuthToken  string
	HTTPAddr        string
	QueuePath       string
	QueuePassphrase string
	LogLevel        string
	DisableBLE      bool
	ConfigDir       string
}

// Load resolves Settings from cfg, applying the same defaults the teacher's
// services fall back to when a key is absent from config.json/env. The four
// §6 environment variables (LOG_LEVEL, HTTP_BIND_ADDR, DISABLE_BLE,
// CONFIG_DIR) are recognized directly and take priority over the layered
// aqm.Config value, since they're the documented operator-facing override
// surface independent of aqm's own namespaced env convention.
func Load(cfg *aqm.Config) (Settings, error) {
	s := Settings{}
	s.RestaurantID, _ = cfg.GetString("restaurant.id")
	if s.RestaurantID == "" {
		return Settings{}, fmt.Errorf("%w: restaurant.id is required", ErrUnreadable)
	}

	s.CloudAPIURL, _ = cfg.GetString("cloud.api.url")
	if s.CloudAPIURL == "" {
		s.CloudAPIURL = "https://api.appetite.club"
	}
	s.CloudWSURL, _ = cfg.GetString("cloud.ws.url")
	if s.CloudWSURL == "" {
		s.CloudWSURL = "wss://realtime.appetite.club/socket"
	}
	s.CloudAuthToken, _ = cfg.GetString("cloud.auth.token")
	s.HTTPAddr, _ = cfg.GetString("web.addr")
	if s.HTTPAddr == "" {
		s.HTTPAddr = "127.0.0.1:8043"
	}
	if v := os.Getenv("HTTP_BIND_ADDR"); v != "" {
		s.HTTPAddr = v
	}
	s.QueuePath, _ = cfg.GetString("queue.path")
	if s.QueuePath == "" {
		s.QueuePath = "./data/jobs.db"
	}
	s.QueuePassphrase, _ = cfg.GetString("queue.passphrase")
	if s.QueuePassphrase == "" {
		return Settings{}, fmt.Errorf("%w: queue.passphrase is required", ErrUnreadable)
	}
	s.LogLevel, _ = cfg.GetString("log.level")
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	s.DisableBLE = os.Getenv("DISABLE_BLE") == "1"
	s.ConfigDir, _ = cfg.GetString("config.dir")
	if v := os.Getenv("CONFIG_DIR"); v != "" {
		s.ConfigDir = v
	}
	return s, nil
}

// Routing is the locally cached snapshot of printers, routing groups, and
// station assignments (§3: Printer, RoutingGroup, StationAssignment).
type Routing struct {
	Printers       []model.Printer           `json:"printers"`
	Groups         []model.RoutingGroup      `json:"groups"`
	Assignments    []model.StationAssignment `json:"assignments"`
	DefaultGroupID string                    `json:"default_group_id"`
	FetchedAt      time.Time                 `json:"fetched_at"`
}

// Store guards the routing snapshot behind a lock and persists it to disk
// so a restart doesn't lose the last known-good configuration while the
// cloud is unreachable.
type Store struct {
	path string

	mu  sync.RWMutex
	cur Routing
}

// NewStore loads path if it exists, or starts with an empty snapshot.
func NewStore(path string) (*Store, error) {
	st := &Store{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("%w: read routing config: %v", ErrUnreadable, err)
	}
	var r Routing
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: parse routing config: %v", ErrUnreadable, err)
	}
	st.cur = r
	return st, nil
}

// Snapshot returns a deep-enough copy of the current routing config for a
// caller (the router) to read lock-free, matching the §5 concurrency note
// that the routing table is "cloned under the lock, body runs lock-free".
func (s *Store) Snapshot() Routing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.cur
	cur.Printers = append([]model.Printer(nil), s.cur.Printers...)
	cur.Groups = append([]model.RoutingGroup(nil), s.cur.Groups...)
	cur.Assignments = append([]model.StationAssignment(nil), s.cur.Assignments...)
	return cur
}

// Replace atomically swaps in a freshly fetched routing config and
// persists it to disk via write-temp-then-rename, so a crash mid-write
// never leaves a truncated config file behind.
func (s *Store) Replace(r Routing) error {
	s.mu.Lock()
	s.cur = r
	s.mu.Unlock()
	return s.persist(r)
}

func (s *Store) persist(r Routing) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal routing config: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".routing-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename config file into place: %w", err)
	}
	return nil
}
