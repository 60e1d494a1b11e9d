package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/capsule/internal/observability"
	"github.com/harun/capsule/pkg/manifest"
	"github.com/rs/zerolog"
)

// State is the lifecycle of a single (plugin, permission) pair
type State string

const (
	StateUnrequested State = "unrequested"
	StatePending     State = "pending"
	StateGranted     State = "granted"
	StateDenied      State = "denied"
)

// Outcome labels reported to the observer after each prompt
const (
	OutcomeGranted = "granted"
	OutcomeDenied  = "denied"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// Config holds permission store configuration
type Config struct {
	// Path of the JSON grant file. Empty keeps grants in memory only.
	Path string

	// PromptTimeout bounds a single confirmation round trip. Zero means no limit.
	PromptTimeout time.Duration
}

// Observer receives one call per completed prompt
type Observer func(perm manifest.Permission, outcome string)

type pendingKey struct {
	id   string
	perm manifest.Permission
}

// pendingRequest is shared by every caller waiting on the same key
type pendingRequest struct {
	prompt  Prompt
	waiters int
	done    chan struct{}
	granted bool
	err     error
}

// grantSet is one plugin's permission state. revoked holds default
// permissions the user took away; Seed does not hand those back.
type grantSet struct {
	granted map[manifest.Permission]bool
	denied  map[manifest.Permission]bool
	revoked map[manifest.Permission]bool
}

func newGrantSet() *grantSet {
	return &grantSet{
		granted: make(map[manifest.Permission]bool),
		denied:  make(map[manifest.Permission]bool),
		revoked: make(map[manifest.Permission]bool),
	}
}

// Store tracks granted permissions per plugin identity and mediates requests
type Store struct {
	config   Config
	prompter Prompter
	logger   zerolog.Logger

	mu      sync.Mutex
	grants  map[string]*grantSet
	pending map[pendingKey]*pendingRequest

	names    func(id string) string
	observer Observer
}

// NewStore creates a store and loads persisted grants from cfg.Path
func NewStore(cfg Config, prompter Prompter, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		config:   cfg,
		prompter: prompter,
		logger:   logger.With().Str("component", "permissions").Logger(),
		grants:   make(map[string]*grantSet),
		pending:  make(map[pendingKey]*pendingRequest),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetNamer sets the function used to resolve display names for prompts
func (s *Store) SetNamer(fn func(id string) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = fn
}

// SetObserver sets the prompt outcome observer
func (s *Store) SetObserver(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// Check reports whether perm is granted to id. It never prompts.
func (s *Store) Check(id string, perm manifest.Permission) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isGrantedLocked(id, perm)
}

// State returns the current state of the (id, perm) pair
func (s *Store) State(id string, perm manifest.Permission) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[pendingKey{id, perm}]; ok {
		return StatePending
	}
	set, ok := s.grants[id]
	switch {
	case !ok:
		return StateUnrequested
	case set.granted[perm]:
		return StateGranted
	case set.denied[perm]:
		return StateDenied
	}
	return StateUnrequested
}

// Request asks for perm on behalf of id. An existing grant returns true with
// no side effect. Concurrent requests for the same pair share one prompt and
// observe the same outcome.
func (s *Store) Request(ctx context.Context, id string, perm manifest.Permission) (bool, error) {
	if !perm.IsValid() {
		return false, fmt.Errorf("%w: %s", ErrUnknownPermission, perm)
	}

	s.mu.Lock()
	if s.isGrantedLocked(id, perm) {
		s.mu.Unlock()
		return true, nil
	}

	key := pendingKey{id, perm}
	req, inFlight := s.pending[key]
	if inFlight {
		req.waiters++
	} else {
		req = &pendingRequest{
			prompt:  s.newPromptLocked(id, perm),
			waiters: 1,
			done:    make(chan struct{}),
		}
		s.pending[key] = req
		go s.resolve(key, req)
	}
	s.mu.Unlock()

	if inFlight {
		s.logger.Debug().
			Str("plugin_id", id).
			Str("permission", string(perm)).
			Msg("Joined in-flight permission request")
	}

	select {
	case <-req.done:
		return req.granted, req.err
	case <-ctx.Done():
		s.mu.Lock()
		req.waiters--
		s.mu.Unlock()
		return false, ctx.Err()
	}
}

// resolve runs the prompt for a pending request. The prompt is detached from
// any single caller so one cancelled waiter does not decide for the others.
func (s *Store) resolve(key pendingKey, req *pendingRequest) {
	outcome := OutcomeError
	defer func() {
		if r := recover(); r != nil {
			req.granted = false
			req.err = fmt.Errorf("permission prompt panicked: %v", r)
		}
		s.mu.Lock()
		delete(s.pending, key)
		waiters := req.waiters
		observer := s.observer
		s.mu.Unlock()

		if observer != nil {
			observer(key.perm, outcome)
		}
		observability.RecordPermissionAudit(context.Background(), "permission:request", key.id, string(key.perm), outcome)
		close(req.done)
		s.logger.Info().
			Str("plugin_id", key.id).
			Str("permission", string(key.perm)).
			Str("outcome", outcome).
			Int("waiters", waiters).
			Msg("Permission request resolved")
	}()

	if s.prompter == nil {
		req.err = ErrNoPrompter
		return
	}

	ctx := context.Background()
	if s.config.PromptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.PromptTimeout)
		defer cancel()
	}

	approved, err := s.prompter.Confirm(ctx, req.prompt)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		approved, err = false, nil
		outcome = OutcomeTimeout
	case err != nil:
		req.err = fmt.Errorf("permission prompt failed: %w", err)
		return
	case approved:
		outcome = OutcomeGranted
	default:
		outcome = OutcomeDenied
	}

	// The grant lands before waiters are released so a Check issued right
	// after Request returns observes it.
	s.mu.Lock()
	set := s.setLocked(key.id)
	if approved {
		set.granted[key.perm] = true
		delete(set.denied, key.perm)
		delete(set.revoked, key.perm)
	} else {
		set.denied[key.perm] = true
	}
	persistErr := s.saveLocked()
	s.mu.Unlock()

	if persistErr != nil {
		s.logger.Error().Err(persistErr).Str("plugin_id", key.id).Msg("Failed to persist permission decision")
	}
	req.granted = approved
}

// Grant adds perm to id without prompting
func (s *Store) Grant(id string, perm manifest.Permission) error {
	if !perm.IsValid() {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, perm)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.setLocked(id)
	set.granted[perm] = true
	delete(set.denied, perm)
	delete(set.revoked, perm)
	return s.saveLocked()
}

// Seed grants every default permission id is missing, except those the
// user explicitly revoked
func (s *Store) Seed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.setLocked(id)
	var added int
	for _, perm := range manifest.DefaultPermissions {
		if set.granted[perm] || set.revoked[perm] {
			continue
		}
		set.granted[perm] = true
		added++
	}
	if added == 0 {
		return nil
	}
	s.logger.Debug().Str("plugin_id", id).Int("added", added).Msg("Default permissions granted")
	return s.saveLocked()
}

// Revoke removes perm from id immediately
func (s *Store) Revoke(id string, perm manifest.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.grants[id]
	if !ok || !set.granted[perm] {
		return nil
	}
	delete(set.granted, perm)
	if perm.IsDefault() {
		set.revoked[perm] = true
	}
	return s.saveLocked()
}

// RevokeAll forgets every grant and denial recorded for id
func (s *Store) RevokeAll(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[id]; !ok {
		return nil
	}
	delete(s.grants, id)
	return s.saveLocked()
}

// Retain drops grants for id that are neither declared nor in the default set
func (s *Store) Retain(id string, declared []manifest.Permission) ([]manifest.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.grants[id]
	if !ok {
		return nil, nil
	}

	keep := make(map[manifest.Permission]bool, len(declared))
	for _, perm := range declared {
		keep[perm] = true
	}

	var revoked []manifest.Permission
	for perm := range set.granted {
		if keep[perm] || perm.IsDefault() {
			continue
		}
		delete(set.granted, perm)
		revoked = append(revoked, perm)
	}
	if len(revoked) == 0 {
		return nil, nil
	}
	sortPermissions(revoked)
	return revoked, s.saveLocked()
}

// List returns the permissions currently granted to id
func (s *Store) List(id string) []manifest.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.grants[id]
	if !ok {
		return nil
	}
	perms := make([]manifest.Permission, 0, len(set.granted))
	for perm := range set.granted {
		perms = append(perms, perm)
	}
	sortPermissions(perms)
	return perms
}

// Plugins returns every identity with recorded permission state
func (s *Store) Plugins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.grants))
	for id := range s.grants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) isGrantedLocked(id string, perm manifest.Permission) bool {
	set, ok := s.grants[id]
	return ok && set.granted[perm]
}

func (s *Store) setLocked(id string) *grantSet {
	set, ok := s.grants[id]
	if !ok {
		set = newGrantSet()
		s.grants[id] = set
	}
	return set
}

func (s *Store) newPromptLocked(id string, perm manifest.Permission) Prompt {
	name := id
	if s.names != nil {
		if resolved := s.names(id); resolved != "" {
			name = resolved
		}
	}
	return Prompt{
		ID:          uuid.New().String(),
		PluginID:    id,
		PluginName:  name,
		Permission:  perm,
		Description: perm.Describe(),
		RequestedAt: time.Now(),
	}
}

// fileEntry is the on-disk shape of one plugin's permission state
type fileEntry struct {
	Granted []manifest.Permission `json:"granted"`
	Denied  []manifest.Permission `json:"denied,omitempty"`
	Revoked []manifest.Permission `json:"revoked,omitempty"`
}

func (s *Store) load() error {
	if s.config.Path == "" {
		return nil
	}

	data, err := os.ReadFile(s.config.Path)
	if os.IsNotExist(err) {
		s.logger.Debug().Str("path", s.config.Path).Msg("Permission file does not exist, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read permission file: %w", err)
	}

	var entries map[string]fileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse permission file: %w", err)
	}

	for id, entry := range entries {
		set := newGrantSet()
		for _, perm := range entry.Granted {
			if perm.IsValid() {
				set.granted[perm] = true
			}
		}
		for _, perm := range entry.Denied {
			if perm.IsValid() {
				set.denied[perm] = true
			}
		}
		for _, perm := range entry.Revoked {
			if perm.IsDefault() {
				set.revoked[perm] = true
			}
		}
		s.grants[id] = set
	}

	s.logger.Info().
		Str("path", s.config.Path).
		Int("plugins", len(entries)).
		Msg("Permissions loaded")
	return nil
}

func (s *Store) saveLocked() error {
	if s.config.Path == "" {
		return nil
	}

	entries := make(map[string]fileEntry, len(s.grants))
	for id, set := range s.grants {
		entry := fileEntry{Granted: []manifest.Permission{}}
		for perm := range set.granted {
			entry.Granted = append(entry.Granted, perm)
		}
		for perm := range set.denied {
			entry.Denied = append(entry.Denied, perm)
		}
		for perm := range set.revoked {
			entry.Revoked = append(entry.Revoked, perm)
		}
		sortPermissions(entry.Granted)
		sortPermissions(entry.Denied)
		sortPermissions(entry.Revoked)
		entries[id] = entry
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.config.Path), 0755); err != nil {
		return fmt.Errorf("failed to create permission directory: %w", err)
	}

	tempPath := s.config.Path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tempPath, s.config.Path); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

func sortPermissions(perms []manifest.Permission) {
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
}
