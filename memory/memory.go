// Package memory implements conversation sessions: an in-memory store with
// explicit JSON persistence, per-session context, and TTL eviction.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/errs"
)

// Message is one immutable entry in a session's log.
type Message struct {
	ID        string   `json:"id"`
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Timestamp float64  `json:"timestamp"`
	Agent     string   `json:"agent,omitempty"`
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// Context is the mutable per-session context mapping.
type Context struct {
	CurrentProject string   `json:"current_project,omitempty"`
	ActiveFiles    []string `json:"active_files"`
	LastAgent      string   `json:"last_agent,omitempty"`
	TaskHistory    []string `json:"task_history"`
}

// Metadata aggregates session statistics. AgentsUsed and ToolsUsed are
// sets; they serialize as sorted arrays.
type Metadata struct {
	TotalMessages int             `json:"total_messages"`
	AgentsUsed    map[string]bool `json:"-"`
	ToolsUsed     map[string]bool `json:"-"`
}

// MarshalJSON serializes the sets as sorted arrays.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TotalMessages int      `json:"total_messages"`
		AgentsUsed    []string `json:"agents_used"`
		ToolsUsed     []string `json:"tools_used"`
	}{m.TotalMessages, setToSlice(m.AgentsUsed), setToSlice(m.ToolsUsed)})
}

// UnmarshalJSON restores the sets from arrays.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw struct {
		TotalMessages int      `json:"total_messages"`
		AgentsUsed    []string `json:"agents_used"`
		ToolsUsed     []string `json:"tools_used"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.TotalMessages = raw.TotalMessages
	m.AgentsUsed = sliceToSet(raw.AgentsUsed)
	m.ToolsUsed = sliceToSet(raw.ToolsUsed)
	return nil
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sliceToSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

// Session is one conversation. The message log is append-only; AddMessage
// on the store is the sole writer.
type Session struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name,omitempty"`
	CreatedAt  float64   `json:"created_at"`
	LastActive float64   `json:"last_active"`
	Messages   []Message `json:"messages"`
	Context    Context   `json:"context"`
	Metadata   Metadata  `json:"metadata"`
}

// Summary is a read-only rollup of a session.
type Summary struct {
	SessionID         string   `json:"session_id"`
	CreatedAt         float64  `json:"created_at"`
	LastActive        float64  `json:"last_active"`
	Duration          float64  `json:"duration"`
	TotalMessages     int      `json:"total_messages"`
	UserMessages      int      `json:"user_messages"`
	AssistantMessages int      `json:"assistant_messages"`
	AgentsUsed        []string `json:"agents_used"`
	ToolsUsed         []string `json:"tools_used"`
	ActiveFiles       []string `json:"active_files"`
}

// SavedSessionInfo describes one persisted session.
type SavedSessionInfo struct {
	SessionID    string  `json:"session_id"`
	Name         string  `json:"name"`
	CreatedAt    float64 `json:"created_at"`
	MessageCount int     `json:"message_count"`
	LastActive   float64 `json:"last_active"`
}

// Store manages live sessions and their persistent snapshots.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	persisted map[string]*Session
	workspace map[string]any

	dir              string
	conversationFile string
	workspaceFile    string
	saveMu           sync.Mutex
	now              func() time.Time
}

// NewStore opens a store rooted at dir, lazily loading persisted data.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create memory dir: %w", err)
	}
	s := &Store{
		sessions:         map[string]*Session{},
		persisted:        map[string]*Session{},
		workspace:        map[string]any{},
		dir:              dir,
		conversationFile: filepath.Join(dir, "conversations.json"),
		workspaceFile:    filepath.Join(dir, "workspace_state.json"),
		now:              time.Now,
	}
	if err := s.loadPersistent(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadPersistent() error {
	if data, err := os.ReadFile(s.conversationFile); err == nil {
		if err := json.Unmarshal(data, &s.persisted); err != nil {
			return fmt.Errorf("failed to parse %s: %w", s.conversationFile, err)
		}
	}
	if data, err := os.ReadFile(s.workspaceFile); err == nil {
		if err := json.Unmarshal(data, &s.workspace); err != nil {
			return fmt.Errorf("failed to parse %s: %w", s.workspaceFile, err)
		}
	}
	return nil
}

func (s *Store) nowUnix() float64 {
	return float64(s.now().UnixNano()) / float64(time.Second)
}

// CreateSession creates a new session for a user and returns its id.
func (s *Store) CreateSession(userID string) string {
	if userID == "" {
		userID = "default"
	}
	id := uuid.NewString()
	now := s.nowUnix()
	session := &Session{
		SessionID:  id,
		UserID:     userID,
		CreatedAt:  now,
		LastActive: now,
		Messages:   []Message{},
		Context:    Context{ActiveFiles: []string{}, TaskHistory: []string{}},
		Metadata:   Metadata{AgentsUsed: map[string]bool{}, ToolsUsed: map[string]bool{}},
	}
	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()
	return id
}

// EnsureSession creates a live session under a caller-chosen id when
// none exists yet. Chat requests may arrive with a fresh id; history
// starts accumulating from that first request.
func (s *Store) EnsureSession(id, userID string) {
	if userID == "" {
		userID = "default"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return
	}
	now := s.nowUnix()
	s.sessions[id] = &Session{
		SessionID:  id,
		UserID:     userID,
		CreatedAt:  now,
		LastActive: now,
		Messages:   []Message{},
		Context:    Context{ActiveFiles: []string{}, TaskHistory: []string{}},
		Metadata:   Metadata{AgentsUsed: map[string]bool{}, ToolsUsed: map[string]bool{}},
	}
}

// HasSession reports whether a live session exists.
func (s *Store) HasSession(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// AddMessage appends a message to a session's log and updates metadata.
func (s *Store) AddMessage(sessionID, role, content, agent string, toolsUsed []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return errs.Newf(errs.KindNotFound, "session not found: %s", sessionID)
	}
	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: s.nowUnix(),
		Agent:     agent,
		ToolsUsed: toolsUsed,
	}
	session.Messages = append(session.Messages, msg)
	session.LastActive = msg.Timestamp
	session.Metadata.TotalMessages++
	if agent != "" {
		session.Metadata.AgentsUsed[agent] = true
		session.Context.LastAgent = agent
	}
	for _, tool := range toolsUsed {
		session.Metadata.ToolsUsed[tool] = true
	}
	return nil
}

// History returns up to limit most recent messages (all when limit <= 0).
func (s *Store) History(sessionID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "session not found: %s", sessionID)
	}
	msgs := session.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// UpdateContext merges updates into the session context.
func (s *Store) UpdateContext(sessionID string, update func(*Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return errs.Newf(errs.KindNotFound, "session not found: %s", sessionID)
	}
	update(&session.Context)
	session.LastActive = s.nowUnix()
	return nil
}

// AddActiveFile records a file being worked on in this session.
func (s *Store) AddActiveFile(sessionID, path string) error {
	return s.UpdateContext(sessionID, func(c *Context) {
		for _, f := range c.ActiveFiles {
			if f == path {
				return
			}
		}
		c.ActiveFiles = append(c.ActiveFiles, path)
	})
}

// GetSummary builds a rollup of a session.
func (s *Store) GetSummary(sessionID string) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "session not found: %s", sessionID)
	}
	summary := &Summary{
		SessionID:     sessionID,
		CreatedAt:     session.CreatedAt,
		LastActive:    session.LastActive,
		Duration:      session.LastActive - session.CreatedAt,
		TotalMessages: len(session.Messages),
		AgentsUsed:    setToSlice(session.Metadata.AgentsUsed),
		ToolsUsed:     setToSlice(session.Metadata.ToolsUsed),
		ActiveFiles:   append([]string{}, session.Context.ActiveFiles...),
	}
	for _, m := range session.Messages {
		switch m.Role {
		case "user":
			summary.UserMessages++
		case "assistant":
			summary.AssistantMessages++
		}
	}
	return summary, nil
}

// SaveSession snapshots a live session to persistent storage. At most one
// persistence write runs at a time.
func (s *Store) SaveSession(sessionID, name string) error {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return errs.Newf(errs.KindNotFound, "session not found: %s", sessionID)
	}
	snapshot := cloneSession(session)
	if name != "" {
		snapshot.Name = name
	} else if snapshot.Name == "" {
		snapshot.Name = "Session " + sessionID[:8]
	}
	s.persisted[sessionID] = snapshot
	s.mu.Unlock()

	return s.flush()
}

// LoadSession restores a persisted session into live memory.
func (s *Store) LoadSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved, ok := s.persisted[sessionID]
	if !ok {
		return errs.Newf(errs.KindNotFound, "saved session not found: %s", sessionID)
	}
	s.sessions[sessionID] = cloneSession(saved)
	return nil
}

// ListSavedSessions returns descriptors for all persisted sessions.
func (s *Store) ListSavedSessions() []SavedSessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SavedSessionInfo, 0, len(s.persisted))
	for id, session := range s.persisted {
		name := session.Name
		if name == "" {
			name = "Session " + id[:8]
		}
		out = append(out, SavedSessionInfo{
			SessionID:    id,
			Name:         name,
			CreatedAt:    session.CreatedAt,
			MessageCount: len(session.Messages),
			LastActive:   session.LastActive,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive > out[j].LastActive })
	return out
}

// ClearSession drops a live session, keeping any persisted copy.
func (s *Store) ClearSession(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	delete(s.sessions, sessionID)
	return true
}

// CleanupOldSessions evicts live sessions idle longer than maxAge.
// Persisted copies survive eviction.
func (s *Store) CleanupOldSessions(maxAge time.Duration) int {
	cutoff := s.nowUnix() - maxAge.Seconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, session := range s.sessions {
		if session.LastActive < cutoff {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// WorkspaceState returns a copy of the opaque workspace state.
func (s *Store) WorkspaceState() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.workspace))
	for k, v := range s.workspace {
		out[k] = v
	}
	return out
}

// UpdateWorkspaceState merges updates into the workspace state and persists.
func (s *Store) UpdateWorkspaceState(updates map[string]any) error {
	s.mu.Lock()
	for k, v := range updates {
		s.workspace[k] = v
	}
	s.mu.Unlock()
	return s.flush()
}

// flush writes both persistence files under the save lock.
func (s *Store) flush() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	conversations, err := json.MarshalIndent(s.persisted, "", "  ")
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	workspace, err := json.MarshalIndent(s.workspace, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.WriteFile(s.conversationFile, conversations, 0o644); err != nil {
		return fmt.Errorf("failed to write conversations: %w", err)
	}
	if err := os.WriteFile(s.workspaceFile, workspace, 0o644); err != nil {
		return fmt.Errorf("failed to write workspace state: %w", err)
	}
	return nil
}

func cloneSession(in *Session) *Session {
	out := *in
	out.Messages = append([]Message{}, in.Messages...)
	out.Context.ActiveFiles = append([]string{}, in.Context.ActiveFiles...)
	out.Context.TaskHistory = append([]string{}, in.Context.TaskHistory...)
	out.Metadata.AgentsUsed = sliceToSet(setToSlice(in.Metadata.AgentsUsed))
	out.Metadata.ToolsUsed = sliceToSet(setToSlice(in.Metadata.ToolsUsed))
	return &out
}
