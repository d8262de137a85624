// Package telemetry records agent executions in SQLite and derives
// performance metrics, weak areas, and improvement suggestions from them.
package telemetry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arbiterhq/arbiter/logger"
)

const (
	maxTaskLen     = 200
	maxResponseLen = 500
)

// categorySeed maps task categories to the comma-separated keyword lists
// used for auto-categorization. "other" is the catch-all.
var categorySeed = []struct {
	name     string
	keywords string
}{
	{"code_writing", "write,create,implement,build,code,function,class"},
	{"code_debugging", "debug,fix,error,bug,issue,problem"},
	{"code_review", "review,check,analyze,examine,audit"},
	{"explanation", "explain,describe,how,what,why"},
	{"research", "research,find,search,lookup,documentation"},
	{"planning", "plan,design,architect,structure"},
	{"testing", "test,verify,validate,check"},
	{"refactoring", "refactor,improve,optimize,clean"},
	{"question", "question,ask,help,confused"},
	{"other", ""},
}

// Execution is one recorded agent run.
type Execution struct {
	AgentType  string
	Task       string
	Response   string
	DurationMS float64
	Success    bool
	Error      string
	ToolsUsed  []string
	SessionID  string
}

// AgentMetrics is the aggregate view for one agent over a window.
type AgentMetrics struct {
	AgentType       string             `json:"agent_type"`
	PeriodDays      int                `json:"period_days"`
	TotalExecutions int                `json:"total_executions"`
	Successful      int                `json:"successful"`
	SuccessRate     float64            `json:"success_rate"`
	AvgDurationMS   float64            `json:"avg_duration_ms"`
	AvgRating       float64            `json:"avg_rating"`
	ByCategory      map[string]CatStat `json:"by_category"`
	RecentErrors    []string           `json:"recent_errors"`
}

// CatStat is per-category counts inside AgentMetrics.
type CatStat struct {
	Total       int     `json:"total"`
	Successful  int     `json:"successful"`
	SuccessRate float64 `json:"success_rate"`
}

// Suggestion is one improvement recommendation derived from metrics.
type Suggestion struct {
	AgentType  string `json:"agent_type"`
	Category   string `json:"category"`
	Issue      string `json:"issue"`
	Suggestion string `json:"suggestion"`
	Priority   string `json:"priority"`
}

// Evaluator owns the telemetry database.
type Evaluator struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEvaluator opens (and if needed initializes) the telemetry database.
func NewEvaluator(dbPath string) (*Evaluator, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry db: %w", err)
	}
	e := &Evaluator{db: db, logger: logger.Get("telemetry")}
	if err := e.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

// Close releases the database handle.
func (e *Evaluator) Close() error {
	return e.db.Close()
}

func (e *Evaluator) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_type TEXT NOT NULL,
			task TEXT NOT NULL,
			task_category TEXT,
			response TEXT,
			duration_ms REAL,
			success INTEGER,
			error TEXT,
			tools_used TEXT,
			user_feedback_rating INTEGER,
			user_feedback_text TEXT,
			session_id TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS metrics_cache (
			agent_type TEXT PRIMARY KEY,
			total INTEGER,
			successful INTEGER,
			avg_duration REAL,
			success_rate REAL,
			avg_rating REAL,
			last_updated DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS task_categories (
			name TEXT PRIMARY KEY,
			keywords TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS improvement_suggestions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_type TEXT,
			category TEXT,
			issue TEXT,
			suggestion TEXT,
			priority TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to init telemetry schema: %w", err)
		}
	}
	for _, cat := range categorySeed {
		if _, err := e.db.Exec(
			`INSERT OR IGNORE INTO task_categories (name, keywords) VALUES (?, ?)`,
			cat.name, cat.keywords,
		); err != nil {
			return fmt.Errorf("failed to seed task categories: %w", err)
		}
	}
	return nil
}

// CategorizeTask maps a task description to a category by keyword match.
func (e *Evaluator) CategorizeTask(task string) string {
	lower := strings.ToLower(task)
	rows, err := e.db.Query(`SELECT name, keywords FROM task_categories`)
	if err != nil {
		return "other"
	}
	defer rows.Close()

	best := "other"
	bestHits := 0
	for rows.Next() {
		var name, keywords string
		if err := rows.Scan(&name, &keywords); err != nil {
			continue
		}
		if keywords == "" {
			continue
		}
		hits := 0
		for _, kw := range strings.Split(keywords, ",") {
			if kw != "" && strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best = name
			bestHits = hits
		}
	}
	return best
}

// LogExecution records one run. Long fields are truncated before storage.
func (e *Evaluator) LogExecution(exec Execution) (int64, error) {
	task := truncate(exec.Task, maxTaskLen)
	response := truncate(exec.Response, maxResponseLen)
	category := e.CategorizeTask(exec.Task)
	toolsJSON, _ := json.Marshal(exec.ToolsUsed)

	res, err := e.db.Exec(
		`INSERT INTO executions
			(agent_type, task, task_category, response, duration_ms, success, error, tools_used, session_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.AgentType, task, category, response, exec.DurationMS,
		boolToInt(exec.Success), exec.Error, string(toolsJSON), exec.SessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to log execution: %w", err)
	}
	id, _ := res.LastInsertId()
	if err := e.refreshCache(exec.AgentType); err != nil {
		e.logger.Warn("metrics cache refresh failed", "agent", exec.AgentType, "error", err)
	}
	return id, nil
}

// RecordFeedback attaches a user rating to an execution.
func (e *Evaluator) RecordFeedback(executionID int64, rating int, text string) error {
	res, err := e.db.Exec(
		`UPDATE executions SET user_feedback_rating = ?, user_feedback_text = ? WHERE id = ?`,
		rating, text, executionID,
	)
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	var agentType string
	if err := e.db.QueryRow(`SELECT agent_type FROM executions WHERE id = ?`, executionID).Scan(&agentType); err == nil {
		if err := e.refreshCache(agentType); err != nil {
			e.logger.Warn("metrics cache refresh failed", "agent", agentType, "error", err)
		}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %d not found", executionID)
	}
	return nil
}

func (e *Evaluator) refreshCache(agentType string) error {
	var total, successful int
	var avgDuration, avgRating sql.NullFloat64
	err := e.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(success), 0), AVG(duration_ms), AVG(user_feedback_rating)
		 FROM executions WHERE agent_type = ?`,
		agentType,
	).Scan(&total, &successful, &avgDuration, &avgRating)
	if err != nil {
		return err
	}
	rate := 0.0
	if total > 0 {
		rate = float64(successful) / float64(total)
	}
	_, err = e.db.Exec(
		`INSERT INTO metrics_cache (agent_type, total, successful, avg_duration, success_rate, avg_rating, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_type) DO UPDATE SET
			total = excluded.total,
			successful = excluded.successful,
			avg_duration = excluded.avg_duration,
			success_rate = excluded.success_rate,
			avg_rating = excluded.avg_rating,
			last_updated = excluded.last_updated`,
		agentType, total, successful, avgDuration.Float64, rate, avgRating.Float64,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetAgentMetrics aggregates an agent's executions over the last N days.
func (e *Evaluator) GetAgentMetrics(agentType string, days int) (*AgentMetrics, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02 15:04:05")

	m := &AgentMetrics{
		AgentType:  agentType,
		PeriodDays: days,
		ByCategory: map[string]CatStat{},
	}

	var avgDuration, avgRating sql.NullFloat64
	err := e.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(success), 0), AVG(duration_ms), AVG(user_feedback_rating)
		 FROM executions WHERE agent_type = ? AND timestamp >= ?`,
		agentType, since,
	).Scan(&m.TotalExecutions, &m.Successful, &avgDuration, &avgRating)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	if m.TotalExecutions > 0 {
		m.SuccessRate = float64(m.Successful) / float64(m.TotalExecutions)
	}
	m.AvgDurationMS = avgDuration.Float64
	m.AvgRating = avgRating.Float64

	rows, err := e.db.Query(
		`SELECT task_category, COUNT(*), COALESCE(SUM(success), 0)
		 FROM executions WHERE agent_type = ? AND timestamp >= ?
		 GROUP BY task_category`,
		agentType, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cat sql.NullString
		var total, ok int
		if err := rows.Scan(&cat, &total, &ok); err != nil {
			continue
		}
		name := cat.String
		if name == "" {
			name = "other"
		}
		stat := CatStat{Total: total, Successful: ok}
		if total > 0 {
			stat.SuccessRate = float64(ok) / float64(total)
		}
		m.ByCategory[name] = stat
	}

	errRows, err := e.db.Query(
		`SELECT error FROM executions
		 WHERE agent_type = ? AND success = 0 AND error != '' AND timestamp >= ?
		 ORDER BY timestamp DESC LIMIT 10`,
		agentType, since,
	)
	if err == nil {
		defer errRows.Close()
		for errRows.Next() {
			var msg string
			if errRows.Scan(&msg) == nil {
				m.RecentErrors = append(m.RecentErrors, msg)
			}
		}
	}
	return m, nil
}

// AgentTypes returns all agent types that have recorded executions.
func (e *Evaluator) AgentTypes() ([]string, error) {
	rows, err := e.db.Query(`SELECT DISTINCT agent_type FROM executions ORDER BY agent_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			out = append(out, name)
		}
	}
	return out, nil
}

// Suggestions derives improvement recommendations from recent metrics.
// Thresholds: failure rate above 50% in a task category is high
// priority, average duration above 10s is medium, average rating below
// 3.5 is high.
func (e *Evaluator) Suggestions(days int) ([]Suggestion, error) {
	agents, err := e.AgentTypes()
	if err != nil {
		return nil, err
	}
	var out []Suggestion
	for _, agent := range agents {
		m, err := e.GetAgentMetrics(agent, days)
		if err != nil || m.TotalExecutions == 0 {
			continue
		}
		categories := make([]string, 0, len(m.ByCategory))
		for name := range m.ByCategory {
			categories = append(categories, name)
		}
		sort.Strings(categories)
		for _, name := range categories {
			stat := m.ByCategory[name]
			if stat.Total == 0 || stat.SuccessRate >= 0.5 {
				continue
			}
			out = append(out, Suggestion{
				AgentType:  agent,
				Category:   name,
				Issue:      fmt.Sprintf("Success rate for %s tasks is %.0f%%", name, stat.SuccessRate*100),
				Suggestion: "Review recent errors in this category and consider adjusting the agent's prompt or backend",
				Priority:   "high",
			})
		}
		if m.AvgDurationMS > 10000 {
			out = append(out, Suggestion{
				AgentType:  agent,
				Category:   "performance",
				Issue:      fmt.Sprintf("Average duration is %.0fms", m.AvgDurationMS),
				Suggestion: "Consider a faster backend or smaller context for this agent",
				Priority:   "medium",
			})
		}
		if m.AvgRating > 0 && m.AvgRating < 3.5 {
			out = append(out, Suggestion{
				AgentType:  agent,
				Category:   "quality",
				Issue:      fmt.Sprintf("Average user rating is %.1f", m.AvgRating),
				Suggestion: "Review low-rated responses and refine the agent's system prompt",
				Priority:   "high",
			})
		}
	}
	for _, s := range out {
		if _, err := e.db.Exec(
			`INSERT INTO improvement_suggestions (agent_type, category, issue, suggestion, priority)
			 VALUES (?, ?, ?, ?, ?)`,
			s.AgentType, s.Category, s.Issue, s.Suggestion, s.Priority,
		); err != nil {
			e.logger.Warn("failed to persist suggestion", "error", err)
		}
	}
	return out, nil
}

// Report renders a Markdown performance summary across all agents.
func (e *Evaluator) Report(days int) (string, error) {
	agents, err := e.AgentTypes()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Agent Performance Report\n\n")
	fmt.Fprintf(&b, "Period: last %d days\n\n", days)

	if len(agents) == 0 {
		b.WriteString("No executions recorded.\n")
		return b.String(), nil
	}

	b.WriteString("| Agent | Executions | Success Rate | Avg Duration | Avg Rating |\n")
	b.WriteString("|-------|-----------:|-------------:|-------------:|-----------:|\n")
	for _, agent := range agents {
		m, err := e.GetAgentMetrics(agent, days)
		if err != nil {
			continue
		}
		rating := "-"
		if m.AvgRating > 0 {
			rating = fmt.Sprintf("%.1f", m.AvgRating)
		}
		fmt.Fprintf(&b, "| %s | %d | %.0f%% | %.0fms | %s |\n",
			agent, m.TotalExecutions, m.SuccessRate*100, m.AvgDurationMS, rating)
	}

	suggestions, err := e.Suggestions(days)
	if err == nil && len(suggestions) > 0 {
		b.WriteString("\n## Suggestions\n\n")
		sort.Slice(suggestions, func(i, j int) bool {
			return suggestions[i].Priority < suggestions[j].Priority
		})
		for _, s := range suggestions {
			fmt.Fprintf(&b, "- **%s** (%s, %s): %s. %s\n",
				s.AgentType, s.Category, s.Priority, s.Issue, s.Suggestion)
		}
	}
	return b.String(), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
