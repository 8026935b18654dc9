package tasks

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/splitmind/splitmind/pkg/models"
)

// Format constants for tasks.md.
const (
	fileHeader     = "# tasks.md"
	taskHeading    = "## Task: "
	timeLayout     = time.RFC3339
)

// knownKeys are the bullet keys Parse maps onto Task struct fields.
// Any bullet not in this set is preserved verbatim in Task.Extra so a
// round trip never silently drops operator data.
var knownKeys = map[string]bool{
	"id": true, "description": true, "prompt": true, "branch": true,
	"session": true, "status": true, "dependencies": true, "priority": true,
	"merge_order": true, "exclusive_files": true, "shared_files": true,
	"created_at": true, "updated_at": true, "completed_at": true, "merged_at": true,
}

// Parse reads a tasks.md document and returns the tasks it contains, in
// file order. It returns *ParseError for any line that does not match
// the expected grammar.
func Parse(content string) ([]*models.Task, error) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var tasks []*models.Task
	var current *models.Task
	lineNo := 0
	sawHeader := false

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "# ") && !sawHeader && current == nil:
			sawHeader = true
			continue
		case strings.HasPrefix(trimmed, taskHeading):
			if current != nil {
				tasks = append(tasks, current)
			}
			title := strings.TrimSpace(strings.TrimPrefix(trimmed, taskHeading))
			if title == "" {
				return nil, &ParseError{Line: lineNo, Reason: "task heading missing a title"}
			}
			current = &models.Task{Title: title, Extra: map[string]string{}}
		case strings.HasPrefix(trimmed, "- "):
			if current == nil {
				return nil, &ParseError{Line: lineNo, Reason: "bullet found before any ## Task: heading"}
			}
			key, value, err := splitBullet(trimmed)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Reason: err.Error()}
			}
			if err := applyField(current, key, value, lineNo); err != nil {
				return nil, err
			}
		default:
			return nil, &ParseError{Line: lineNo, Reason: fmt.Sprintf("unrecognized line: %q", line)}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Line: lineNo, Reason: err.Error()}
	}
	if current != nil {
		tasks = append(tasks, current)
	}
	return tasks, nil
}

func splitBullet(line string) (key, value string, err error) {
	body := strings.TrimPrefix(line, "- ")
	idx := strings.Index(body, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("bullet missing ':' separator: %q", line)
	}
	key = strings.TrimSpace(body[:idx])
	value = strings.TrimSpace(body[idx+1:])
	if key == "" {
		return "", "", fmt.Errorf("bullet has empty key: %q", line)
	}
	return key, value, nil
}

func applyField(t *models.Task, key, value string, lineNo int) error {
	switch key {
	case "id":
		t.ID = unquote(value)
	case "description":
		t.Description = valueOrEmpty(value)
	case "prompt":
		t.Prompt = valueOrEmpty(value)
	case "branch":
		t.Branch = unquote(value)
	case "session":
		t.Session = valueOrEmpty(value)
	case "status":
		t.Status = models.TaskStatus(unquote(value))
	case "dependencies":
		list, err := parseList(value)
		if err != nil {
			return &ParseError{Line: lineNo, Reason: err.Error()}
		}
		t.Dependencies = list
	case "priority":
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return &ParseError{Line: lineNo, Reason: "priority must be an integer: " + err.Error()}
		}
		t.Priority = n
	case "merge_order":
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return &ParseError{Line: lineNo, Reason: "merge_order must be an integer: " + err.Error()}
		}
		t.MergeOrder = n
	case "exclusive_files":
		list, err := parseList(value)
		if err != nil {
			return &ParseError{Line: lineNo, Reason: err.Error()}
		}
		t.ExclusiveFiles = list
	case "shared_files":
		list, err := parseList(value)
		if err != nil {
			return &ParseError{Line: lineNo, Reason: err.Error()}
		}
		t.SharedFiles = list
	case "created_at":
		ts, err := parseTimeField(value)
		if err != nil {
			return &ParseError{Line: lineNo, Reason: "created_at: " + err.Error()}
		}
		t.CreatedAt = ts
	case "updated_at":
		ts, err := parseTimeField(value)
		if err != nil {
			return &ParseError{Line: lineNo, Reason: "updated_at: " + err.Error()}
		}
		t.UpdatedAt = ts
	case "completed_at":
		ts, err := parseOptionalTimeField(value)
		if err != nil {
			return &ParseError{Line: lineNo, Reason: "completed_at: " + err.Error()}
		}
		t.CompletedAt = ts
	case "merged_at":
		ts, err := parseOptionalTimeField(value)
		if err != nil {
			return &ParseError{Line: lineNo, Reason: "merged_at: " + err.Error()}
		}
		t.MergedAt = ts
	default:
		// Unknown key: preserve verbatim for round-trip stability.
		t.Extra[key] = value
	}
	return nil
}

func valueOrEmpty(v string) string {
	if v == "null" {
		return ""
	}
	return unquote(v)
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

func parseList(v string) ([]string, error) {
	v = strings.TrimSpace(v)
	if v == "null" || v == "" {
		return nil, nil
	}
	if !strings.HasPrefix(v, "[") || !strings.HasSuffix(v, "]") {
		return nil, fmt.Errorf("expected a [a,b,c] list, got %q", v)
	}
	inner := strings.TrimSpace(v[1 : len(v)-1])
	if inner == "" {
		return []string{}, nil
	}
	parts := strings.Split(inner, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, unquote(strings.TrimSpace(p)))
	}
	return out, nil
}

func parseTimeField(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "null" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, unquote(v))
}

func parseOptionalTimeField(v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "null" {
		return nil, nil
	}
	ts, err := time.Parse(timeLayout, unquote(v))
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func formatList(items []string) string {
	if items == nil {
		return "null"
	}
	return "[" + strings.Join(items, ",") + "]"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "null"
	}
	return t.Format(timeLayout)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "null"
	}
	return t.Format(timeLayout)
}

func formatOptionalString(s string) string {
	if s == "" {
		return "null"
	}
	return s
}

// Serialize renders tasks back into tasks.md form. Serialize(Parse(x))
// is required to reproduce x's semantic content exactly.
func Serialize(taskList []*models.Task) string {
	var b strings.Builder
	b.WriteString(fileHeader)
	b.WriteString("\n")

	for _, t := range taskList {
		b.WriteString("\n")
		b.WriteString(taskHeading)
		b.WriteString(t.Title)
		b.WriteString("\n")

		writeBullet(&b, "id", t.ID)
		writeBullet(&b, "description", formatOptionalString(t.Description))
		writeBullet(&b, "prompt", formatOptionalString(t.Prompt))
		writeBullet(&b, "branch", t.Branch)
		writeBullet(&b, "session", formatOptionalString(t.Session))
		writeBullet(&b, "status", string(t.Status))
		writeBullet(&b, "dependencies", formatList(t.Dependencies))
		writeBullet(&b, "priority", strconv.Itoa(t.Priority))
		writeBullet(&b, "merge_order", strconv.Itoa(t.MergeOrder))
		writeBullet(&b, "exclusive_files", formatList(t.ExclusiveFiles))
		writeBullet(&b, "shared_files", formatList(t.SharedFiles))
		writeBullet(&b, "created_at", formatTime(t.CreatedAt))
		writeBullet(&b, "updated_at", formatTime(t.UpdatedAt))
		writeBullet(&b, "completed_at", formatOptionalTime(t.CompletedAt))
		writeBullet(&b, "merged_at", formatOptionalTime(t.MergedAt))

		extraKeys := make([]string, 0, len(t.Extra))
		for k := range t.Extra {
			extraKeys = append(extraKeys, k)
		}
		sort.Strings(extraKeys)
		for _, k := range extraKeys {
			writeBullet(&b, k, t.Extra[k])
		}
	}
	return b.String()
}

func writeBullet(b *strings.Builder, key, value string) {
	b.WriteString("- ")
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\n")
}
