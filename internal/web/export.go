package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/myrmex-ai/myrmex/pkg/models"
)

func (s *Server) handleExportSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	messages, err := s.store.GetHistory(r.Context(), id, embeddedMessageLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "jsonl"
	}
	switch format {
	case "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", session.ID+".jsonl"))
		if err := ExportJSONL(w, session, messages); err != nil {
			s.logger.Error("export failed", "session", id, "error", err)
		}
	case "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", session.ID+".md"))
		if err := ExportMarkdown(w, session, messages); err != nil {
			s.logger.Error("export failed", "session", id, "error", err)
		}
	default:
		jsonError(w, http.StatusBadRequest, "unknown format: "+format)
	}
}

// jsonlHeader is the leading line of a JSONL export.
type jsonlHeader struct {
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id"`
	Type         string    `json:"type"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"message_count"`
	TotalTokens  int64     `json:"total_tokens"`
	TotalCost    float64   `json:"total_cost"`
	CreatedAt    time.Time `json:"created_at"`
}

// jsonlMessage is one exported message line.
type jsonlMessage struct {
	Role         string            `json:"role"`
	Content      string            `json:"content"`
	Thinking     string            `json:"thinking,omitempty"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID   string            `json:"tool_call_id,omitempty"`
	Model        string            `json:"model,omitempty"`
	TokensInput  int               `json:"tokens_input,omitempty"`
	TokensOutput int               `json:"tokens_output,omitempty"`
	Cost         float64           `json:"cost,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ExportJSONL writes the session as newline-delimited JSON: a session
// header line followed by one line per message, in chronological order.
func ExportJSONL(w io.Writer, session *models.Session, messages []*models.Message) error {
	enc := json.NewEncoder(w)
	header := jsonlHeader{
		SessionID:    session.ID,
		AgentID:      session.AgentID,
		Type:         string(session.Type),
		Title:        session.Title,
		MessageCount: session.MessageCount,
		TotalTokens:  session.TotalTokens,
		TotalCost:    session.TotalCost,
		CreatedAt:    session.CreatedAt,
	}
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for _, msg := range messages {
		line := jsonlMessage{
			Role:         string(msg.Role),
			Content:      msg.Content,
			Thinking:     msg.Thinking,
			ToolCalls:    msg.ToolCalls,
			ToolCallID:   msg.ToolCallID,
			Model:        msg.Model,
			TokensInput:  msg.InputTokens,
			TokensOutput: msg.OutputTokens,
			Cost:         msg.Cost,
			CreatedAt:    msg.CreatedAt,
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
	}
	return nil
}

// ExportMarkdown renders the transcript as a readable document: title,
// metadata, and one role-headed section per message. Tool traffic is fenced
// so structured payloads survive rendering.
func ExportMarkdown(w io.Writer, session *models.Session, messages []*models.Message) error {
	var b strings.Builder

	title := session.Title
	if title == "" {
		title = "Session " + session.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- **Agent:** %s\n", session.AgentID)
	fmt.Fprintf(&b, "- **Type:** %s\n", session.Type)
	fmt.Fprintf(&b, "- **Created:** %s\n", session.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Messages:** %d\n", session.MessageCount)
	fmt.Fprintf(&b, "- **Tokens:** %d\n", session.TotalTokens)
	fmt.Fprintf(&b, "- **Cost:** $%.4f\n", session.TotalCost)

	for _, msg := range messages {
		fmt.Fprintf(&b, "\n## %s\n\n", roleHeading(msg))
		if msg.Thinking != "" {
			fmt.Fprintf(&b, "<details><summary>Thinking</summary>\n\n%s\n\n</details>\n\n", msg.Thinking)
		}
		switch msg.Role {
		case models.RoleTool:
			fmt.Fprintf(&b, "```\n%s\n```\n", msg.Content)
		default:
			if msg.Content != "" {
				fmt.Fprintf(&b, "%s\n", msg.Content)
			}
		}
		for _, call := range msg.ToolCalls {
			fmt.Fprintf(&b, "\n```json\n{\"tool\": %q, \"arguments\": %s}\n```\n",
				call.Name, string(call.Arguments))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func roleHeading(msg *models.Message) string {
	switch msg.Role {
	case models.RoleUser:
		return "User"
	case models.RoleAssistant:
		return "Assistant"
	case models.RoleSystem:
		return "System"
	case models.RoleTool:
		return "Tool: " + msg.ToolName
	default:
		return string(msg.Role)
	}
}
