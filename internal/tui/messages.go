package tui

import "github.com/berth-dev/trivium/internal/cq"

// ChatMessage is one line of the questioning transcript.
type ChatMessage struct {
	Role    string // "owner", "engine" or "system"
	Content string
}

// AnswerResultMsg carries the engine's reply to a submitted answer.
type AnswerResultMsg struct {
	Response *cq.Response
	Err      error
}
