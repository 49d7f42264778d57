package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all key bindings for the TUI.
type KeyMap struct {
	Submit  key.Binding
	NewLine key.Binding
	Quit    key.Binding
}

// DefaultKeyMap provides the default key bindings for the TUI.
var DefaultKeyMap = KeyMap{
	Submit: key.NewBinding(
		key.WithKeys(KeyEnter),
		key.WithHelp("enter", "send answer"),
	),
	NewLine: key.NewBinding(
		key.WithKeys(KeyCtrlJ),
		key.WithHelp("ctrl+j", "new line"),
	),
	Quit: key.NewBinding(
		key.WithKeys(KeyEsc, KeyCtrlC),
		key.WithHelp("esc", "leave"),
	),
}
