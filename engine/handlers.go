package engine

import (
	"fmt"

	"tgiedit/logger"
	"tgiedit/types"

	"github.com/neovim/go-client/nvim"
)

// RegisterHandlers exposes the engine commands on n for commands coming from
// host. Handlers only queue events, so the editor side should call them with
// rpcnotify and never wait on the generation.
//
//	tgiedit_inline_edit(prompt, start, end)  start/end 0 when nothing is selected
//	tgiedit_chat(prompt)
//	tgiedit_stop()
//	tgiedit_undo()
//	tgiedit_event(name)                      "stop" or "undo"
func (e *Engine) RegisterHandlers(n *nvim.Nvim, host Host) error {
	handlers := map[string]any{
		"tgiedit_inline_edit": func(_ *nvim.Nvim, prompt string, start, end int) {
			e.Dispatch(Event{Type: EventInlineEdit, Host: host, Data: InlineEditArgs{Prompt: prompt, Range: rangeArg(start, end)}})
		},
		"tgiedit_chat": func(_ *nvim.Nvim, prompt string) {
			e.Dispatch(Event{Type: EventChat, Host: host, Data: prompt})
		},
		"tgiedit_stop": func(_ *nvim.Nvim) {
			e.Dispatch(Event{Type: EventStop, Host: host})
		},
		"tgiedit_undo": func(_ *nvim.Nvim) {
			e.Dispatch(Event{Type: EventUndo, Host: host})
		},
		"tgiedit_event": func(_ *nvim.Nvim, name string) {
			eventType := EventTypeFromString(name)
			if eventType != EventStop && eventType != EventUndo {
				logger.Warn("ignoring event %q", name)
				return
			}
			e.Dispatch(Event{Type: eventType, Host: host})
		},
	}

	for method, fn := range handlers {
		if err := n.RegisterHandler(method, fn); err != nil {
			return fmt.Errorf("register %s: %w", method, err)
		}
	}
	return nil
}

// rangeArg converts command line numbers to a range, nil when unset
func rangeArg(start, end int) *types.Range {
	if start <= 0 || end <= 0 {
		return nil
	}
	if end < start {
		start, end = end, start
	}
	return &types.Range{Start: start, End: end}
}
