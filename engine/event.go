package engine

import (
	"tgiedit/types"
)

type EventType string

// Event type constants
const (
	EventInlineEdit EventType = "inline_edit"
	EventChat       EventType = "chat"
	EventStop       EventType = "stop"
	EventUndo       EventType = "undo"
)

var eventTypeMap map[string]EventType

func init() {
	eventTypeMap = buildEventTypeMap()
}

func buildEventTypeMap() map[string]EventType {
	eventMap := make(map[string]EventType)
	for _, eventType := range []EventType{EventInlineEdit, EventChat, EventStop, EventUndo} {
		eventMap[string(eventType)] = eventType
	}
	return eventMap
}

func EventTypeFromString(s string) EventType {
	if eventType, exists := eventTypeMap[s]; exists {
		return eventType
	}
	return ""
}

// InlineEditArgs is the payload of EventInlineEdit
type InlineEditArgs struct {
	Prompt string
	Range  *types.Range // nil when nothing was selected
}

type Event struct {
	Type EventType
	Host Host // editor the command came from
	Data any
}
