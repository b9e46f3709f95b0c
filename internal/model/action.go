package model

import (
	"fmt"
	"strings"
)

// Action is a user command addressed to one device.
type Action string

const (
	ActionOpen        Action = "OPEN"
	ActionClose       Action = "CLOSE"
	ActionLightOn     Action = "LIGHT_ON"
	ActionLightOff    Action = "LIGHT_OFF"
	ActionLightToggle Action = "LIGHT_TOGGLE"
)

// ParseAction accepts the canonical names case-insensitively.
func ParseAction(raw string) (Action, error) {
	value := Action(strings.ToUpper(strings.TrimSpace(raw)))
	switch value {
	case ActionOpen, ActionClose, ActionLightOn, ActionLightOff, ActionLightToggle:
		return value, nil
	}
	return "", fmt.Errorf("unknown action %q", raw)
}

// Attribute returns the device attribute the action drives.
func (a Action) Attribute() Attribute {
	switch a {
	case ActionLightOn, ActionLightOff, ActionLightToggle:
		return AttributeLight
	default:
		return AttributeDoor
	}
}

// Resolve turns a toggle into a concrete light action given the current state.
func (a Action) Resolve(current LightState) Action {
	if a != ActionLightToggle {
		return a
	}
	if current == LightOn {
		return ActionLightOff
	}
	return ActionLightOn
}

// ExpectedState is the transitional value the device reports once it accepts
// the action.
func (a Action) ExpectedState() string {
	switch a {
	case ActionOpen:
		return string(DoorOpening)
	case ActionClose:
		return string(DoorClosing)
	case ActionLightOn:
		return string(LightOn)
	case ActionLightOff:
		return string(LightOff)
	default:
		return ""
	}
}
