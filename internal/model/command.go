package model

import (
	"time"

	"gorm.io/datatypes"
)

// CommandState is a step in the command lifecycle.
type CommandState string

const (
	CommandPending      CommandState = "pending"
	CommandSent         CommandState = "sent"
	CommandAcknowledged CommandState = "acknowledged"
	CommandCompleted    CommandState = "completed"
	CommandFailed       CommandState = "failed"
	CommandExpired      CommandState = "expired"
	CommandCancelled    CommandState = "cancelled"
)

// TerminalCommandStates can never be left once entered.
var TerminalCommandStates = []CommandState{CommandCompleted, CommandFailed, CommandExpired, CommandCancelled}

// IsTerminal reports whether no further transition is permitted from s.
func (s CommandState) IsTerminal() bool {
	for _, t := range TerminalCommandStates {
		if s == t {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s CommandState) Valid() bool {
	switch s {
	case CommandPending, CommandSent, CommandAcknowledged:
		return true
	}
	return s.IsTerminal()
}

// Command is a single dispatch request. Target and payload are immutable; only
// the lifecycle columns change after creation.
type Command struct {
	ID                    string            `gorm:"primaryKey;size:64" json:"id"`
	TargetHardwareAddress string            `gorm:"size:64;index:idx_commands_target_state;not null" json:"targetHardwareAddress"`
	Action                string            `gorm:"size:128;not null" json:"action"`
	Parameters            datatypes.JSONMap `json:"parameters,omitempty"`
	Priority              int               `gorm:"not null;default:0" json:"priority"`
	State                 CommandState      `gorm:"size:32;index:idx_commands_target_state;not null" json:"state"`
	Result                datatypes.JSON    `json:"result,omitempty"`
	ErrorMessage          *string           `json:"errorMessage,omitempty"`
	ExpiresAt             *time.Time        `gorm:"index" json:"expiresAt,omitempty"`
	SentAt                *time.Time        `json:"sentAt,omitempty"`
	AcknowledgedAt        *time.Time        `json:"acknowledgedAt,omitempty"`
	FinishedAt            *time.Time        `json:"finishedAt,omitempty"`
	DispatchAttempts      int               `gorm:"not null;default:0" json:"dispatchAttempts"`
	CreatedAt             time.Time         `gorm:"index" json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
}
