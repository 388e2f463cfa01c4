package domain

import "time"

// Transition records a mode change of one module.
type Transition struct {
	Module ModuleID  `json:"module"`
	From   Mode      `json:"from"`
	To     Mode      `json:"to"`
	Reason string    `json:"reason"`
	Rate   int       `json:"rate"`
	At     time.Time `json:"at"`
}
