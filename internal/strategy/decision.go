package strategy

// Action is the kind of decision the engine produced for a bot.
type Action string

const (
	ActionEnter Action = "enter"
	ActionExit  Action = "exit"
	ActionHold  Action = "hold"
)

// Decision is the engine's verdict for one bot on one evaluation.
type Decision struct {
	Action Action
	// Amount is the quote currency to spend; set on enter decisions.
	Amount float64
	// Fraction is the share of current holdings to sell; set on exit
	// decisions.
	Fraction float64
	Reason   string
}

// Enter builds an enter decision.
func Enter(amount float64, reason string) Decision {
	return Decision{Action: ActionEnter, Amount: amount, Reason: reason}
}

// Exit builds an exit decision.
func Exit(fraction float64, reason string) Decision {
	return Decision{Action: ActionExit, Fraction: fraction, Reason: reason}
}

// Hold builds a hold decision.
func Hold(reason string) Decision {
	return Decision{Action: ActionHold, Reason: reason}
}
