package node

import "filebot/internal/domain"

// transition is the outcome of one text input against a user record.
type transition struct {
	next   domain.UserState
	email  string // set when the email should be stored
	answer string
	write  bool // record must be persisted
	mail   bool // a registration mail follows a successful write
}

// decide applies the conversation state table. It never touches storage;
// the email-in-use check happens in the engine because it needs a lookup.
// The second result is false for a state outside the table; the record is
// then left as it is.
func decide(u *domain.UserRecord, cmd Command, email string, validEmail func(string) bool) (transition, bool) {
	if !u.State.Known() {
		return transition{next: u.State, answer: UnknownErrorText}, false
	}
	if u.State == domain.StateBasic {
		return decideBasic(u, cmd), true
	}
	if cmd == CommandCancel {
		return transition{next: domain.StateBasic, answer: CancelledText, write: true}, true
	}
	if !validEmail(email) {
		return transition{next: domain.StateWaitForEmail, answer: InvalidEmailText}, true
	}
	return transition{next: domain.StateBasic, email: email, answer: CheckEmailText, write: true, mail: true}, true
}

func decideBasic(u *domain.UserRecord, cmd Command) transition {
	stay := func(answer string) transition {
		return transition{next: domain.StateBasic, answer: answer}
	}
	switch cmd {
	case CommandStart:
		return stay(GreetingText)
	case CommandHelp:
		return stay(HelpText)
	case CommandCancel:
		return stay(NothingToCancelText)
	case CommandRegistration:
		switch {
		case u.Active:
			return stay(AlreadyRegisteredText)
		case u.Email != nil:
			return stay(MailAlreadySentText)
		default:
			return transition{next: domain.StateWaitForEmail, answer: EnterEmailText, write: true}
		}
	default:
		return stay(FallbackText)
	}
}
