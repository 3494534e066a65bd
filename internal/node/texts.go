package node

// User-facing answers.
const (
	GreetingText          = "Hello! Send /help to see what I can do."
	HelpText              = "Available commands:\n/start - greeting\n/help - this list\n/registration - register with your email\n/cancel - cancel the current command"
	AlreadyRegisteredText = "You are already registered!"
	MailAlreadySentText   = "An activation mail has already been sent to your email!"
	EnterEmailText        = "Enter your email:"
	NothingToCancelText   = "Nothing to cancel."
	FallbackText          = "Unknown command! /help"
	CancelledText         = "Command cancelled!"
	InvalidEmailText      = "Please enter a valid email! /cancel"
	EmailTakenText        = "This email is already in use. /cancel"
	CheckEmailText        = "An activation mail has been sent. Follow the link in it to finish the registration."
	UnknownErrorText      = "Unknown error! /cancel"

	PleaseRegisterText = "Please register with /registration before uploading files!"
	MidCommandText     = "You are in the middle of a command. Finish it or /cancel first."

	DocumentStoredText = "Document uploaded! Here is the link: "
	PhotoStoredText    = "Photo uploaded! Here is the link: "
	DocumentFailedText = "Document upload failed :("
	PhotoFailedText    = "Photo upload failed :("
)
