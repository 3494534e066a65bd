package domain

// MailRequest asks the mail worker to send an activation mail.
type MailRequest struct {
	UserToken string `json:"id"`
	EmailTo   string `json:"emailTo"`
}

// OutboundAnswer is a text reply addressed to a chat.
type OutboundAnswer struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// Queue names shared by every component.
const (
	QueueTextUpdate       = "text-update"
	QueueDocumentUpdate   = "document-update"
	QueuePhotoUpdate      = "photo-update"
	QueueAnswerMessage    = "answer-message"
	QueueRegistrationMail = "registration-mail"
)
