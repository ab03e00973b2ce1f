package messaging

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"courier/cmd/identity/ids"
)

var validate = validator.New()

// SendRequest is the inbound send_message payload.
type SendRequest struct {
	RecipientID string `validate:"required,ulid"`
	Content     string `validate:"required,max=4000"`
}

// normalize trims the request and validates it for sender.
func (r SendRequest) normalize(sender string) (SendRequest, error) {
	const op = "messaging.SendMessage"

	r.RecipientID = strings.TrimSpace(r.RecipientID)
	r.Content = strings.TrimSpace(r.Content)

	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return SendRequest{}, invalid(op, describe(verrs[0]))
		}
		return SendRequest{}, invalid(op, "invalid message")
	}
	if !ids.Valid(r.RecipientID) {
		return SendRequest{}, invalid(op, "invalid recipient id")
	}

	r.RecipientID = ids.Canonical(r.RecipientID)
	if r.RecipientID == ids.Canonical(sender) {
		return SendRequest{}, invalid(op, "cannot send a message to yourself")
	}
	return r, nil
}

func describe(fe validator.FieldError) string {
	switch fe.Field() + "." + fe.Tag() {
	case "RecipientID.required":
		return "recipient id is required"
	case "RecipientID.ulid":
		return "invalid recipient id"
	case "Content.required":
		return "message content is required"
	case "Content.max":
		return "message content is too long"
	default:
		return "invalid message"
	}
}
