package chat

import (
	"fmt"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	MaxMessageBytes    = 8192      // content size cap
	MaxTextChars       = 4000      // content character cap
	MaxAttachmentBytes = 2_800_000 // base64 of a ~2MB image
)

var validate = validator.New()

// SendRequest is a message submitted by a customer or staff member.
type SendRequest struct {
	SessionID   string `validate:"required,max=128"`
	Sender      Sender `validate:"required,oneof=customer staff"`
	Content     string `validate:"required"`
	Attachment  string `validate:"max=2800000"`
	ShipmentRef string `validate:"max=64"`
	StaffID     string `validate:"required_if=Sender staff,max=64"`
	StaffRole   Role   `validate:"required_if=Sender staff"`
}

// ValidateSendRequest checks field constraints and content encoding. Every
// failure wraps ErrInvalidMessage.
func ValidateSendRequest(req SendRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if req.Sender == SenderStaff && !req.StaffRole.Valid() {
		return fmt.Errorf("%w: unknown staff role %q", ErrInvalidMessage, req.StaffRole)
	}
	if err := ValidateMessage(req.Content); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// ValidateMessage checks that message text meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}
