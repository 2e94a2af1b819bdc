package errors

import (
	"fmt"
	"strings"
)

// FormatForCLI formats an error for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	var ie *IdxError
	if !As(err, &ie) {
		ie = Wrap(ErrCodeInternal, err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", ie.Message))
	if ie.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Suggestion: %s\n", ie.Suggestion))
	}
	sb.WriteString(fmt.Sprintf("  Code: %s\n", ie.Code))

	return sb.String()
}

// FormatForRow renders err as the message persisted on a FAILED index row.
// Codes are kept so operators can grep for them; causes are flattened.
func FormatForRow(err error) string {
	if err == nil {
		return ""
	}

	var ie *IdxError
	if As(err, &ie) {
		msg := ie.Message
		if ie.Cause != nil && ie.Cause.Error() != ie.Message {
			msg = fmt.Sprintf("%s: %s", msg, ie.Cause.Error())
		}
		return fmt.Sprintf("[%s] %s", ie.Code, msg)
	}
	return err.Error()
}
