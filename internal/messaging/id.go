package messaging

import (
	"strings"

	"portal-mailbox/internal/common/errors"
)

const idSeparator = "_"

// ConversationID maps an unordered pair of participants to one id. Both
// orderings give the same result and distinct pairs never collide, which is
// why ids containing the separator are refused.
func ConversationID(a, b string) (string, error) {
	lo, hi, err := orderPair(a, b)
	if err != nil {
		return "", err
	}
	return lo + idSeparator + hi, nil
}

func orderPair(a, b string) (string, string, error) {
	switch {
	case strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "":
		return "", "", errors.NewInvalidInputError("both participants are required")
	case strings.TrimSpace(a) != a || strings.TrimSpace(b) != b:
		return "", "", errors.NewInvalidInputError("participant ids must not have surrounding whitespace")
	case a == b:
		return "", "", errors.NewInvalidInputError("a conversation needs two distinct participants")
	case strings.Contains(a, idSeparator) || strings.Contains(b, idSeparator):
		return "", "", errors.NewInvalidInputError("participant ids must not contain " + idSeparator)
	}
	if b < a {
		a, b = b, a
	}
	return a, b, nil
}

// Participants recovers the pair a conversation id was built from.
func Participants(conversationID string) (string, string, error) {
	a, b, ok := strings.Cut(conversationID, idSeparator)
	if !ok {
		return "", "", errors.NewInvalidInputError("malformed conversation id")
	}
	id, err := ConversationID(a, b)
	if err != nil || id != conversationID {
		return "", "", errors.NewInvalidInputError("malformed conversation id")
	}
	return a, b, nil
}
