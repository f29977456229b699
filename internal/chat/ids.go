package chat

import (
	"strconv"

	"github.com/suPer8Hu/chat-relay/internal/common"
)

// NewSessionID returns "<user id in base 36>-<ULID>".
func NewSessionID(userID uint64) (string, error) {
	id, err := common.NewULID()
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(userID, 36) + "-" + id, nil
}
