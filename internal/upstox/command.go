package upstox

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Method is the verb of a control message sent over the feed socket.
type Method string

const (
	MethodSubscribe   Method = "sub"
	MethodUnsubscribe Method = "unsub"
)

// Command is the JSON control message understood by the feed.
type Command struct {
	GUID   string      `json:"guid"`
	Method Method      `json:"method"`
	Data   CommandData `json:"data"`
}

type CommandData struct {
	Mode           string   `json:"mode"`
	InstrumentKeys []string `json:"instrumentKeys"`
}

// NewCommand builds a command with a fresh request id.
func NewCommand(method Method, mode string, keys []string) Command {
	return NewCommandWithGUID(uuid.NewString(), method, mode, keys)
}

// NewCommandWithGUID builds a command with a caller chosen request id.
func NewCommandWithGUID(guid string, method Method, mode string, keys []string) Command {
	copied := make([]string, len(keys))
	copy(copied, keys)
	return Command{
		GUID:   guid,
		Method: method,
		Data:   CommandData{Mode: mode, InstrumentKeys: copied},
	}
}

func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}
