package segment

import (
	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"github.com/dreamware/gangway/internal/storage"
)

// Step operations.
const (
	OpLoad     = "load"
	OpScan     = "scan"
	OpTruncate = "truncate"
	OpNextval  = "nextval"
	OpAck      = "ack"
	OpSleep    = "sleep"
	OpFail     = "fail"
)

// Command is the payload the coordinator dispatches to every segment of a gang.
type Command struct {
	ID string `json:"id"`
	// Owner is echoed in nextval requests so the coordinator can reject
	// requests meant for another session.
	Owner uint32 `json:"owner"`
	Tag   string `json:"tag,omitempty"`
	Steps []Step `json:"steps"`
	// Segments replaces Steps for the listed content ids.
	Segments map[int][]Step `json:"segments,omitempty"`
}

// Step is one action of a command.
type Step struct {
	Op       string        `json:"op"`
	Table    string        `json:"table,omitempty"`
	Rows     []storage.Row `json:"rows,omitempty"`
	DistKey  *int          `json:"dist_key,omitempty"`
	Seq      uint32        `json:"seq,omitempty"`
	Token    string        `json:"token,omitempty"`
	Millis   int           `json:"ms,omitempty"`
	SQLState string        `json:"sqlstate,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// codec decodes numbers as int64 so loaded keys hash like Go integers.
var codec = sonic.Config{UseInt64: true}.Froze()

// Encode serializes the command for dispatch.
func (c Command) Encode() ([]byte, error) {
	b, err := codec.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encode command")
	}
	return b, nil
}

// DecodeCommand parses a dispatched payload.
func DecodeCommand(p []byte) (Command, error) {
	var c Command
	if err := codec.Unmarshal(p, &c); err != nil {
		return Command{}, errors.Wrap(err, "decode command")
	}
	return c, nil
}

// StepsFor returns the steps the segment with contentID runs.
func (c Command) StepsFor(contentID int) []Step {
	if steps, ok := c.Segments[contentID]; ok {
		return steps
	}
	return c.Steps
}

func (s Step) distKey() int {
	if s.DistKey == nil {
		return -1
	}
	return *s.DistKey
}
