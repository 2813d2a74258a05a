package management

import (
	"encoding/json"
	"fmt"

	"github.com/yllada/openvpn-monitor/common"
)

// ConnectionError is a transport failure tied to one management connection.
// It is both returned from Connect and carried by EventSocketError.
type ConnectionError struct {
	ConnectionID string
	// Op is the step that failed: "dial", "handshake", "read", "write" or "frame".
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("management %s: %s: %v", e.ConnectionID, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is makes every ConnectionError match common.ErrConnectionFailed.
func (e *ConnectionError) Is(target error) bool {
	return target == common.ErrConnectionFailed
}

// MarshalJSON flattens the error for event sinks.
func (e *ConnectionError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		ConnectionID string `json:"id"`
		Op           string `json:"op"`
		Error        string `json:"error"`
	}{e.ConnectionID, e.Op, msg})
}
