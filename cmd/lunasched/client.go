package main

import (
	"fmt"
	"net"
	"time"

	"github.com/lunasched/lunasched/internal/ipc"
)

const (
	connectTimeout = 10 * time.Second
	readTimeout    = 30 * time.Second
)

// roundTrip sends one request and reads one response. Connection problems
// come back as errors (exit 1); any well-formed response is handed to the
// caller even when it carries an Error tag.
func roundTrip(tag string, payload any) (*ipc.Envelope, error) {
	req, err := ipc.Marshal(tag, payload)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("unix", socketPath, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon at %s: %w (is lunaschedd running?)", socketPath, err)
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	resp, err := ipc.NewReader(conn, ipc.MaxResponseSize).Next()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// printPlain handles the Ok/Error response pair shared by the mutating
// commands.
func printPlain(resp *ipc.Envelope) error {
	switch resp.Tag {
	case ipc.RespOk:
		fmt.Println("OK")
		return nil
	case ipc.RespError:
		var msg string
		if err := resp.Decode(&msg); err != nil {
			return fmt.Errorf("malformed error response: %w", err)
		}
		fmt.Println("Error:", msg)
		return nil
	default:
		return fmt.Errorf("unexpected response %q", resp.Tag)
	}
}
