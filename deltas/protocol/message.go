// Package protocol is the message exchange between the delta generator and
// remote delta workers.
//
// A worker connects, sends hello with its ProtocolVersion and name, and gets
// a version message back. From then on the server sends compute-delta
// requests one at a time, each with a fresh Seq, and the worker answers each
// with a delta-result carrying the same Seq. A worker leaving cleanly sends
// unregister first.
package protocol

import (
	"fmt"

	"github.com/deltapub/deltapub/repo"
)

// ProtocolVersion is bumped on incompatible message changes.
const ProtocolVersion = 1

type Type string

const (
	// worker -> server, first message on a connection.
	TypeHello Type = "hello"

	// server -> worker, acknowledges hello.
	TypeVersion Type = "version"

	// server -> worker.
	TypeComputeDelta Type = "compute-delta"

	// worker -> server, answers the compute-delta with the same Seq.
	TypeDeltaResult Type = "delta-result"

	// worker -> server, no further requests please.
	TypeUnregister Type = "unregister"
)

type Message struct {
	Type    Type   `json:"type" msgpack:"type"`
	Seq     uint64 `json:"seq,omitempty" msgpack:"seq,omitempty"`
	Version int    `json:"version,omitempty" msgpack:"version,omitempty"`
	// Worker name, on hello.
	Name string `json:"name,omitempty" msgpack:"name,omitempty"`

	Repo   string          `json:"repo,omitempty" msgpack:"repo,omitempty"`
	Delta  *repo.DeltaSpec `json:"delta,omitempty" msgpack:"delta,omitempty"`
	Result *repo.DeltaInfo `json:"result,omitempty" msgpack:"result,omitempty"`

	// Set on a failed delta-result.
	Error     string `json:"error,omitempty" msgpack:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty" msgpack:"retryable,omitempty"`
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(seq:%d)", m.Type, m.Seq)
}

// Validate checks the fields required by m.Type.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeHello:
		if m.Version == 0 {
			return fmt.Errorf("hello without version")
		}
	case TypeVersion, TypeUnregister:
	case TypeComputeDelta:
		if m.Seq == 0 || m.Repo == "" || m.Delta == nil || m.Delta.To == "" {
			return fmt.Errorf("incomplete compute-delta %v", m)
		}
	case TypeDeltaResult:
		if m.Seq == 0 {
			return fmt.Errorf("delta-result without seq")
		}
		if (m.Result == nil) == (m.Error == "") {
			return fmt.Errorf("delta-result %d needs exactly one of result or error", m.Seq)
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

func Hello(name string) *Message {
	return &Message{Type: TypeHello, Version: ProtocolVersion, Name: name}
}

func ComputeDelta(seq uint64, repoName string, spec repo.DeltaSpec) *Message {
	return &Message{Type: TypeComputeDelta, Seq: seq, Repo: repoName, Delta: &spec}
}

func DeltaResult(seq uint64, info *repo.DeltaInfo) *Message {
	return &Message{Type: TypeDeltaResult, Seq: seq, Result: info}
}

func DeltaFailed(seq uint64, err error, retryable bool) *Message {
	return &Message{Type: TypeDeltaResult, Seq: seq, Error: err.Error(), Retryable: retryable}
}
