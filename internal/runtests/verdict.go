package runtests

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FailResponse is a structured test failure produced by a failing test
// artifact, surfaced as the scenario's error.
type FailResponse struct {
	Test   string `json:"test"`
	File   string `json:"file"`
	Line   uint64 `json:"line"`
	Column uint64 `json:"column"`
}

func (f *FailResponse) Error() string {
	return fmt.Sprintf("test %s failed at %s:%d:%d", f.Test, f.File, f.Line, f.Column)
}

// parseVerdict decodes the master node's response body: the pass marker maps
// to nil, a failure maps to a *FailResponse, anything else is malformed.
func parseVerdict(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	var marker string
	if err := json.Unmarshal(trimmed, &marker); err == nil {
		if marker == "Pass" {
			return nil
		}
		return fmt.Errorf("runtests: unknown verdict marker %q", marker)
	}
	var failure struct {
		Fail *FailResponse `json:"Fail"`
	}
	if err := json.Unmarshal(trimmed, &failure); err != nil || failure.Fail == nil {
		return fmt.Errorf("runtests: malformed verdict %q", trimmed)
	}
	return failure.Fail
}
