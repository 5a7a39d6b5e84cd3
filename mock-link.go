package gqlcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrNoMockedResponse = errors.New("no mocked response for operation")

// MockedResponse is a canned answer for one execution of an operation.
type MockedResponse struct {
	Request Operation
	// Result to return. Ignored if Error is set.
	Result *Response
	Error  error
}

// MockLink answers operations from a list of mocked responses, for tests.
// Each mocked response is used once, in order of registration.
// Queries are compared in canonical form and variables by value.
type MockLink struct {
	mutex sync.Mutex
	mocks []MockedResponse
	used  []bool
	calls int
}

func NewMockLink(mocks ...MockedResponse) *MockLink {
	l := &MockLink{}
	for _, m := range mocks {
		l.Add(m)
	}
	return l
}

// Add registers another mocked response.
func (l *MockLink) Add(mock MockedResponse) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.mocks = append(l.mocks, mock)
	l.used = append(l.used, false)
}

// Calls returns the number of operations executed, matched or not.
func (l *MockLink) Calls() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.calls
}

// Remaining returns the number of mocked responses not used yet.
func (l *MockLink) Remaining() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	remaining := 0
	for _, used := range l.used {
		if !used {
			remaining++
		}
	}
	return remaining
}

func (l *MockLink) Execute(ctx context.Context, op Operation) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.calls++

	query, err := CanonicalQuery(op.Query)
	if err != nil {
		return nil, err
	}
	for i, mock := range l.mocks {
		if l.used[i] || !matches(mock.Request, query, op) {
			continue
		}
		l.used[i] = true
		if mock.Error != nil {
			return nil, mock.Error
		}
		if mock.Result == nil {
			return &Response{}, nil
		}
		// hand out a copy, results are decoded JSON in real links too
		b, err := json.Marshal(mock.Result)
		if err != nil {
			return nil, err
		}
		var res Response
		if err := json.Unmarshal(b, &res); err != nil {
			return nil, err
		}
		if len(res.Errors) > 0 {
			return &res, res.Errors
		}
		return &res, nil
	}
	vars, _ := json.Marshal(op.Variables)
	return nil, fmt.Errorf("%w: %s with variables %s", ErrNoMockedResponse, operationLabel(op), vars)
}

func matches(mock Operation, canonicalQuery string, op Operation) bool {
	if mock.OperationName != "" && op.OperationName != "" && mock.OperationName != op.OperationName {
		return false
	}
	mockQuery, err := CanonicalQuery(mock.Query)
	if err != nil || mockQuery != canonicalQuery {
		return false
	}
	return sameVariables(mock.Variables, op.Variables)
}

// sameVariables compares variables by their JSON encoding,
// so that e.g. int and float64 numbers of the same value are equal.
func sameVariables(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}

func operationLabel(op Operation) string {
	if op.OperationName != "" {
		return op.OperationName
	}
	return "anonymous operation"
}
