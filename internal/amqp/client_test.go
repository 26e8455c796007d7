package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

func TestExponentialBackoffDoublesUntilCap(t *testing.T) {
	want := time.Second
	for attempt := 0; attempt < 5; attempt++ {
		if got := exponentialBackoff(attempt); got != want {
			t.Fatalf("exponentialBackoff(%d) = %v, want %v", attempt, got, want)
		}
		want *= 2
	}
	for _, attempt := range []int{5, 6, 12, 63} {
		if got := exponentialBackoff(attempt); got != maxBackoff {
			t.Errorf("exponentialBackoff(%d) = %v, want cap %v", attempt, got, maxBackoff)
		}
	}
}

func TestIsConnectionError(t *testing.T) {
	for _, msg := range []string{
		"dial tcp 127.0.0.1:5672: connection refused",
		"Exception (504) Reason: \"channel/connection is not open\"",
		"read: unexpected EOF",
		"write: broken pipe",
	} {
		if !isConnectionError(errors.New(msg)) {
			t.Errorf("isConnectionError(%q) = false, want true", msg)
		}
	}
	if !isConnectionError(fmt.Errorf("publish: %w", amqp091.ErrClosed)) {
		t.Error("wrapped amqp091.ErrClosed should count as a connection error")
	}

	for _, err := range []error{nil, errors.New("PRECONDITION_FAILED - inequivalent arg 'durable'")} {
		if isConnectionError(err) {
			t.Errorf("isConnectionError(%v) = true, want false", err)
		}
	}
}

func TestClient_CircuitBreakerLifecycle(t *testing.T) {
	c := &Client{queueName: "funding_report"}

	for i := 1; i < maxFailures; i++ {
		c.recordFailure()
		if c.isCircuitOpen() {
			t.Fatalf("circuit opened after %d failures, threshold is %d", i, maxFailures)
		}
	}
	c.recordFailure()
	if !c.isCircuitOpen() {
		t.Fatalf("circuit still closed after %d failures", maxFailures)
	}

	// past the open timeout one probe is let through
	c.lastFailure = time.Now().Add(-openTimeout - time.Second)
	if c.isCircuitOpen() {
		t.Fatal("circuit should let a probe through after the open timeout")
	}
	if got := atomic.LoadInt32(&c.state); got != StateHalfOpen {
		t.Fatalf("state = %d, want half-open", got)
	}

	// a failed probe reopens immediately
	c.recordFailure()
	if !c.isCircuitOpen() {
		t.Fatal("failed probe should reopen the circuit")
	}

	c.recordSuccess()
	if c.isCircuitOpen() {
		t.Fatal("success should close the circuit")
	}
	if got := atomic.LoadInt64(&c.failureCount); got != 0 {
		t.Errorf("failureCount = %d after success, want 0", got)
	}
}

func TestClient_PublishAllocationCommitted_CircuitBreaker(t *testing.T) {
	client := &Client{exchangeName: "carbonsplit", queueName: "funding_report"}
	msg := NewAllocationCommittedMessage("", "allocate", 1, []int64{10, 11})

	t.Run("open circuit short-circuits publish", func(t *testing.T) {
		atomic.StoreInt32(&client.state, StateOpen)
		client.lastFailure = time.Now()

		err := client.PublishAllocationCommitted(context.Background(), msg)
		if err == nil {
			t.Fatal("PublishAllocationCommitted should fail when circuit is open")
		}
		if !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("Error should wrap ErrCircuitOpen, got: %v", err)
		}
		if !strings.Contains(err.Error(), "circuit breaker is open") {
			t.Errorf("Error should mention circuit breaker, got: %v", err.Error())
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		atomic.StoreInt32(&client.state, StateClosed)
		atomic.StoreInt64(&client.failureCount, 0)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := client.PublishAllocationCommitted(ctx, msg)
		if err != context.Canceled {
			t.Errorf("PublishAllocationCommitted should return context.Canceled, got: %v", err)
		}
	})
}

func TestClient_ConsumeWithoutConnection(t *testing.T) {
	client := &Client{queueName: "test_queue"}
	err := client.ConsumeAllocationCommitted(context.Background(), func(context.Context, *AllocationCommittedMessage) error {
		return nil
	})
	if err == nil {
		t.Error("ConsumeAllocationCommitted should fail without a channel")
	}
}

func TestClient_CloseWithoutConnection(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on an unconnected client = %v", err)
	}
}

func TestNewAllocationCommittedMessage(t *testing.T) {
	msg := NewAllocationCommittedMessage("", "resplit", 7, []int64{3, 4})

	if _, err := uuid.Parse(msg.BatchID); err != nil {
		t.Errorf("BatchID %q is not a uuid: %v", msg.BatchID, err)
	}
	if msg.Operation != "resplit" {
		t.Errorf("Operation = %q, want resplit", msg.Operation)
	}
	if msg.ContributionID != 7 {
		t.Errorf("ContributionID = %d, want 7", msg.ContributionID)
	}
	if msg.Timestamp.IsZero() || time.Since(msg.Timestamp) > time.Second {
		t.Error("Timestamp should be recent")
	}

	fixed := NewAllocationCommittedMessage("batch-1", "allocate", 7, nil)
	if fixed.BatchID != "batch-1" {
		t.Errorf("BatchID = %q, want batch-1", fixed.BatchID)
	}
}

func TestAllocationCommittedMessage_JSON(t *testing.T) {
	timestamp := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	msg := &AllocationCommittedMessage{
		BatchID:        "0b6c1f9e-4d2a-4f7e-9a51-3c2d9e8f1a00",
		Operation:      "allocate",
		ContributionID: 12345,
		NodeIDs:        []int64{1, 2, 3},
		Timestamp:      timestamp,
	}

	jsonBytes, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}
	if !strings.Contains(string(jsonBytes), `"node_ids":[1,2,3]`) {
		t.Errorf("unexpected encoding: %s", jsonBytes)
	}

	parsed, err := AllocationCommittedMessageFromJSON(jsonBytes)
	if err != nil {
		t.Fatalf("AllocationCommittedMessageFromJSON() error = %v", err)
	}
	if parsed.ContributionID != msg.ContributionID || parsed.BatchID != msg.BatchID {
		t.Errorf("parsed = %+v, want %+v", parsed, msg)
	}
	if !parsed.Timestamp.Equal(msg.Timestamp) {
		t.Errorf("Parsed Timestamp = %v, want %v", parsed.Timestamp, msg.Timestamp)
	}
}

func TestAllocationCommittedMessage_InvalidJSON(t *testing.T) {
	_, err := AllocationCommittedMessageFromJSON([]byte(`{"contribution_id": "not_a_number"}`))
	if err == nil {
		t.Error("AllocationCommittedMessageFromJSON() should fail with invalid JSON")
	}
}
