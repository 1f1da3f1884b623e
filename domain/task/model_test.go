package task

import "testing"

func TestTerminalStatuses(t *testing.T) {
	terminal := []Status{StatusApproved, StatusRejected, StatusCancelled, StatusExpired}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
	nonTerminal := []Status{StatusPosted, StatusClaimed, StatusDelivered}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}

func TestAllowedTransitions(t *testing.T) {
	cases := []struct {
		from Status
		ev   Event
		want Status
	}{
		{StatusPosted, EventClaim, StatusClaimed},
		{StatusPosted, EventCancel, StatusCancelled},
		{StatusPosted, EventReaperUnclaimed, StatusExpired},
		{StatusClaimed, EventDeliver, StatusDelivered},
		{StatusClaimed, EventAbandon, StatusPosted},
		{StatusClaimed, EventReaperClaimRetry, StatusPosted},
		{StatusClaimed, EventReaperClaimMax, StatusExpired},
		{StatusDelivered, EventApprove, StatusApproved},
		{StatusDelivered, EventRejectRetry, StatusClaimed},
		{StatusDelivered, EventRejectTerminal, StatusRejected},
	}
	for _, c := range cases {
		got, ok := Allowed(c.from, c.ev)
		if !ok {
			t.Fatalf("%s/%s: expected an allowed transition", c.from, c.ev)
		}
		if got != c.want {
			t.Fatalf("%s/%s: got %s, want %s", c.from, c.ev, got, c.want)
		}
	}
}

func TestDisallowedTransitionsAreRejected(t *testing.T) {
	disallowed := []struct {
		from Status
		ev   Event
	}{
		{StatusPosted, EventDeliver},
		{StatusApproved, EventCancel},
		{StatusRejected, EventClaim},
		{StatusExpired, EventAbandon},
	}
	for _, c := range disallowed {
		if _, ok := Allowed(c.from, c.ev); ok {
			t.Fatalf("%s/%s: expected no allowed transition", c.from, c.ev)
		}
	}
}

func TestHasWorkerAndEscrowExempt(t *testing.T) {
	unworked := Task{}
	if unworked.HasWorker() {
		t.Fatal("a task with no WorkerID must report HasWorker() == false")
	}
	worked := Task{WorkerID: "agent-1"}
	if !worked.HasWorker() {
		t.Fatal("a task with a WorkerID must report HasWorker() == true")
	}

	if (Task{System: false}).EscrowExempt() {
		t.Fatal("a non-system task must carry escrow")
	}
	if !(Task{System: true}).EscrowExempt() {
		t.Fatal("a system task must be escrow-exempt")
	}
}
