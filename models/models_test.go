package models

import "testing"

func TestOrderTransitions(t *testing.T) {
	legal := []struct {
		from, to OrderStatus
	}{
		{OrderPendingPayment, OrderPaymentProcessing},
		{OrderPendingPayment, OrderPaymentCompleted},
		{OrderPendingPayment, OrderCancelled},
		{OrderPaymentProcessing, OrderPaymentCompleted},
		{OrderPaymentProcessing, OrderPaymentFailed},
		{OrderPaymentProcessing, OrderCancelled},
		{OrderPaymentCompleted, OrderBlockchainPending},
		{OrderBlockchainPending, OrderBlockchainProcessing},
		{OrderBlockchainPending, OrderBlockchainFailed},
		{OrderBlockchainProcessing, OrderBlockchainConfirmed},
		{OrderBlockchainProcessing, OrderCompleted},
		{OrderBlockchainProcessing, OrderBlockchainFailed},
		{OrderBlockchainConfirmed, OrderCompleted},
		{OrderBlockchainFailed, OrderBlockchainPending},
		{OrderCompleted, OrderRefunded},
	}
	for _, tc := range legal {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct {
		from, to OrderStatus
	}{
		{OrderPaymentCompleted, OrderPendingPayment},
		{OrderPaymentCompleted, OrderCancelled},
		{OrderBlockchainProcessing, OrderCancelled},
		{OrderCompleted, OrderPendingPayment},
		{OrderCancelled, OrderPaymentCompleted},
		{OrderRefunded, OrderCompleted},
		{OrderBlockchainFailed, OrderCompleted},
	}
	for _, tc := range illegal {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestOrderTerminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderCompleted, OrderRefunded, OrderCancelled, OrderPaymentFailed, OrderBlockchainFailed} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderPendingPayment, OrderPaymentCompleted, OrderBlockchainProcessing} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestPaymentStatus(t *testing.T) {
	if !PaymentPending.Live() || !PaymentSucceeded.Live() {
		t.Fatal("pending and succeeded payments must count as live")
	}
	if PaymentCancelled.Live() {
		t.Fatal("cancelled payment must not be live")
	}
	if !PaymentFailed.Terminal() || PaymentSucceeded.Terminal() {
		t.Fatal("terminal set wrong")
	}
}

func TestTransactionTerminal(t *testing.T) {
	if !TxConfirmed.Terminal() || !TxFailed.Terminal() {
		t.Fatal("confirmed and failed are terminal")
	}
	if TxRetrying.Terminal() || TxSubmitted.Terminal() {
		t.Fatal("in-flight statuses must not be terminal")
	}
}
