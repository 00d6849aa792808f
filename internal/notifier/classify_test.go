package notifier

import (
	"errors"
	"fmt"
	"testing"

	logx "agrialert/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Status
	}{
		{"nil", nil, StatusSuccess},
		{"unknown", errors.New("eof"), StatusTransient},
		{"timeout", NewError(KindTimeout, "x", nil), StatusTransient},
		{"rate", NewError(KindRateLimit, "x", nil), StatusTransient},
		{"recipient", NewError(KindRecipient, "x", nil), StatusPermanent},
		{"auth wrapped", fmt.Errorf("send: %w", NewError(KindAuth, "x", nil)), StatusPermanent},
		{"rejected", NewError(KindRejected, "x", nil), StatusPermanent},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%s: Classify=%s want %s", tc.name, got, tc.want)
		}
	}
}

func TestHTTPKind(t *testing.T) {
	cases := map[int]Kind{
		429: KindRateLimit,
		401: KindAuth,
		403: KindAuth,
		400: KindRecipient,
		404: KindRecipient,
		500: KindUnavailable,
		503: KindUnavailable,
		409: KindRejected,
	}
	for code, want := range cases {
		if got := HTTPKind(code); got != want {
			t.Fatalf("HTTPKind(%d)=%s want %s", code, got, want)
		}
	}
}

func TestResultDelivery(t *testing.T) {
	if d := (Result{Status: StatusSkipped}).Delivery(); !d.Attempted || d.Succeeded || d.Failed {
		t.Fatalf("skipped delivery=%+v", d)
	}
	if d := Fail(NewError(KindAuth, "x", nil)).Delivery(); !d.Failed || d.Succeeded {
		t.Fatalf("failed delivery=%+v", d)
	}
}
