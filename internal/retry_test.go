package internal

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

type tempErr struct{ temporary bool }

func (e tempErr) Error() string   { return "temp" }
func (e tempErr) Temporary() bool { return e.temporary }

func TestTransient(t *testing.T) {
	testCases := []struct {
		desc string
		err  error
		exp  bool
	}{
		{desc: "nil error", err: nil, exp: false},
		{desc: "plain error", err: errors.New("boom"), exp: false},
		{desc: "throttled aws error", err: awserr.New("ProvisionedThroughputExceededException", "slow down", nil), exp: true},
		{desc: "wrapped request error", err: errors.Wrap(awserr.New("RequestError", "send failed", nil), "get records"), exp: true},
		{desc: "conditional check failure", err: awserr.New("ConditionalCheckFailedException", "nope", nil), exp: false},
		{desc: "temporary error", err: tempErr{temporary: true}, exp: true},
		{desc: "permanent error with Temporary method", err: tempErr{temporary: false}, exp: false},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if actual := Transient(tc.err); actual != tc.exp {
				t.Errorf("expected Transient to be %v: got %v", tc.exp, actual)
			}
		})
	}
}

func TestRetry(t *testing.T) {
	permanent := errors.New("permanent")

	testCases := []struct {
		desc      string
		errs      []error
		expCalls  int
		expErr    error
		shouldErr bool
	}{
		{
			desc:     "succeeds after two transient failures",
			errs:     []error{tempErr{true}, tempErr{true}, nil},
			expCalls: 3,
		},
		{
			desc:      "stops on a permanent error",
			errs:      []error{permanent, nil},
			expCalls:  1,
			expErr:    permanent,
			shouldErr: true,
		},
		{
			desc:      "gives up when retries are exhausted",
			errs:      []error{tempErr{true}, tempErr{true}, tempErr{true}, tempErr{true}},
			expCalls:  3,
			shouldErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			calls := 0
			b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
			err := Retry(context.Background(), b, func() error {
				err := tc.errs[calls]
				calls++
				return err
			})

			if tc.shouldErr {
				if err == nil {
					t.Errorf("expected error to not be nil but it was")
				}
			} else if err != nil {
				t.Errorf("expected error to be nil: got %v", err)
			}
			if tc.expErr != nil && err != tc.expErr {
				t.Errorf("expected error to be %v: got %v", tc.expErr, err)
			}
			if calls != tc.expCalls {
				t.Errorf("expected %d calls: got %d", tc.expCalls, calls)
			}
		})
	}
}

func TestSleep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Sleep(ctx, clock, time.Hour); err != context.Canceled {
		t.Errorf("expected a cancelled sleep to return %v: got %v", context.Canceled, err)
	}
	if err := Sleep(context.Background(), clock, 0); err != nil {
		t.Errorf("expected a zero sleep to return nil: got %v", err)
	}

	// The cancelled sleep above leaves its waiter on clock, so the timed
	// sleep runs on a clock of its own.
	timed := clockwork.NewFakeClock()
	done := make(chan error, 1)
	go func() { done <- Sleep(context.Background(), timed, time.Second) }()
	timed.BlockUntil(1)
	timed.Advance(time.Second)
	if err := <-done; err != nil {
		t.Errorf("expected sleep to return nil after the clock advanced: got %v", err)
	}
}
