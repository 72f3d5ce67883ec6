package notify

import (
	"sort"

	"go.uber.org/multierr"
)

// DeliveryFailure is one recipient that did not get its record.
type DeliveryFailure struct {
	RecipientID string `json:"recipientId"`
	Err         error  `json:"-"`
}

// FanoutReport is the outcome of a multi-recipient dispatch. Recipients is
// the de-duplicated audience in input order.
type FanoutReport struct {
	Recipients []string          `json:"recipients"`
	Delivered  map[string]string `json:"delivered"`
	Failures   []DeliveryFailure `json:"failures"`

	order map[string]int
}

func newFanoutReport(recipients []string) *FanoutReport {
	order := make(map[string]int, len(recipients))
	for i, r := range recipients {
		order[r] = i
	}
	return &FanoutReport{
		Recipients: recipients,
		Delivered:  make(map[string]string, len(recipients)),
		Failures:   []DeliveryFailure{},
		order:      order,
	}
}

func (r *FanoutReport) fail(recipientID string, err error) {
	r.Failures = append(r.Failures, DeliveryFailure{RecipientID: recipientID, Err: err})
}

func (r *FanoutReport) sortFailures() {
	sort.SliceStable(r.Failures, func(i, j int) bool {
		return r.order[r.Failures[i].RecipientID] < r.order[r.Failures[j].RecipientID]
	})
}

// Err combines every failure, or returns nil when all recipients succeeded.
func (r *FanoutReport) Err() error {
	var err error
	for _, f := range r.Failures {
		err = multierr.Append(err, f.Err)
	}
	return err
}

// Errors lists failures in recipient order.
func (r *FanoutReport) Errors() []error {
	out := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.Err)
	}
	return out
}

// Failed reports whether recipientID is among the failures.
func (r *FanoutReport) Failed(recipientID string) bool {
	for _, f := range r.Failures {
		if f.RecipientID == recipientID {
			return true
		}
	}
	return false
}
