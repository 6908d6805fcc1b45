// Package calendar implements billing-period date arithmetic.
//
// Period math uses time.AddDate, which normalizes overflowing dates instead
// of clamping them: Jan 31 plus one month is Mar 3 in a non-leap year and
// Mar 2 in a leap year. That keeps the function total and deterministic at
// the cost of month-end drift, which downstream billing accepts.
package calendar

import (
	"time"

	subscriptiondomain "github.com/billingworks/rebill/internal/subscription/domain"
)

// Advance returns the instant one billing interval after t.
func Advance(t time.Time, interval subscriptiondomain.BillingInterval) (time.Time, error) {
	switch interval {
	case subscriptiondomain.IntervalDaily:
		return t.AddDate(0, 0, 1), nil
	case subscriptiondomain.IntervalWeekly:
		return t.AddDate(0, 0, 7), nil
	case subscriptiondomain.IntervalBiweekly:
		return t.AddDate(0, 0, 14), nil
	case subscriptiondomain.IntervalMonthly:
		return t.AddDate(0, 1, 0), nil
	case subscriptiondomain.IntervalQuarterly:
		return t.AddDate(0, 3, 0), nil
	case subscriptiondomain.IntervalYearly:
		return t.AddDate(1, 0, 0), nil
	}
	return time.Time{}, subscriptiondomain.ErrInvalidInterval
}

// NextPeriod rolls a period forward: the new period starts where the old one
// ended and runs one interval.
func NextPeriod(periodEnd time.Time, interval subscriptiondomain.BillingInterval) (start, end time.Time, err error) {
	end, err = Advance(periodEnd, interval)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return periodEnd, end, nil
}
