package lifecycle

import (
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
)

type Classification string

const (
	ClassNone              Classification = "none"
	ClassInitialActivation Classification = "initial_activation"
	ClassTrialConversion   Classification = "trial_conversion"
	ClassRenewal           Classification = "renewal"
	ClassTrialStarted      Classification = "trial_started"
	ClassPastDue           Classification = "past_due"
	ClassCanceled          Classification = "canceled"
	ClassIncomplete        Classification = "incomplete"
	ClassIncompleteExpired Classification = "incomplete_expired"
	ClassUnrecognized      Classification = "unrecognized"
	ClassOrderPaid         Classification = "order_paid"
	ClassOrderFailed       Classification = "order_failed"
	ClassOrderExpired      Classification = "order_expired"
	ClassOrderCanceled     Classification = "order_canceled"
)

// ClassifyActive decides what an active status means given the previous state.
// A period start that moved while staying active is a renewal; leaving a
// trial is a conversion; anything else is a first activation.
func ClassifyActive(prevStatus string, periodStart, prevPeriodStart *time.Time) Classification {
	switch prevStatus {
	case models.BillingStatusTrialing:
		return ClassTrialConversion
	case models.BillingStatusActive:
		if periodStart != nil && prevPeriodStart != nil && !periodStart.Equal(*prevPeriodStart) {
			return ClassRenewal
		}
	}
	return ClassInitialActivation
}

// ClassifyStatus maps a subscription status onto its transition.
func ClassifyStatus(status, prevStatus string, periodStart, prevPeriodStart *time.Time) Classification {
	switch status {
	case models.BillingStatusActive:
		return ClassifyActive(prevStatus, periodStart, prevPeriodStart)
	case models.BillingStatusTrialing:
		return ClassTrialStarted
	case models.BillingStatusPastDue:
		return ClassPastDue
	case models.BillingStatusCanceled:
		return ClassCanceled
	case models.BillingStatusIncomplete:
		return ClassIncomplete
	case models.BillingStatusIncompleteExpired:
		return ClassIncompleteExpired
	default:
		return ClassUnrecognized
	}
}
