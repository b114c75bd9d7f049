package validation

import (
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// maxScale is the number of decimal places accepted for amounts.
const maxScale = 2

// New returns a configured validator with the payment struct-level checks registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	v.RegisterStructValidation(createPaymentStructValidation, CreatePaymentRequest{})
	v.RegisterStructValidation(refundStructValidation, RefundPaymentRequest{})

	return v
}

// createPaymentStructValidation requires a positive amount with at most two decimals.
func createPaymentStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreatePaymentRequest)
	checkAmount(sl, req.Amount)
}

func refundStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(RefundPaymentRequest)
	if req.Amount != nil {
		checkAmount(sl, *req.Amount)
	}
}

func checkAmount(sl validatorv10.StructLevel, amount decimal.Decimal) {
	if !amount.IsPositive() {
		sl.ReportError(amount.String(), "amount", "Amount", "gt_zero", "")
		return
	}
	if !amount.Equal(amount.Round(maxScale)) {
		sl.ReportError(amount.String(), "amount", "Amount", "max_two_decimals", "")
	}
}
