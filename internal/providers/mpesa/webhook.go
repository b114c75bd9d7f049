package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/DevnProgg/MyPay/internal/providers"
)

// Result codes for callbacks. Anything unlisted is still pending.
var resultCodes = map[string]providers.Status{
	"0":    providers.StatusCompleted,
	"1":    providers.StatusFailed, // insufficient funds
	"17":   providers.StatusFailed, // limit reached
	"20":   providers.StatusFailed, // expired
	"26":   providers.StatusFailed, // system timeout
	"32":   providers.StatusFailed, // access denied
	"1032": providers.StatusFailed, // cancelled by user
	"1037": providers.StatusFailed, // USSD timeout
	"2001": providers.StatusFailed, // wrong PIN
}

// Result codes in STK query responses.
var stkQueryCodes = map[string]providers.Status{
	"0":    providers.StatusCompleted,
	"1":    providers.StatusPending,
	"1032": providers.StatusFailed,
	"1037": providers.StatusFailed,
}

func resultStatus(code string) providers.Status {
	if s, ok := resultCodes[code]; ok {
		return s
	}
	return providers.StatusPending
}

func stkQueryStatus(code string) providers.Status {
	if s, ok := stkQueryCodes[code]; ok {
		return s
	}
	return providers.StatusPending
}

// HandleWebhook parses the three Daraja callback shapes: STK push
// (Body.stkCallback), async results (Result) and C2B confirmations (TransID).
func (a *Adapter) HandleWebhook(payload []byte) (*providers.WebhookResult, error) {
	var body map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("mpesa: decode callback: %w", err)
	}

	if stk := object(object(body["Body"])["stkCallback"]); len(stk) > 0 {
		return stkCallback(stk)
	}
	if result := object(body["Result"]); len(result) > 0 {
		return resultCallback(result)
	}
	if _, ok := body["TransID"]; ok {
		return c2bCallback(body)
	}
	if _, ok := body["BillRefNumber"]; ok {
		return c2bCallback(body)
	}
	return nil, errors.New("mpesa: unrecognised callback shape")
}

func stkCallback(stk map[string]interface{}) (*providers.WebhookResult, error) {
	checkoutID := str(stk["CheckoutRequestID"])
	if checkoutID == "" {
		return nil, errors.New("mpesa: stkCallback without CheckoutRequestID")
	}
	code := str(stk["ResultCode"])
	status := resultStatus(code)

	meta := map[string]interface{}{}
	for _, it := range list(object(stk["CallbackMetadata"])["Item"]) {
		item := object(it)
		meta[str(item["Name"])] = plain(item["Value"])
	}

	return &providers.WebhookResult{
		ProviderTransactionID: checkoutID,
		EventType:             "payment." + string(status),
		Status:                status,
		Receipt:               str(meta["MpesaReceiptNumber"]),
		DedupKey:              "stk:" + code,
		Extra: map[string]interface{}{
			"checkout_request_id":  checkoutID,
			"merchant_request_id":  str(stk["MerchantRequestID"]),
			"result_code":          code,
			"result_desc":          str(stk["ResultDesc"]),
			"mpesa_receipt_number": meta["MpesaReceiptNumber"],
			"amount":               meta["Amount"],
			"phone_number":         meta["PhoneNumber"],
			"transaction_date":     meta["TransactionDate"],
		},
	}, nil
}

func resultCallback(result map[string]interface{}) (*providers.WebhookResult, error) {
	conversationID := str(result["ConversationID"])
	code := str(result["ResultCode"])
	status := resultStatus(code)

	params := map[string]interface{}{}
	for _, it := range list(object(result["ResultParameters"])["ResultParameter"]) {
		item := object(it)
		params[str(item["Key"])] = plain(item["Value"])
	}

	command := ""
	if ref := object(result["ReferenceData"]); ref != nil {
		for _, it := range list(ref["ReferenceItem"]) {
			if v := str(object(it)["Value"]); v != "" {
				command = v
				break
			}
		}
	}

	res := &providers.WebhookResult{
		ProviderTransactionID: conversationID,
		DedupKey:              "result:" + conversationID + ":" + code,
		Extra: map[string]interface{}{
			"conversation_id":            conversationID,
			"originator_conversation_id": str(result["OriginatorConversationID"]),
			"result_code":                code,
			"result_desc":                str(result["ResultDesc"]),
			"result_type":                plain(result["ResultType"]),
			"result_params":              params,
		},
	}
	switch {
	case strings.Contains(command, "Reversal"):
		// OriginalTransactionID is the payment's receipt number; the ledger
		// resolves it through the recorded receipt.
		if orig := str(params["OriginalTransactionID"]); orig != "" {
			res.ProviderTransactionID = orig
		}
		if status == providers.StatusCompleted {
			res.EventType, res.Status = "payment.reversed", providers.StatusRefunded
		} else {
			res.EventType, res.Status = "reversal.failed", providers.StatusRefundFailed
		}
	case strings.Contains(command, "Status"):
		res.EventType, res.Status = "transaction.status."+string(status), status
	default:
		res.EventType, res.Status = "payment."+string(status), status
	}
	if res.ProviderTransactionID == "" {
		return nil, errors.New("mpesa: result callback without ConversationID")
	}
	return res, nil
}

func c2bCallback(body map[string]interface{}) (*providers.WebhookResult, error) {
	transID := str(body["TransID"])
	if transID == "" {
		return nil, errors.New("mpesa: C2B confirmation without TransID")
	}
	return &providers.WebhookResult{
		ProviderTransactionID: transID,
		EventType:             "payment.completed",
		Status:                providers.StatusCompleted,
		DedupKey:              "c2b:" + transID,
		Extra: map[string]interface{}{
			"transaction_type":   str(body["TransactionType"]),
			"trans_time":         str(body["TransTime"]),
			"amount":             str(body["TransAmount"]),
			"business_shortcode": str(body["BusinessShortCode"]),
			"bill_ref_number":    str(body["BillRefNumber"]),
			"msisdn":             str(body["MSISDN"]),
		},
	}, nil
}

func object(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

// list accepts a JSON array or a single object.
func list(v interface{}) []interface{} {
	switch t := v.(type) {
	case []interface{}:
		return t
	case map[string]interface{}:
		return []interface{}{t}
	}
	return nil
}

// plain turns json.Number into float64 so values store cleanly.
func plain(v interface{}) interface{} {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}

func str(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := str(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
