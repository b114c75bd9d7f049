package main

import (
	"encoding/json"

	"github.com/aws/aws-lambda-go/events"
)

// scheduledDetailType marks an EventBridge schedule invocation.
const scheduledDetailType = "Scheduled Event"

// invocation is the union of the payloads the worker is wired to: an SQS batch of
// redelivery messages or a scheduled tick that scans for due webhook events.
type invocation struct {
	Records    []events.SQSMessage `json:"Records"`
	DetailType string              `json:"detail-type"`
}

func (i invocation) scheduled() bool {
	return len(i.Records) == 0 && i.DetailType == scheduledDetailType
}

func decodeInvocation(raw json.RawMessage) (invocation, error) {
	var inv invocation
	err := json.Unmarshal(raw, &inv)
	return inv, err
}
