package provider

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	ReturnCode    string          `json:"returnCode"`
	ReturnMessage string          `json:"returnMessage"`
	Info          json.RawMessage `json:"info"`
}

func (e envelope) status() Status {
	return Status{Code: e.ReturnCode, Message: e.ReturnMessage}
}

func (e envelope) hasInfo() bool {
	return len(e.Info) > 0 && string(e.Info) != "null"
}

func decodeEnvelope(body []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.ReturnCode == "" {
		return env, fmt.Errorf("%w: missing returnCode", ErrMalformed)
	}
	return env, nil
}

// DecodeCapture maps a capture response body to its outcome
func DecodeCapture(body []byte) (CaptureOutcome, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	switch env.ReturnCode {
	case CodeSuccess:
		if !env.hasInfo() {
			return nil, fmt.Errorf("%w: capture %s without info", ErrMalformed, env.ReturnCode)
		}
		var info CaptureInfo
		if err := json.Unmarshal(env.Info, &info); err != nil {
			return nil, fmt.Errorf("%w: capture info: %v", ErrMalformed, err)
		}
		if info.TransactionID == "" {
			return nil, fmt.Errorf("%w: capture info without transactionId", ErrMalformed)
		}
		return CaptureSettled{Status: env.status(), Info: info}, nil
	case CodeAwaitingConfirmation:
		return CaptureAwaiting{Status: env.status()}, nil
	default:
		return CaptureDeclined{Status: env.status()}, nil
	}
}

// DecodeRefund maps a refund response body to its outcome
func DecodeRefund(body []byte) (RefundOutcome, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	switch env.ReturnCode {
	case CodeSuccess:
		if !env.hasInfo() {
			return nil, fmt.Errorf("%w: refund %s without info", ErrMalformed, env.ReturnCode)
		}
		var info RefundInfo
		if err := json.Unmarshal(env.Info, &info); err != nil {
			return nil, fmt.Errorf("%w: refund info: %v", ErrMalformed, err)
		}
		if info.RefundTransactionID == "" {
			return nil, fmt.Errorf("%w: refund info without refundTransactionId", ErrMalformed)
		}
		return RefundCompleted{Status: env.status(), Info: info}, nil
	case CodeRefundStateMismatch:
		return RefundMismatch{Status: env.status()}, nil
	default:
		return RefundRejected{Status: env.status()}, nil
	}
}

// DecodeQuery maps a query response body to its outcome
func DecodeQuery(body []byte) (QueryOutcome, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	switch env.ReturnCode {
	case CodeSuccess:
		if !env.hasInfo() {
			return nil, fmt.Errorf("%w: query %s without info", ErrMalformed, env.ReturnCode)
		}
		var activities []Activity
		if err := json.Unmarshal(env.Info, &activities); err != nil {
			return nil, fmt.Errorf("%w: query info: %v", ErrMalformed, err)
		}
		if len(activities) == 0 {
			return nil, fmt.Errorf("%w: query %s with empty activity list", ErrMalformed, env.ReturnCode)
		}
		for _, a := range activities {
			if a.TransactionID == "" {
				return nil, fmt.Errorf("%w: activity without transactionId", ErrMalformed)
			}
			for _, r := range a.RefundList {
				if r.RefundTransactionID == "" {
					return nil, fmt.Errorf("%w: refund entry without refundTransactionId", ErrMalformed)
				}
			}
		}
		return QueryFound{Status: env.status(), Activities: activities}, nil
	case CodeOrderNotFound:
		return QueryNotFound{Status: env.status()}, nil
	default:
		return QueryRejected{Status: env.status()}, nil
	}
}
