package daraja

import (
	"encoding/json"
	"fmt"
	"time"
)

// Callback is the decoded STK result webhook.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string

	// Metadata, present only on success.
	ReceiptNumber string
	PaidAmount    int64
	PaidAt        time.Time
	Phone         string
}

// ParseCallback decodes the Daraja STK callback envelope:
// {Body:{stkCallback:{..., CallbackMetadata:{Item:[...]}}}}.
func ParseCallback(body []byte) (*Callback, error) {
	var env struct {
		Body struct {
			StkCallback struct {
				MerchantRequestID string `json:"MerchantRequestID"`
				CheckoutRequestID string `json:"CheckoutRequestID"`
				ResultCode        int    `json:"ResultCode"`
				ResultDesc        string `json:"ResultDesc"`
				CallbackMetadata  struct {
					Item []struct {
						Name  string `json:"Name"`
						Value any    `json:"Value"`
					} `json:"Item"`
				} `json:"CallbackMetadata"`
			} `json:"stkCallback"`
		} `json:"Body"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bad stk callback json: %w", err)
	}
	sc := env.Body.StkCallback
	if sc.CheckoutRequestID == "" {
		return nil, fmt.Errorf("unrecognized callback shape: no CheckoutRequestID")
	}

	cb := &Callback{
		MerchantRequestID: sc.MerchantRequestID,
		CheckoutRequestID: sc.CheckoutRequestID,
		ResultCode:        sc.ResultCode,
		ResultDesc:        sc.ResultDesc,
	}
	for _, it := range sc.CallbackMetadata.Item {
		switch it.Name {
		case "Amount":
			cb.PaidAmount = asInt64(it.Value)
		case "MpesaReceiptNumber":
			if s, ok := it.Value.(string); ok {
				cb.ReceiptNumber = s
			}
		case "PhoneNumber":
			cb.Phone = asDigits(it.Value)
		case "TransactionDate":
			// numeric YYYYMMDDHHmmss in some sandboxes, string in others
			if at, err := ParseTimestamp(asDigits(it.Value)); err == nil {
				cb.PaidAt = at
			}
		}
	}
	return cb, nil
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
	case string:
		var f float64
		if _, err := fmt.Sscanf(x, "%f", &f); err == nil {
			return int64(f)
		}
	case int:
		return int64(x)
	}
	return 0
}

func asDigits(v any) string {
	switch x := v.(type) {
	case float64:
		return fmt.Sprintf("%.0f", x)
	case json.Number:
		return x.String()
	case string:
		return x
	}
	return ""
}
