package osy_client

import "fmt"

// NegativeResponseSID 是负响应的首字节
const NegativeResponseSID = 0x7F

// 闪存加载程序会回复的负响应码
const (
	NRCServiceNotSupported                = 0x11
	NRCSubFunctionNotSupported            = 0x12
	NRCIncorrectMessageLength             = 0x13
	NRCBusyRepeatRequest                  = 0x21
	NRCConditionsNotCorrect               = 0x22
	NRCRequestSequenceError               = 0x24
	NRCNoResponseFromSubnetComponent      = 0x25
	NRCRequestOutOfRange                  = 0x31
	NRCSecurityAccessDenied               = 0x33
	NRCInvalidKey                         = 0x35
	NRCExceedNumberOfAttempts             = 0x36
	NRCRequiredTimeDelayNotExpired        = 0x37
	NRCUploadDownloadNotAccepted          = 0x70
	NRCTransferDataSuspended              = 0x71
	NRCGeneralProgrammingFailure          = 0x72
	NRCWrongBlockSequenceCounter          = 0x73
	NRCResponsePending                    = 0x78
	NRCServiceNotSupportedInActiveSession = 0x7F
)

// 描述里带上闪存加载程序场景下最常见的原因, 日志里直接可读
var nrcText = map[byte]string{
	NRCServiceNotSupported:                "service not supported",
	NRCSubFunctionNotSupported:            "sub-function not supported",
	NRCIncorrectMessageLength:             "incorrect message length",
	NRCBusyRepeatRequest:                  "busy, repeat request",
	NRCConditionsNotCorrect:               "conditions not correct (wrong session or not unlocked)",
	NRCRequestSequenceError:               "request sequence error",
	NRCNoResponseFromSubnetComponent:      "no response from routed node",
	NRCRequestOutOfRange:                  "request out of range (address, DID or route not known)",
	NRCSecurityAccessDenied:               "security access denied",
	NRCInvalidKey:                         "invalid key",
	NRCExceedNumberOfAttempts:             "too many security access attempts",
	NRCRequiredTimeDelayNotExpired:        "security access delay not expired",
	NRCUploadDownloadNotAccepted:          "download not accepted (memory not available)",
	NRCTransferDataSuspended:              "transfer suspended",
	NRCGeneralProgrammingFailure:          "programming failure (flash erase or write)",
	NRCWrongBlockSequenceCounter:          "wrong block sequence counter",
	NRCResponsePending:                    "response pending",
	NRCServiceNotSupportedInActiveSession: "service not supported in active session",
}

// DescribeNRC returns a readable text for a reject code.
func DescribeNRC(nrc byte) string {
	if s, ok := nrcText[nrc]; ok {
		return s
	}
	return fmt.Sprintf("unknown reject code 0x%02X", nrc)
}

// NegativeResponseError 是服务器的 `7F SID NRC` 应答
type NegativeResponseError struct {
	ServiceID byte
	NRC       byte
}

func NewNegativeResponseError(sid, nrc byte) *NegativeResponseError {
	return &NegativeResponseError{ServiceID: sid, NRC: nrc}
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("service 0x%02X rejected: %s (NRC 0x%02X)", e.ServiceID, DescribeNRC(e.NRC), e.NRC)
}

// NRCode exposes the reject code to fault.Classify.
func (e *NegativeResponseError) NRCode() byte { return e.NRC }

// IsRetryable 只有忙和挂起可以原样重发
func (e *NegativeResponseError) IsRetryable() bool {
	return e.NRC == NRCBusyRepeatRequest || e.NRC == NRCResponsePending
}
