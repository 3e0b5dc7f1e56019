package turn

import "fmt"

// Error is a turn-terminating failure, carrying the client-facing error
// code (spec §4.4's failure policy: ASR_ERROR, LLM_ERROR, tts_stall) plus
// the recoverable/retryable flags spec §7 requires on every surfaced
// error.
type Error struct {
	Code        string
	Message     string
	Recoverable bool
	Retryable   bool
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func errASR(cause error) *Error {
	return &Error{Code: "ASR_ERROR", Message: "speech recognition failed", Recoverable: true, Retryable: true, Cause: cause}
}

// ASRError wraps a recognizer failure for the transport layer, which owns
// the ASR session and has no other way to produce a *turn.Error.
func ASRError(cause error) *Error { return errASR(cause) }

func errLLM(cause error) *Error {
	return &Error{Code: "LLM_ERROR", Message: "generation failed before any output", Recoverable: true, Retryable: true, Cause: cause}
}

func errTTSStall() *Error {
	return &Error{Code: "tts_stall", Message: "synthesis reorder buffer stalled", Recoverable: true, Retryable: true}
}
