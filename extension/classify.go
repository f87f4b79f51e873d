package extension

import (
	"errors"
	"strings"

	"github.com/guseggert/vmwatch/errs"
)

// CodeServiceDisappeared is treated as a second "extension not available" code.
// The message phrases below are a fallback for services that report neither code.
const CodeServiceDisappeared = 112

type unavailableRule struct {
	name  string
	match func(*errs.ProtocolError) bool
}

var unavailablePhrases = []string{"not found", "not available", "unknown method"}

// unavailableRules are evaluated in order; the first match classifies the error as an unavailable extension.
var unavailableRules = []unavailableRule{
	{
		name:  "method not found",
		match: func(pe *errs.ProtocolError) bool { return pe.Code == errs.CodeMethodNotFound },
	},
	{
		name:  "service disappeared",
		match: func(pe *errs.ProtocolError) bool { return pe.Code == CodeServiceDisappeared },
	},
	{
		name: "message phrase",
		match: func(pe *errs.ProtocolError) bool {
			msg := strings.ToLower(pe.Message)
			for _, phrase := range unavailablePhrases {
				if strings.Contains(msg, phrase) {
					return true
				}
			}
			return false
		},
	},
}

// Classify re-classifies a protocol error from calling method as an *errs.ExtensionUnavailableError
// when it means the extension does not exist in this run mode. Other errors are returned unchanged.
func Classify(method string, err error) error {
	var pe *errs.ProtocolError
	if err == nil || !errors.As(err, &pe) {
		return err
	}
	var unavailable *errs.ExtensionUnavailableError
	if errors.As(err, &unavailable) {
		return err
	}
	for _, r := range unavailableRules {
		if r.match(pe) {
			return &errs.ExtensionUnavailableError{Method: method, Cause: pe}
		}
	}
	return err
}
