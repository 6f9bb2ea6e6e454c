package template

import (
	"encoding/json"
	"fmt"
)

// VariableType identifies what a personalizable element holds. The set is
// closed: decoding an unknown type fails, and resolution code switches
// exhaustively over these constants so that adding a type is a visible,
// reviewable change rather than a silently ignored default branch.
type VariableType string

const (
	VarMessage          VariableType = "message"
	VarRecipientName    VariableType = "recipientName"
	VarRecipientAddress VariableType = "recipientAddress"
	VarPhoneNumber      VariableType = "phoneNumber"
	VarQRCode           VariableType = "qrCode"
	VarLogo             VariableType = "logo"
)

// Types lists every known variable type.
var Types = []VariableType{
	VarMessage,
	VarRecipientName,
	VarRecipientAddress,
	VarPhoneNumber,
	VarQRCode,
	VarLogo,
}

// ParseVariableType validates a stored type string.
func ParseVariableType(s string) (VariableType, error) {
	for _, t := range Types {
		if s == string(t) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown variable type %q", s)
}

// UnmarshalJSON enforces the closed set at decode time.
func (v *VariableType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t, err := ParseVariableType(s)
	if err != nil {
		return err
	}
	*v = t
	return nil
}

// String returns the stored form of the type.
func (v VariableType) String() string { return string(v) }
