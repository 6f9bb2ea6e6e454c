package template

import "strings"

// Recipient is one personalization record. Records are supplied in bulk by
// the orchestrator and are immutable for the duration of a render.
type Recipient struct {
	TrackingID string `json:"trackingId"`

	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Address   string `json:"address"`
	City      string `json:"city"`
	Zip       string `json:"zip"`
	Phone     string `json:"phone"`
	Message   string `json:"message"`
	Company   string `json:"company"`

	// QRPayload is the pre-generated per-recipient tracking URL encoded
	// into the recipient's QR code.
	QRPayload string `json:"qrPayload"`
}

// FullName returns "first last" with single-field records handled gracefully.
func (r Recipient) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// FullAddress returns the one-line "address, city, zip" form drawn onto
// address slots.
func (r Recipient) FullAddress() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.Address, r.City, r.Zip} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// HasPhone reports whether the recipient supplied a usable phone number.
// Whitespace-only values count as absent so the template's authored default
// is preserved.
func (r Recipient) HasPhone() bool {
	return strings.TrimSpace(r.Phone) != ""
}

// fieldSynonyms maps the column-name spellings seen in uploaded recipient
// lists onto canonical fields. Lookup is case-insensitive.
var fieldSynonyms = map[string]string{
	"name":        "firstName",
	"firstname":   "firstName",
	"first_name":  "firstName",
	"lastname":    "lastName",
	"last_name":   "lastName",
	"surname":     "lastName",
	"address":     "address",
	"street":      "address",
	"city":        "city",
	"zip":         "zip",
	"zipcode":     "zip",
	"postal_code": "zip",
	"phone":       "phone",
	"phonenumber": "phone",
	"telephone":   "phone",
	"message":     "message",
	"company":     "company",
	"companyname": "company",
	"qr":          "qrPayload",
	"qr_url":      "qrPayload",
	"tracking_id": "trackingId",
	"trackingid":  "trackingId",
}

// DecodeRecipient builds a Recipient from a flat field map, tolerating the
// common column-name synonyms of uploaded lists.
func DecodeRecipient(fields map[string]string) Recipient {
	var r Recipient
	for k, v := range fields {
		canonical, ok := fieldSynonyms[strings.ToLower(strings.ReplaceAll(k, " ", ""))]
		if !ok {
			canonical = k
		}
		switch canonical {
		case "firstName":
			r.FirstName = v
		case "lastName":
			r.LastName = v
		case "address":
			r.Address = v
		case "city":
			r.City = v
		case "zip":
			r.Zip = v
		case "phone":
			r.Phone = v
		case "message":
			r.Message = v
		case "company":
			r.Company = v
		case "qrPayload":
			r.QRPayload = v
		case "trackingId":
			r.TrackingID = v
		}
	}
	return r
}
