// Package extract pulls the client identity out of a login-error mail body
// and renders the chat message sent to the client's seller.
package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	validation "github.com/jellydator/validation"
)

const (
	defaultDisplayName = "-"
	maxDisplayName     = 100
	countryPrefix      = "55"
)

var (
	sellerRe      = regexp.MustCompile(`(?i)Prezado,\s*([A-ZÁÉÍÓÚÇÃÕÂÊÔ\s]+)`)
	displayRe     = regexp.MustCompile(`(?is)O\(A\)\s+(.*?)\s+Cliente:`)
	companyRe     = regexp.MustCompile(`(?i)Cliente:\s*([^-]+?)\s*-\s*CNPJ:`)
	cnpjRe        = regexp.MustCompile(`CNPJ:\s*([0-9./-]+)`)
	codeRe        = regexp.MustCompile(`(?i)Cod\s+Cliente:\s*(\d+)`)
	phoneRe       = regexp.MustCompile(`(?i)Telefone\s+utilizado:\s*\(?(\d{2})\)?\s*(\d{4,5})-?(\d{4})`)
	sellerPhoneRe = regexp.MustCompile(`(?i)Telefone\s+do\s+Vendedor:\s*\(?(\d{2})\)?\s*(\d{4,5})-?(\d{4})`)
)

// Identity is everything read from one mail body. Code and Phone form the
// dedup key; SellerPhone is the chat recipient.
type Identity struct {
	SellerFullName  string `json:"seller_name"`
	SellerFirstName string `json:"seller_first_name"`
	DisplayName     string `json:"display_name"`
	Company         string `json:"company"`
	CNPJ            string `json:"cnpj"`
	Code            string `json:"code"`
	Phone           string `json:"phone"`
	FormattedPhone  string `json:"formatted_phone"`
	SellerPhone     string `json:"seller_phone"`
}

// MissingFieldsError lists the required fields absent from a body. It is not
// retryable: the payload will not change.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Fields, ", "))
}

func IsMissingFields(err error) bool {
	var mf *MissingFieldsError
	return errors.As(err, &mf)
}

func Extract(body string) (Identity, error) {
	id := Identity{DisplayName: defaultDisplayName}

	if m := sellerRe.FindStringSubmatch(body); m != nil {
		full, _, _ := strings.Cut(strings.TrimSpace(m[1]), "\n")
		id.SellerFullName = strings.TrimSpace(full)
		if parts := strings.Fields(id.SellerFullName); len(parts) > 0 {
			id.SellerFirstName = parts[0]
		}
	}
	if m := displayRe.FindStringSubmatch(body); m != nil {
		name := strings.NewReplacer("\r", " ", "\n", " ").Replace(m[1])
		name = strings.TrimSpace(name)
		if r := []rune(name); len(r) > maxDisplayName {
			name = string(r[:maxDisplayName])
		}
		if name != "" {
			id.DisplayName = name
		}
	}
	if m := companyRe.FindStringSubmatch(body); m != nil {
		id.Company = strings.TrimSpace(m[1])
	}
	if m := cnpjRe.FindStringSubmatch(body); m != nil {
		id.CNPJ = strings.TrimSpace(m[1])
	}
	if m := codeRe.FindStringSubmatch(body); m != nil {
		id.Code = m[1]
	}
	if m := phoneRe.FindStringSubmatch(body); m != nil {
		id.Phone = m[1] + m[2] + m[3]
		id.FormattedPhone = fmt.Sprintf("(%s) %s-%s", m[1], m[2], m[3])
	}
	if m := sellerPhoneRe.FindStringSubmatch(body); m != nil {
		id.SellerPhone = countryPrefix + m[1] + m[2] + m[3]
	}

	return id, id.Validate()
}

var requiredOrder = []string{"code", "phone", "company", "seller_phone"}

// Validate checks the required fields in one pass and reports every missing
// one together.
func (id *Identity) Validate() error {
	err := validation.ValidateStruct(id,
		validation.Field(&id.Code, validation.Required),
		validation.Field(&id.Phone, validation.Required),
		validation.Field(&id.Company, validation.Required),
		validation.Field(&id.SellerPhone, validation.Required),
	)
	if err == nil {
		return nil
	}
	var errs validation.Errors
	if !errors.As(err, &errs) {
		return err
	}
	missing := make([]string, 0, len(errs))
	for _, name := range requiredOrder {
		if _, ok := errs[name]; ok {
			missing = append(missing, name)
		}
	}
	return &MissingFieldsError{Fields: missing}
}

func (id Identity) Details(link string) map[string]interface{} {
	return map[string]interface{}{
		"seller_name":        id.SellerFullName,
		"company":            id.Company,
		"cnpj":               id.CNPJ,
		"display_name":       id.DisplayName,
		"formatted_phone":    id.FormattedPhone,
		"authorization_link": link,
	}
}
