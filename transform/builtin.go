package transform

// Categories
const (
	CategoryFinancial  = "financial"
	CategoryCredit     = "credit"
	CategoryUser       = "user"
	CategoryAnalytics  = "analytics"
	CategoryDocuments  = "documents"
	CategoryThirdParty = "third_party"
)

var (
	accountFields = []string{"account_number", "account", "iban", "card_number", "pan"}
	ssnFields     = []string{"ssn", "social_security_number", "tax_id", "tin"}
	amountFields  = []string{"amount", "balance", "available_balance", "principal", "payment", "total"}
)

func builtinSpecs() []Spec {
	return []Spec{
		{
			ID:         "financial",
			Category:   CategoryFinancial,
			Compliance: []string{"SOX"},
			Rules: []Rule{
				Round(2, amountFields...),
				Upper("currency", "currency_code"),
				MaskTail(accountFields...),
			},
		},
		{
			ID:         "credit",
			Category:   CategoryCredit,
			Compliance: []string{"FCRA", "GLBA"},
			Rules: []Rule{
				MaskSSN(ssnFields...),
				MaskTail(accountFields...),
				ScrubSSN(),
			},
		},
		{
			ID:         "user",
			Category:   CategoryUser,
			Compliance: []string{"GDPR", "CCPA"},
			Rules: []Rule{
				MaskEmail("email", "email_address"),
				MaskPhone("phone", "phone_number", "mobile"),
				MaskSSN(ssnFields...),
				Redact("password", "password_hash", "secret"),
			},
		},
		{
			ID:       "analytics",
			Category: CategoryAnalytics,
			Rules: []Rule{
				Round(4, "rate", "ratio", "score", "percentage"),
				MaskEmail("email"),
			},
		},
		{
			ID:         "documents",
			Category:   CategoryDocuments,
			Compliance: []string{"RETENTION"},
			Rules: []Rule{
				Redact("storage_path", "internal_path", "bucket_key"),
				ScrubSSN(),
			},
		},
		{
			ID:         "market_data",
			Category:   CategoryThirdParty,
			Compliance: []string{"VENDOR_LICENSE"},
			Rules: []Rule{
				Upper("symbol", "ticker", "currency", "exchange"),
				Round(4, "price", "open", "close", "high", "low", "change", "change_percent"),
			},
		},
		{
			ID:         "credit_bureau",
			Category:   CategoryThirdParty,
			Compliance: []string{"FCRA"},
			Rules: []Rule{
				MaskSSN(ssnFields...),
				MaskTail(accountFields...),
				ScrubSSN(),
			},
		},
		{
			ID:         "kyc",
			Category:   CategoryThirdParty,
			Compliance: []string{"KYC", "AML"},
			Rules: []Rule{
				MaskSSN(ssnFields...),
				MaskTail("document_number", "passport_number", "license_number"),
				Redact("date_of_birth", "dob"),
				ScrubSSN(),
			},
		},
		{
			ID:         "banking",
			Category:   CategoryThirdParty,
			Compliance: []string{"PCI-DSS", "GLBA"},
			Rules: []Rule{
				MaskTail(append(accountFields, "routing_number")...),
				Round(2, amountFields...),
				Upper("currency"),
			},
		},
	}
}
