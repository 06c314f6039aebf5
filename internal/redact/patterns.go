package redact

import (
	"regexp"
	"strings"
)

// BuiltinPatterns returns the full catalogue. Order never matters; overlap
// resolution runs on category precedence and match length.
func BuiltinPatterns() []*Pattern {
	return []*Pattern{
		// Credentials
		anthropicKeyPattern(),
		openaiKeyPattern(),
		googleKeyPattern(),
		githubTokenPattern(),
		gitlabTokenPattern(),
		bearerTokenPattern(),
		sensitiveAssignmentPattern(),
		pemBlockPattern(),
		jwtPattern(),
		basicAuthURLPattern(),
		// Financial
		creditCardPattern(),
		ibanPattern(),
		// PII
		emailPattern(),
		phonePattern(),
	}
}

func anthropicKeyPattern() *Pattern {
	return NewPattern("anthropic_key").
		WithRegex(`sk-ant-[a-zA-Z0-9_-]{16,}`).
		WithCategory(CategoryCredential).
		Build()
}

func openaiKeyPattern() *Pattern {
	// sk-proj- is the project-scoped variant of the classic sk- format.
	return NewPattern("openai_key").
		WithRegex(`sk-(?:proj-)?[a-zA-Z0-9]{32,}`).
		WithCategory(CategoryCredential).
		Build()
}

func googleKeyPattern() *Pattern {
	return NewPattern("google_api_key").
		WithRegex(`AIza[0-9A-Za-z_-]{35}`).
		WithCategory(CategoryCredential).
		Build()
}

func githubTokenPattern() *Pattern {
	// ghp_ personal, ghs_ app installation, gho_ OAuth, ghu_ user-to-server,
	// ghr_ refresh.
	return NewPattern("github_token").
		WithRegex(`gh[psour]_[A-Za-z0-9]{36,}`).
		WithCategory(CategoryCredential).
		Build()
}

func gitlabTokenPattern() *Pattern {
	return NewPattern("gitlab_token").
		WithRegex(`glpat-[A-Za-z0-9_-]{20,}`).
		WithCategory(CategoryCredential).
		Build()
}

func bearerTokenPattern() *Pattern {
	return NewPattern("bearer_token").
		WithRegex(`(?i)\bbearer\s+[a-zA-Z0-9._~+/-]{20,}=*`).
		WithCategory(CategoryCredential).
		Build()
}

func sensitiveAssignmentPattern() *Pattern {
	// password=..., api_key: "...", secret=... pairs in config-ish text.
	return NewPattern("sensitive_assignment").
		WithRegex(`(?i)\b(?:password|passwd|pwd|secret|token|api[_-]?key|apikey|access[_-]?key|private[_-]?key|client[_-]?secret)\b\s*[=:]\s*["']?[^\s"',;&]{4,}`).
		WithCategory(CategoryCredential).
		Build()
}

func pemBlockPattern() *Pattern {
	return NewPattern("pem_key_block").
		WithRegex(`-----BEGIN [A-Z0-9 ]*(?:PRIVATE |PUBLIC )?KEY(?: BLOCK)?-----[\s\S]*?-----END [A-Z0-9 ]*(?:PRIVATE |PUBLIC )?KEY(?: BLOCK)?-----`).
		WithCategory(CategoryCredential).
		Build()
}

func jwtPattern() *Pattern {
	// Three base64url segments; the header segment always starts with eyJ.
	return NewPattern("jwt").
		WithRegex(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]+`).
		WithCategory(CategoryCredential).
		Build()
}

func basicAuthURLPattern() *Pattern {
	return NewPattern("basic_auth_url").
		WithRegex(`[a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]+:[^/\s:@]+@[^\s"']+`).
		WithCategory(CategoryCredential).
		Build()
}

func creditCardPattern() *Pattern {
	return NewPattern("credit_card").
		WithRegex(`\b(?:\d[ .\-]?){13,19}\b`).
		WithCategory(CategoryFinancial).
		WithValidator(validCardNumber).
		Build()
}

func ibanPattern() *Pattern {
	return NewPattern("iban").
		WithRegex(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`).
		WithCategory(CategoryFinancial).
		Build()
}

func emailPattern() *Pattern {
	return NewPattern("email").
		WithRegex(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`).
		WithCategory(CategoryPII).
		Build()
}

func phonePattern() *Pattern {
	// International +NNNNNNNNN or separator-formatted national numbers.
	return NewPattern("phone").
		WithRegex(`(?:\+\d{7,15}\b|\b\(?\d{3}\)?[ .\-]\d{3}[ .\-]\d{4}\b)`).
		WithCategory(CategoryPII).
		Build()
}

var nonDigit = regexp.MustCompile(`\D`)

// validCardNumber gates credit-card candidates: plausible Visa/Mastercard
// style prefix, 13-19 digits, and a passing Luhn checksum.
func validCardNumber(candidate string) bool {
	digits := nonDigit.ReplaceAllString(candidate, "")
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	if !hasValidCardPrefix(digits) {
		return false
	}
	return luhnValid(digits)
}

func hasValidCardPrefix(digits string) bool {
	// Visa
	if strings.HasPrefix(digits, "4") {
		return true
	}
	if len(digits) >= 2 {
		// Mastercard classic range
		if p := digits[:2]; p >= "51" && p <= "55" {
			return true
		}
	}
	if len(digits) >= 4 {
		// Mastercard 2-series
		if p := digits[:4]; p >= "2221" && p <= "2720" {
			return true
		}
	}
	// Amex
	if strings.HasPrefix(digits, "34") || strings.HasPrefix(digits, "37") {
		return true
	}
	// Discover
	if strings.HasPrefix(digits, "6011") || strings.HasPrefix(digits, "65") {
		return true
	}
	return false
}

// luhnValid implements the Luhn checksum over an all-digit string.
func luhnValid(digits string) bool {
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if alt {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		alt = !alt
	}
	return sum%10 == 0
}
