package logs

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// maskToken keeps a recognizable head and a two-char tail of a matched token.
func maskToken(token string, head int) string {
	if len(token) <= head+2 {
		return "****"
	}
	return token[:head] + "***" + token[len(token)-2:]
}

// tokenPatterns matches credential shapes that must never reach a log sink,
// whatever path they took to get there. The redact package handles outbound
// payloads; this is the last line for our own log statements.
var tokenPatterns = []struct {
	name string
	re   *regexp.Regexp
	mask func(string) string
}{
	{
		name: "anthropic_key",
		re:   regexp.MustCompile(`\b(sk-ant-[A-Za-z0-9\-]{30,})\b`),
		mask: func(m string) string { return maskToken(m, 10) },
	},
	{
		name: "openai_key",
		re:   regexp.MustCompile(`\b(sk-[A-Za-z0-9]{20,})\b`),
		mask: func(m string) string { return maskToken(m, 5) },
	},
	{
		name: "github_token",
		re:   regexp.MustCompile(`\b(gh[poushr]_[A-Za-z0-9]{36,255})\b`),
		mask: func(m string) string { return maskToken(m, 7) },
	},
	{
		name: "bearer_token",
		re:   regexp.MustCompile(`\b(Bearer\s+[A-Za-z0-9\-\._~\+\/]+=*)\b`),
		mask: func(m string) string {
			_, tok, ok := strings.Cut(m, " ")
			if !ok || len(tok) <= 6 {
				return "Bearer ****"
			}
			return "Bearer " + maskToken(tok, 4)
		},
	},
	{
		name: "jwt",
		re:   regexp.MustCompile(`\b(eyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+)\b`),
		mask: func(m string) string {
			parts := strings.Split(m, ".")
			if len(parts) != 3 || len(parts[2]) < 4 {
				return "****"
			}
			return parts[0] + ".***." + parts[2][len(parts[2])-4:]
		},
	},
}

// SecretSanitizer is a zapcore.Core wrapper that masks sensitive values
// before they reach any output. Resolved config secrets and vault originals
// are registered here so an accidental mention never leaks them.
type SecretSanitizer struct {
	zapcore.Core
	resolved *sync.Map // secret value -> struct{}
}

// NewSecretSanitizer wraps core with credential masking.
func NewSecretSanitizer(core zapcore.Core) *SecretSanitizer {
	return &SecretSanitizer{Core: core, resolved: &sync.Map{}}
}

// RegisterResolvedSecret adds a known secret value to the mask set. Values
// shorter than 4 chars are ignored to avoid masking noise.
func (s *SecretSanitizer) RegisterResolvedSecret(value string) {
	if len(value) >= 4 {
		s.resolved.Store(value, struct{}{})
	}
}

// UnregisterResolvedSecret drops a value from the mask set.
func (s *SecretSanitizer) UnregisterResolvedSecret(value string) {
	s.resolved.Delete(value)
}

func (s *SecretSanitizer) sanitize(str string) string {
	out := str

	s.resolved.Range(func(key, _ interface{}) bool {
		secret, ok := key.(string)
		// Very short registered values would mask too aggressively.
		if ok && len(secret) >= 8 {
			out = strings.ReplaceAll(out, secret, maskToken(secret, 4))
		}
		return true
	})

	for i := range tokenPatterns {
		out = tokenPatterns[i].re.ReplaceAllStringFunc(out, tokenPatterns[i].mask)
	}
	return out
}

func (s *SecretSanitizer) sanitizeField(field zapcore.Field) zapcore.Field {
	switch field.Type {
	case zapcore.StringType:
		field.String = s.sanitize(field.String)
	case zapcore.ErrorType:
		// Errors are re-rendered as strings so wrapped messages get masked.
		if err, ok := field.Interface.(error); ok && err != nil {
			field.Type = zapcore.StringType
			field.String = s.sanitize(err.Error())
			field.Interface = nil
		}
	}
	return field
}

// Write implements zapcore.Core.
func (s *SecretSanitizer) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = s.sanitize(entry.Message)
	clean := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		clean[i] = s.sanitizeField(field)
	}
	return s.Core.Write(entry, clean)
}

// Check implements zapcore.Core, keeping the sanitizer in the checked entry.
func (s *SecretSanitizer) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return checked.AddCore(entry, s)
	}
	return checked
}

// With implements zapcore.Core. The clone shares the resolved-secret set so
// registration on the root logger covers derived loggers.
func (s *SecretSanitizer) With(fields []zapcore.Field) zapcore.Core {
	clean := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		clean[i] = s.sanitizeField(field)
	}
	return &SecretSanitizer{Core: s.Core.With(clean), resolved: s.resolved}
}
