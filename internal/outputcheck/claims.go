// Package outputcheck validates agent output against known facts before it
// leaves the runtime. Detection is regex-based and cheap enough to sit on the
// message hooks: claims are extracted, checked against a fact registry, and
// folded into a pass/flag/block verdict weighted by the agent's trust score.
package outputcheck

import (
	"regexp"
	"sort"
	"strings"
)

// ClaimType tags what kind of assertion a detector found.
type ClaimType string

const (
	ClaimSystemState     ClaimType = "system-state"
	ClaimEntityName      ClaimType = "entity-name"
	ClaimExistence       ClaimType = "existence"
	ClaimOperationalStat ClaimType = "operational-status"
	ClaimSelfReferential ClaimType = "self-referential"
)

// Claim is one checkable assertion extracted from output text.
type Claim struct {
	Type      ClaimType `json:"type"`
	Subject   string    `json:"subject"`
	Predicate string    `json:"predicate"`
	Value     string    `json:"value"`
	Source    string    `json:"source"`
	Offset    int       `json:"offset"`
}

const maxClaims = 50

const subjectWord = `[A-Za-z][\w./-]*`

var (
	systemStateRe = regexp.MustCompile(`(?i)\b(` + subjectWord + `(?:[ \t]` + subjectWord + `){0,2})[ \t]+(?:is|are)[ \t]+(?:currently[ \t]+)?(running|stopped|halted|down|up|online|offline|healthy|unhealthy|active|inactive|enabled|disabled|degraded|paused|restarting|crashed|failing|operational|idle|ready)\b`)

	entityNameRe = regexp.MustCompile(`(?i)\b(` + subjectWord + `(?:[ \t]` + subjectWord + `){0,2})[ \t]+(?:is|are)[ \t]+(?:called|named)[ \t]+["']?([A-Za-z0-9][\w./-]*)["']?`)

	existenceRe = regexp.MustCompile(`(?i)\b(` + subjectWord + `(?:[ \t]` + subjectWord + `){0,2})[ \t]+(does[ \t]+not[ \t]+exist|doesn't[ \t]+exist|exists)\b`)

	thereIsRe = regexp.MustCompile(`(?i)\bthere[ \t]+(?:is|are|was|were)[ \t]+(no[ \t]+)?(?:a[ \t]+|an[ \t]+)?(` + subjectWord + `(?:[ \t]` + subjectWord + `){0,2})\b`)

	operationalRe = regexp.MustCompile(`(?i)\b(` + subjectWord + `(?:[ \t]` + subjectWord + `){0,2})[ \t]+(?:is[ \t]+(?:at[ \t]+|now[ \t]+)?|has[ \t]+|reports[ \t]+|shows[ \t]+|=[ \t]*|:[ \t]*)([0-9][\d,]*(?:\.\d+)?[ \t]*%?)`)

	selfIdentityRe = regexp.MustCompile(`(?i)\bI[ \t]+am[ \t]+(?:a[ \t]+|an[ \t]+|the[ \t]+)?(` + subjectWord + `(?:[ \t]` + subjectWord + `){0,2})`)

	selfNameRe = regexp.MustCompile(`(?i)\bmy[ \t]+name[ \t]+is[ \t]+["']?([A-Za-z][\w.-]*)`)

	selfHaveRe = regexp.MustCompile(`(?i)\bI[ \t]+have[ \t]+([0-9][\d,]*(?:\.\d+)?)[ \t]+(` + subjectWord + `)`)
)

// commonWords holds subjects too generic to check. A claim whose subject is
// built entirely from these is discarded.
var commonWords = map[string]bool{
	"it": true, "its": true, "this": true, "that": true, "these": true,
	"those": true, "there": true, "here": true, "he": true, "she": true,
	"they": true, "them": true, "we": true, "you": true, "i": true,
	"the": true, "a": true, "an": true, "everything": true, "something": true,
	"nothing": true, "anything": true, "what": true, "which": true,
	"who": true, "when": true, "where": true, "why": true, "how": true,
	"all": true, "any": true, "each": true, "every": true, "some": true,
	"one": true, "thing": true, "things": true, "stuff": true,
	"status": true, "state": true, "result": true, "results": true,
	"value": true, "way": true, "case": true, "time": true, "day": true,
	"people": true, "everyone": true, "anyone": true, "nobody": true,
	"and": true, "or": true, "but": true, "if": true, "then": true,
	"so": true, "just": true, "now": true, "also": true, "still": true,
}

// trailingConnectors are stripped off the end of multi-word subjects so a
// greedy match like "problem with the" collapses to "problem".
var trailingConnectors = map[string]bool{
	"of": true, "with": true, "in": true, "on": true, "for": true,
	"to": true, "at": true, "by": true, "from": true, "and": true,
	"or": true, "the": true, "a": true, "an": true, "is": true, "are": true,
}

// DetectClaims extracts checkable claims from text, ordered by offset.
func DetectClaims(text string) []Claim {
	var claims []Claim

	for _, m := range systemStateRe.FindAllStringSubmatchIndex(text, -1) {
		subject, ok := cleanSubject(text[m[2]:m[3]])
		if !ok {
			continue
		}
		claims = append(claims, Claim{
			Type:      ClaimSystemState,
			Subject:   subject,
			Predicate: "status",
			Value:     text[m[4]:m[5]],
			Source:    text[m[0]:m[1]],
			Offset:    m[0],
		})
	}

	for _, m := range entityNameRe.FindAllStringSubmatchIndex(text, -1) {
		subject, ok := cleanSubject(text[m[2]:m[3]])
		if !ok {
			continue
		}
		claims = append(claims, Claim{
			Type:      ClaimEntityName,
			Subject:   subject,
			Predicate: "name",
			Value:     text[m[4]:m[5]],
			Source:    text[m[0]:m[1]],
			Offset:    m[0],
		})
	}

	for _, m := range existenceRe.FindAllStringSubmatchIndex(text, -1) {
		subject, ok := cleanSubject(text[m[2]:m[3]])
		if !ok {
			continue
		}
		value := "true"
		if strings.Contains(strings.ToLower(text[m[4]:m[5]]), "not ") ||
			strings.Contains(strings.ToLower(text[m[4]:m[5]]), "n't") {
			value = "false"
		}
		claims = append(claims, Claim{
			Type:      ClaimExistence,
			Subject:   subject,
			Predicate: "exists",
			Value:     value,
			Source:    text[m[0]:m[1]],
			Offset:    m[0],
		})
	}

	for _, m := range thereIsRe.FindAllStringSubmatchIndex(text, -1) {
		subject, ok := cleanSubject(text[m[4]:m[5]])
		if !ok {
			continue
		}
		value := "true"
		if m[2] >= 0 {
			value = "false"
		}
		claims = append(claims, Claim{
			Type:      ClaimExistence,
			Subject:   subject,
			Predicate: "exists",
			Value:     value,
			Source:    text[m[0]:m[1]],
			Offset:    m[0],
		})
	}

	for _, m := range operationalRe.FindAllStringSubmatchIndex(text, -1) {
		subject, ok := cleanSubject(text[m[2]:m[3]])
		if !ok {
			continue
		}
		claims = append(claims, Claim{
			Type:      ClaimOperationalStat,
			Subject:   subject,
			Predicate: "value",
			Value:     strings.TrimSpace(text[m[4]:m[5]]),
			Source:    text[m[0]:m[1]],
			Offset:    m[0],
		})
	}

	for _, m := range selfIdentityRe.FindAllStringSubmatchIndex(text, -1) {
		claims = append(claims, Claim{
			Type:      ClaimSelfReferential,
			Subject:   "I",
			Predicate: "identity",
			Value:     trimTrailing(text[m[2]:m[3]]),
			Source:    text[m[0]:m[1]],
			Offset:    m[0],
		})
	}

	for _, m := range selfNameRe.FindAllStringSubmatchIndex(text, -1) {
		claims = append(claims, Claim{
			Type:      ClaimSelfReferential,
			Subject:   "I",
			Predicate: "name",
			Value:     text[m[2]:m[3]],
			Source:    text[m[0]:m[1]],
			Offset:    m[0],
		})
	}

	for _, m := range selfHaveRe.FindAllStringSubmatchIndex(text, -1) {
		claims = append(claims, Claim{
			Type:      ClaimSelfReferential,
			Subject:   "I",
			Predicate: strings.ToLower(text[m[4]:m[5]]),
			Value:     text[m[2]:m[3]],
			Source:    text[m[0]:m[1]],
			Offset:    m[0],
		})
	}

	sort.SliceStable(claims, func(i, j int) bool { return claims[i].Offset < claims[j].Offset })
	if len(claims) > maxClaims {
		claims = claims[:maxClaims]
	}
	return claims
}

// cleanSubject strips articles and trailing connectors, then rejects
// subjects made entirely of common words.
func cleanSubject(raw string) (string, bool) {
	words := strings.Fields(raw)
	for len(words) > 0 && trailingConnectors[strings.ToLower(words[0])] {
		words = words[1:]
	}
	for len(words) > 0 && trailingConnectors[strings.ToLower(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	if len(words) == 0 {
		return "", false
	}
	meaningful := false
	for _, w := range words {
		if !commonWords[strings.ToLower(w)] {
			meaningful = true
			break
		}
	}
	if !meaningful {
		return "", false
	}
	return strings.Join(words, " "), true
}

func trimTrailing(raw string) string {
	words := strings.Fields(raw)
	for len(words) > 0 && trailingConnectors[strings.ToLower(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}
